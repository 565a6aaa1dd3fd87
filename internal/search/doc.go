// Package search contains the web search providers used by the tool
// execution step: Tavily, Brave, an offline JSON corpus, plus rate limiting
// and Redis caching decorators.
package search
