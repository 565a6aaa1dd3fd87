// Package redis builds the shared go-redis client used by the task queue and
// the search result cache.
package redis
