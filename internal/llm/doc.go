// Package llm defines the generation provider boundary used by the draft and
// revision steps. Provider adapters live in sub-packages and return raw text;
// schema validation happens in the agent.
package llm
