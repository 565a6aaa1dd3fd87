// Package tools implements the tool execution step of the reflexion loop:
// it runs the requested search queries and merges their results into the
// run's url-deduplicated source set.
package tools
