// Package agent runs the reflexion loop. The Actor wraps the draft and
// revision generation calls and validates their structured output; the Agent
// drives the DRAFTING, TOOLING, REVISING and STOPPED states and returns an
// explicit RunState holding the trace.
package agent
