// Package config loads the reflexion service configuration from YAML,
// resolves provider credentials from the environment and validates that
// every required setting is present before a run starts.
package config
