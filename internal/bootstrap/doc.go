// Package bootstrap assembles the reflexion components from configuration.
// Both the daemon and the CLI build their generation client, search chain,
// task store and queue through it.
package bootstrap
