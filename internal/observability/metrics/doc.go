// Package metrics exposes Prometheus metrics for HTTP requests, reflexion
// runs, generation calls and search requests on a dedicated registry.
package metrics
