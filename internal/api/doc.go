// Package api exposes the REST interface of the reflexion daemon: submitting
// runs, browsing and comparing run history, exporting answers and traces,
// cancelling runs and reporting provider credential status.
package api
