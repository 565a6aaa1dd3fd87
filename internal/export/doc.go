// Package export renders a finished run as Markdown, HTML or a JSON trace and
// builds side-by-side comparisons. Everything here is derived from the
// RunState alone.
package export
