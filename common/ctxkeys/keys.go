// Package ctxkeys holds context keys shared by logger and HTTP middleware.
package ctxkeys

type contextKey string

const (
	TraceIDKey   contextKey = "trace_id"
	RequestIDKey contextKey = "request_id"
	// BatchKey carries a short description of the batch being handled.
	BatchKey contextKey = "batch"
)
