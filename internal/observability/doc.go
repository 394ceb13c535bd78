// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the chat engine.
//
// Logging is plain log/slog with a handler that attaches correlation fields
// (request, conversation and user IDs, trace ID) from the context and redacts
// secrets. Metrics and tracers are nil-safe so library packages can accept
// them as optional dependencies.
package observability
