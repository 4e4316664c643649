// Package observability provides metrics, structured logging, and distributed
// tracing for the agent runtime.
//
// The three pillars are independent and individually optional:
//
//   - Metrics: Prometheus families covering LLM requests and token usage,
//     tool executions, pipeline stage outcomes, checkpoint saves, run-store
//     queries, and active sessions. All record methods are nil-safe, so a
//     *Metrics threads through the engine and session unconditionally.
//
//   - Logging: a slog-based root logger with configurable level and format
//     plus built-in redaction. Secrets matching the default patterns (API
//     keys, bearer tokens, JWTs) never reach the output writer.
//
//   - Tracing: an OpenTelemetry tracer exporting over OTLP gRPC, with span
//     helpers for LLM requests, tool executions, pipeline stages, and
//     run-store queries. A nil *Tracer or empty endpoint disables export
//     without changing call sites.
//
// TracingMiddleware and MetricsMiddleware adapt the tracer and metrics onto
// the LLM client's middleware chain so every completion a pipeline issues is
// observed without per-handler instrumentation.
package observability
