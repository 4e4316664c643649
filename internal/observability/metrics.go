package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, token consumption, and response times
//   - Tool execution patterns and latencies
//   - Error rates categorized by component and type
//   - Active session counts for capacity planning
//   - Pipeline stage outcomes and checkpoint saves
//   - Database query latencies for the run store
//
// All record methods are safe on a nil receiver, so callers can thread a
// *Metrics through unconditionally and disable collection by passing nil.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", time.Since(start), 100, 500, err)
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|gemini|bedrock), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (session|tool|pipeline|storage), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current live agent sessions.
	ActiveSessions prometheus.Gauge

	// StageCounter counts pipeline stage executions.
	// Labels: stage_type (codergen|tool|parallel|...), status (success|fail|retry)
	StageCounter *prometheus.CounterVec

	// StageDuration measures pipeline stage execution time in seconds.
	// Labels: stage_type
	// Buckets: 0.1s, 1s, 5s, 30s, 60s, 300s, 900s, 3600s
	StageDuration *prometheus.HistogramVec

	// CheckpointCounter counts pipeline checkpoint saves.
	// Labels: status (success|error)
	CheckpointCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures run-store query latency.
	// Labels: operation (select|insert|update|delete), table
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts run-store queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// MetricsConfig configures metrics collection and exposure.
type MetricsConfig struct {
	// Enabled turns collection on. When false, no families are registered
	// and no listener is started.
	Enabled bool `yaml:"enabled" json:"enabled,omitempty"`

	// Listen is the address the /metrics endpoint is served on
	// (e.g., "localhost:9091"). Empty means collect without serving.
	Listen string `yaml:"listen" json:"listen,omitempty"`
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. This should be called once at application startup; the families
// are then available on the standard /metrics handler.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric families with an explicit registerer.
// Tests use this with a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drover_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drover_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "drover_active_sessions",
				Help: "Current number of live agent sessions",
			},
		),

		StageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_pipeline_stages_total",
				Help: "Total number of pipeline stage executions by type and status",
			},
			[]string{"stage_type", "status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drover_pipeline_stage_duration_seconds",
				Help:    "Duration of pipeline stage executions in seconds",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"stage_type"},
		),

		CheckpointCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_checkpoint_saves_total",
				Help: "Total number of pipeline checkpoint saves by status",
			},
			[]string{"status"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drover_database_query_duration_seconds",
				Help:    "Duration of run store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_database_queries_total",
				Help: "Total number of run store queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// RecordLLMRequest records one LLM API request: latency, outcome, and token
// counts. Zero token counts are skipped so failed requests do not emit
// empty series.
func (m *Metrics) RecordLLMRequest(provider, model string, duration time.Duration, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(toolName string, duration time.Duration, isError bool) {
	if m == nil {
		return
	}
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordError increments the error counter for a component and error type.
//
// Example:
//
//	metrics.RecordError("session", "llm_failed")
//	metrics.RecordError("pipeline", "checkpoint_write")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordStage records one pipeline stage execution.
func (m *Metrics) RecordStage(stageType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StageCounter.WithLabelValues(stageType, status).Inc()
	m.StageDuration.WithLabelValues(stageType).Observe(duration.Seconds())
}

// RecordCheckpoint records one checkpoint save attempt.
func (m *Metrics) RecordCheckpoint(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CheckpointCounter.WithLabelValues(status).Inc()
}

// RecordDatabaseQuery records one run store query.
func (m *Metrics) RecordDatabaseQuery(operation, table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}
