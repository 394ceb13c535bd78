package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Chat requests and how they ended (done, error, aborted, truncated)
//   - Upstream model call latency and HTTP status
//   - Tool executions by backend (native, remote, builtin)
//   - Background compaction outcomes
//   - Events written to clients by wire tag
//
// All methods are safe to call on a nil *Metrics, so components can treat
// metrics as optional.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ChatRequestFinished("done")
//	metrics.RecordUpstreamRequest("kimi-k2.5", "200", time.Since(start).Seconds())
type Metrics struct {
	// ChatRequests counts chat requests by outcome.
	// Labels: outcome (done|error|aborted|truncated)
	ChatRequests *prometheus.CounterVec

	// UpstreamRequestDuration measures upstream model call latency until the
	// response headers arrive.
	// Labels: model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	UpstreamRequestDuration *prometheus.HistogramVec

	// UpstreamRequests counts upstream model calls.
	// Labels: model, status (HTTP status code or "transport_error")
	UpstreamRequests *prometheus.CounterVec

	// Turns counts upstream turns executed by the orchestrator.
	Turns prometheus.Counter

	// TurnCapHits counts requests stopped by the turn cap.
	TurnCapHits prometheus.Counter

	// ToolExecutions counts tool invocations.
	// Labels: backend (native|remote|builtin), status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: backend
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// Compactions counts background compaction jobs.
	// Labels: status (success|error|skipped)
	Compactions *prometheus.CounterVec

	// StreamEvents counts events written to clients.
	// Labels: tag (r|s|c|p|x|e)
	StreamEvents *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the Prometheus default registerer.
//
// Call it once per registry; registering twice panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanbao_chat_requests_total",
				Help: "Total number of chat requests by outcome",
			},
			[]string{"outcome"},
		),

		UpstreamRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sanbao_upstream_request_duration_seconds",
				Help:    "Duration of upstream model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanbao_upstream_requests_total",
				Help: "Total number of upstream model requests by model and status",
			},
			[]string{"model", "status"},
		),

		Turns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sanbao_turns_total",
				Help: "Total number of orchestrator turns",
			},
		),

		TurnCapHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sanbao_turn_cap_hits_total",
				Help: "Total number of requests stopped by the turn cap",
			},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanbao_tool_executions_total",
				Help: "Total number of tool executions by backend and status",
			},
			[]string{"backend", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sanbao_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		Compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanbao_compactions_total",
				Help: "Total number of background compactions by status",
			},
			[]string{"status"},
		),

		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanbao_stream_events_total",
				Help: "Total number of stream events written to clients by tag",
			},
			[]string{"tag"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sanbao_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanbao_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// ChatRequestFinished counts a finished chat request.
func (m *Metrics) ChatRequestFinished(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
}

// RecordUpstreamRequest records metrics for one upstream model call.
//
// Example:
//
//	start := time.Now()
//	// ... POST /chat/completions ...
//	metrics.RecordUpstreamRequest("kimi-k2.5", "200", time.Since(start).Seconds())
func (m *Metrics) RecordUpstreamRequest(model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(model, status).Inc()
	m.UpstreamRequestDuration.WithLabelValues(model).Observe(durationSeconds)
}

// TurnStarted counts one orchestrator turn.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.Turns.Inc()
}

// TurnCapHit counts a request stopped by the turn cap.
func (m *Metrics) TurnCapHit() {
	if m == nil {
		return
	}
	m.TurnCapHits.Inc()
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("native", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(backend, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(backend, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// CompactionFinished counts a finished compaction job.
func (m *Metrics) CompactionFinished(status string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(status).Inc()
}

// StreamEventWritten counts one event written to a client.
func (m *Metrics) StreamEventWritten(tag string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(tag).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
//
// Example:
//
//	start := time.Now()
//	// ... handle HTTP request ...
//	metrics.RecordHTTPRequest("POST", "/api/chat", "200", time.Since(start).Seconds())
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
