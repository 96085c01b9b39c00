package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects relay's Prometheus metrics.
//
// All recording methods are safe to call on a nil *Metrics, which lets
// components run without metrics in tests.
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: status (completed|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds, queue wait excluded.
	TurnDuration prometheus.Histogram

	// QueueDepth is the number of prompts waiting behind a running turn,
	// summed over sessions.
	QueueDepth prometheus.Gauge

	// ToolExecutionCounter counts tool executions.
	// Labels: tool_name, executor (local|remote), status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BrokerOutcomes counts how pending tool results ended.
	// Labels: outcome (resolved|rejected|timeout|cancelled|late|duplicate)
	BrokerOutcomes *prometheus.CounterVec

	// WireEvents counts streaming events by type.
	// Labels: type, mapped (true|false)
	WireEvents *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: type (input|output)
	TokensUsed *prometheus.CounterVec

	// DroppedStreamEvents counts events not delivered to slow subscribers.
	DroppedStreamEvents prometheus.Counter

	// ConnectedWorkers is the number of workers with an open stream.
	ConnectedWorkers prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TurnCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Total number of turns by final status",
		}, []string{"status"}),

		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_turn_duration_seconds",
			Help:    "Duration of turns in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_turn_queue_depth",
			Help: "Prompts waiting behind a running turn",
		}),

		ToolExecutionCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Total number of tool executions by tool, executor and status",
		}, []string{"tool_name", "executor", "status"}),

		ToolExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		BrokerOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broker_outcomes_total",
			Help: "Pending tool results by outcome",
		}, []string{"outcome"}),

		WireEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_wire_events_total",
			Help: "Streaming events received from the engine",
		}, []string{"type", "mapped"}),

		TokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens reported by the engine",
		}, []string{"type"}),

		DroppedStreamEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_events_dropped_total",
			Help: "Events not delivered to slow subscribers",
		}),

		ConnectedWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_workers",
			Help: "Workers with an open stream",
		}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// QueueChanged adjusts the queue depth gauge by delta.
func (m *Metrics) QueueChanged(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, executor, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, executor, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordBrokerOutcome records how a pending result ended.
func (m *Metrics) RecordBrokerOutcome(outcome string) {
	if m == nil {
		return
	}
	m.BrokerOutcomes.WithLabelValues(outcome).Inc()
}

// RecordWireEvent records one streaming event.
func (m *Metrics) RecordWireEvent(eventType string, mapped bool) {
	if m == nil {
		return
	}
	label := "false"
	if mapped {
		label = "true"
	}
	m.WireEvents.WithLabelValues(eventType, label).Inc()
}

// RecordTokens records token usage. Negative counts are ignored.
func (m *Metrics) RecordTokens(input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.TokensUsed.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.TokensUsed.WithLabelValues("output").Add(float64(output))
	}
}

// StreamEventDropped records one undelivered subscriber event.
func (m *Metrics) StreamEventDropped() {
	if m == nil {
		return
	}
	m.DroppedStreamEvents.Inc()
}

// WorkerConnected adjusts the connected worker gauge.
func (m *Metrics) WorkerConnected(delta int) {
	if m == nil {
		return
	}
	m.ConnectedWorkers.Add(float64(delta))
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
