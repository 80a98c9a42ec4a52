// Package metrics holds the Prometheus instruments of the session service
// and the tool router.
//
// All methods are safe on a nil *Metrics, so components can take an optional
// instance without guarding every call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service instruments.
type Metrics struct {
	// ActiveSessions is the number of sessions with a runtime in the store.
	ActiveSessions prometheus.Gauge

	// SessionEvents counts session lifecycle transitions.
	// Labels: event (started|start_failed|closed|reaped|dead)
	SessionEvents *prometheus.CounterVec

	// Executions counts code executions.
	// Labels: status (ok|error|interrupted|fatal)
	Executions *prometheus.CounterVec

	// ExecutionDuration measures execution latency in seconds.
	// Buckets: 0.05s .. 600s
	ExecutionDuration prometheus.Histogram

	// StateSaves counts state saves on shutdown.
	// Labels: status (ok|error)
	StateSaves *prometheus.CounterVec

	// ToolCalls counts routed tool calls.
	// Labels: tool, origin (sandbox|orchestrator), status (ok|not_found|invalid|forbidden|error)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the instruments and registers them with reg.
// A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "repl_active_sessions",
			Help: "Current number of sessions held by the store",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repl_session_events_total",
			Help: "Session lifecycle transitions by event",
		}, []string{"event"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repl_executions_total",
			Help: "Code executions by outcome",
		}, []string{"status"}),
		ExecutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "repl_execution_duration_seconds",
			Help:    "Duration of code executions in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 600},
		}),
		StateSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repl_state_saves_total",
			Help: "Session state saves by status",
		}, []string{"status"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repl_tool_calls_total",
			Help: "Routed tool calls by tool, origin and status",
		}, []string{"tool", "origin", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "repl_tool_call_duration_seconds",
			Help:    "Duration of tool calls in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 600},
		}, []string{"tool"}),
		gatherer: reg,
	}
}

// Handler serves the registered instruments in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SessionStarted records a runtime that came up.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

// SessionStartFailed records a runtime that could not start.
func (m *Metrics) SessionStartFailed() {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues("start_failed").Inc()
}

// SessionEnded records a session leaving the store. event is closed, reaped or dead.
func (m *Metrics) SessionEnded(event string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(event).Inc()
}

// RecordExecution records one execution outcome.
func (m *Metrics) RecordExecution(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(seconds)
}

// RecordStateSave records a shutdown save.
func (m *Metrics) RecordStateSave(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.StateSaves.WithLabelValues(status).Inc()
}

// RecordToolCall records one routed tool call.
func (m *Metrics) RecordToolCall(tool, origin, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, origin, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}
