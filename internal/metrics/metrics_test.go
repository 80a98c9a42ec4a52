package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionStartFailed()
	m.SessionEnded("closed")
	m.RecordExecution("ok", 1)
	m.RecordStateSave(false)
	m.RecordToolCall("weather", "sandbox", "ok", 0.1)
}

func TestSessionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("reaped")

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionEvents.WithLabelValues("reaped")); got != 1 {
		t.Errorf("reaped events = %v, want 1", got)
	}
}

func TestStateSaves(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordStateSave(true)
	m.RecordStateSave(false)
	m.RecordStateSave(false)

	expected := `
		# HELP repl_state_saves_total Session state saves by status
		# TYPE repl_state_saves_total counter
		repl_state_saves_total{status="error"} 2
		repl_state_saves_total{status="ok"} 1
	`
	if err := testutil.CollectAndCompare(m.StateSaves, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestToolCalls(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordToolCall("weather", "sandbox", "ok", 0.2)
	m.RecordToolCall("weather", "orchestrator", "ok", 0.3)
	m.RecordToolCall("run_session", "sandbox", "forbidden", 0)

	if count := testutil.CollectAndCount(m.ToolCalls); count != 3 {
		t.Errorf("label combinations = %d, want 3", count)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("run_session", "sandbox", "forbidden")); got != 1 {
		t.Errorf("forbidden calls = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.RecordExecution("interrupted", 5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `repl_executions_total{status="interrupted"} 1`) {
		t.Errorf("metrics output missing execution counter:\n%s", body)
	}
}
