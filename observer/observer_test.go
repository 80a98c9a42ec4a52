package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/router"
)

type mockTool struct {
	defs   []repl.ToolDefinition
	result repl.ToolResult
	err    error
}

func (m *mockTool) Definitions() []repl.ToolDefinition { return m.defs }
func (m *mockTool) Execute(_ context.Context, _ string, _ json.RawMessage) (repl.ToolResult, error) {
	return m.result, m.err
}

type mockExecutor struct {
	result repl.ExecutionResult
	err    error
}

func (m *mockExecutor) Execute(_ context.Context, _ string, _ repl.ExecutionRequest) (repl.ExecutionResult, error) {
	return m.result, m.err
}

// recorded wires instruments to an in-memory span recorder and a manual
// metric reader.
type recorded struct {
	inst   *Instruments
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func newRecorded(t *testing.T) *recorded {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		mp.Shutdown(context.Background())
	})

	inst, err := newInstruments(tp.Tracer(scopeName), mp.Meter(scopeName), noop.NewLoggerProvider().Logger(scopeName))
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return &recorded{inst: inst, spans: spans, reader: reader}
}

func (r *recorded) counter(t *testing.T, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				for _, key := range []attribute.Key{"status", AttrCodeStatus} {
					if v, ok := dp.Attributes.Value(key); ok {
						out[v.AsString()] += dp.Value
					}
				}
			}
		}
	}
	return out
}

func spanAttr(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func observedRouter(t *testing.T, inst *Instruments) *router.Router {
	t.Helper()
	rt := router.New()
	rt.Register(
		&mockTool{
			defs:   []repl.ToolDefinition{{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)}},
			result: repl.ToolResult{Content: "hello"},
		},
		&mockTool{
			defs:   []repl.ToolDefinition{{Name: "run_session", Composite: true}},
			result: repl.ToolResult{Content: "ran"},
		},
		&mockTool{
			defs:   []repl.ToolDefinition{{Name: "pdf_text", Helper: true}},
			result: repl.ToolResult{Error: "not a pdf"},
		},
	)
	rt.Use(ObserveCalls(inst, rt))
	return rt
}

func TestGlobalInstruments(t *testing.T) {
	inst, err := Global()
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	// No-op providers must still accept calls.
	rt := observedRouter(t, inst)
	if _, err := rt.Invoke(context.Background(), repl.BridgeCall{Tool: "search"}, repl.OriginSandbox); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestObserveCalls(t *testing.T) {
	tests := []struct {
		name      string
		tool      string
		origin    repl.Origin
		status    string
		composite bool
		helper    bool
	}{
		{"ok", "search", repl.OriginSandbox, "ok", false, false},
		{"composite from orchestrator", "run_session", repl.OriginOrchestrator, "ok", true, false},
		{"composite from sandbox", "run_session", repl.OriginSandbox, repl.CodeCompositeRejected, true, false},
		{"helper failure", "pdf_text", repl.OriginSandbox, repl.CodeToolFailed, false, true},
		{"unknown tool", "nope", repl.OriginSandbox, repl.CodeToolNotFound, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecorded(t)
			rt := observedRouter(t, r.inst)
			_, err := rt.Invoke(context.Background(), repl.BridgeCall{Tool: tt.tool, Kwargs: json.RawMessage(`{}`)}, tt.origin)
			if (err != nil) != (tt.status != "ok") {
				t.Fatalf("err = %v", err)
			}

			spans := r.spans.Ended()
			if len(spans) != 1 || spans[0].Name() != "tool.call" {
				t.Fatalf("spans = %v", spans)
			}
			attrs := spans[0].Attributes()
			if v, _ := spanAttr(attrs, AttrToolStatus); v.AsString() != tt.status {
				t.Errorf("span status = %q, want %q", v.AsString(), tt.status)
			}
			if v, _ := spanAttr(attrs, AttrToolOrigin); v.AsString() != tt.origin.String() {
				t.Errorf("origin = %q, want %q", v.AsString(), tt.origin)
			}
			if v, _ := spanAttr(attrs, AttrToolComposite); v.AsBool() != tt.composite {
				t.Errorf("composite = %v, want %v", v.AsBool(), tt.composite)
			}
			if v, _ := spanAttr(attrs, AttrToolHelper); v.AsBool() != tt.helper {
				t.Errorf("helper = %v, want %v", v.AsBool(), tt.helper)
			}
			if tt.status != "ok" && spans[0].Status().Code != codes.Error {
				t.Errorf("span status code = %v", spans[0].Status().Code)
			}
			if got := r.counter(t, "tool.executions")[tt.status]; got != 1 {
				t.Errorf("tool.executions{%s} = %d", tt.status, got)
			}
		})
	}
}

func TestObserveCallsResolvesName(t *testing.T) {
	r := newRecorded(t)
	rt := observedRouter(t, r.inst)
	if _, err := rt.Invoke(context.Background(), repl.BridgeCall{Tool: "ｓｅａｒｃｈ"}, repl.OriginSandbox); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v, _ := spanAttr(r.spans.Ended()[0].Attributes(), AttrToolName); v.AsString() != "search" {
		t.Errorf("tool name = %q, want the registered name", v.AsString())
	}
}

func TestObservedExecutor(t *testing.T) {
	tests := []struct {
		name   string
		inner  *mockExecutor
		status string
	}{
		{"ok", &mockExecutor{result: repl.ExecutionResult{Output: "42"}}, "ok"},
		{"user error", &mockExecutor{result: repl.ExecutionResult{IsError: true}}, "user_error"},
		{"interrupted", &mockExecutor{result: repl.ExecutionResult{IsError: true, Interrupted: true}}, "interrupted"},
		{"runtime death", &mockExecutor{err: &repl.RuntimeDeathError{SessionID: "s1"}}, "fatal"},
		{"hard timeout", &mockExecutor{err: fmt.Errorf("session s1: %w", repl.ErrHardTimeout)}, "timeout"},
		{"other error", &mockExecutor{err: repl.ErrSessionNotFound}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecorded(t)
			req := repl.ExecutionRequest{Code: "print(42)", Tools: &repl.ToolBinding{Tools: []string{"search"}}}
			_, err := WrapExecutor(tt.inner, r.inst).Execute(context.Background(), "s1", req)
			if err != tt.inner.err {
				t.Fatalf("err = %v, want %v", err, tt.inner.err)
			}

			spans := r.spans.Ended()
			if len(spans) != 1 || spans[0].Name() != "code.execute" {
				t.Fatalf("spans = %v", spans)
			}
			attrs := spans[0].Attributes()
			if v, _ := spanAttr(attrs, AttrSessionID); v.AsString() != "s1" {
				t.Errorf("session id = %q", v.AsString())
			}
			if v, _ := spanAttr(attrs, AttrToolsBound); len(v.AsStringSlice()) != 1 {
				t.Errorf("tools bound = %v", v.AsStringSlice())
			}
			if v, _ := spanAttr(attrs, AttrCodeStatus); v.AsString() != tt.status {
				t.Errorf("status = %q, want %q", v.AsString(), tt.status)
			}
			if got := r.counter(t, "code.executions")[tt.status]; got != 1 {
				t.Errorf("code.executions{%s} = %d", tt.status, got)
			}
		})
	}
}
