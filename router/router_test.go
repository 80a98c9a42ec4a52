package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/internal/metrics"
)

// mockTool serves fixed definitions and records the arguments it receives.
type mockTool struct {
	defs []repl.ToolDefinition
	fn   func(name string, args json.RawMessage) (repl.ToolResult, error)

	mu    sync.Mutex
	calls []json.RawMessage
}

func (m *mockTool) Definitions() []repl.ToolDefinition { return m.defs }

func (m *mockTool) Execute(_ context.Context, name string, args json.RawMessage) (repl.ToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append(json.RawMessage(nil), args...))
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(name, args)
	}
	return repl.ToolResult{Content: string(args)}, nil
}

func (m *mockTool) lastArgs(t *testing.T) map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("tool was not called")
	}
	var out map[string]any
	if err := json.Unmarshal(m.calls[len(m.calls)-1], &out); err != nil {
		t.Fatalf("args not an object: %v", err)
	}
	return out
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query"`
	Limit int    `json:"limit,omitempty"`
}

func searchTool() *mockTool {
	return &mockTool{defs: []repl.ToolDefinition{{
		Name:        "search",
		Description: "Search the index",
		Parameters:  Params(&searchArgs{}),
	}}}
}

type memSink struct {
	mu      sync.Mutex
	stored  []json.RawMessage
	session string
	err     error
}

func (s *memSink) StoreResult(_ context.Context, sessionID, _ string, value json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.session = sessionID
	s.stored = append(s.stored, value)
	return len(s.stored) - 1, nil
}

func TestInvokeUnknownTool(t *testing.T) {
	r := New()
	r.Register(searchTool())

	_, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "frobnicate"}, repl.OriginSandbox)
	var nf *repl.ToolNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want ToolNotFoundError", err)
	}
	if nf.Tool != "frobnicate" {
		t.Errorf("Tool = %q", nf.Tool)
	}
	if !strings.Contains(err.Error(), "frobnicate not found") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestInvokeValidArguments(t *testing.T) {
	tool := searchTool()
	r := New()
	r.Register(tool)

	out, err := r.Invoke(context.Background(), repl.BridgeCall{
		Tool:   "search",
		Kwargs: json.RawMessage(`{"query":"go","limit":3}`),
	}, repl.OriginSandbox)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if got["query"] != "go" {
		t.Errorf("result = %s", out)
	}
}

func TestInvokeValidation(t *testing.T) {
	tests := []struct {
		name   string
		kwargs string
		want   string
	}{
		{"missing required", `{}`, "query"},
		{"wrong type", `{"query": 7}`, "/query"},
		{"unknown field", `{"query":"go","color":"red"}`, "color"},
		{"not an object", `[1,2]`, "JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := searchTool()
			r := New()
			r.Register(tool)

			_, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "search", Kwargs: json.RawMessage(tt.kwargs)}, repl.OriginSandbox)
			var ve *repl.ToolValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ToolValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("message %q does not mention %q", err.Error(), tt.want)
			}
			if len(ve.Schema) == 0 {
				t.Error("schema not attached")
			}
			if len(tool.calls) != 0 {
				t.Error("tool executed despite invalid arguments")
			}
		})
	}
}

func TestInvokeEmptyKwargsDefaultToObject(t *testing.T) {
	tool := &mockTool{defs: []repl.ToolDefinition{{Name: "ping", Parameters: json.RawMessage(`{"type":"object"}`)}}}
	r := New()
	r.Register(tool)

	if _, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "ping"}, repl.OriginSandbox); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if args := tool.lastArgs(t); len(args) != 0 {
		t.Errorf("args = %v, want empty", args)
	}
}

func TestInvokeCompositeOrigin(t *testing.T) {
	tool := &mockTool{defs: []repl.ToolDefinition{{Name: "run_session", Composite: true}}}
	r := New()
	r.Register(tool)

	_, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "run_session"}, repl.OriginSandbox)
	var ce *repl.CompositeToolError
	if !errors.As(err, &ce) {
		t.Fatalf("sandbox err = %v, want CompositeToolError", err)
	}
	if len(tool.calls) != 0 {
		t.Fatal("composite tool executed from sandbox")
	}

	if _, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "run_session"}, repl.OriginOrchestrator); err != nil {
		t.Fatalf("orchestrator Invoke: %v", err)
	}
}

func TestInvokeInjectsState(t *testing.T) {
	type listArgs struct {
		Prefix string `json:"prefix,omitempty"`
	}
	tool := &mockTool{defs: []repl.ToolDefinition{{
		Name:       "list_attachments",
		Parameters: Params(&listArgs{}),
		Inject:     map[string]string{"file_ids": "file_ids", "state": "*"},
	}}}
	r := New()
	r.Register(tool)

	state := map[string]any{"file_ids": []any{"f1", "f2"}, "user": "u1"}
	_, err := r.Invoke(context.Background(), repl.BridgeCall{
		Tool:   "list_attachments",
		Kwargs: json.RawMessage(`{"prefix":"a","file_ids":["forged"]}`),
		State:  state,
	}, repl.OriginSandbox)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	args := tool.lastArgs(t)
	ids, _ := args["file_ids"].([]any)
	if len(ids) != 2 || ids[0] != "f1" {
		t.Errorf("file_ids = %v, want injected state value", args["file_ids"])
	}
	whole, _ := args["state"].(map[string]any)
	if whole["user"] != "u1" {
		t.Errorf("state = %v, want whole state", args["state"])
	}
	if args["prefix"] != "a" {
		t.Errorf("prefix = %v", args["prefix"])
	}
}

func TestInvokeToolFailure(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string, json.RawMessage) (repl.ToolResult, error)
		want string
	}{
		{"returned error", func(string, json.RawMessage) (repl.ToolResult, error) {
			return repl.ToolResult{}, errors.New("upstream down")
		}, "upstream down"},
		{"result error", func(string, json.RawMessage) (repl.ToolResult, error) {
			return repl.ToolResult{Error: "quota exceeded"}, nil
		}, "quota exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.Register(&mockTool{defs: []repl.ToolDefinition{{Name: "flaky"}}, fn: tt.fn})
			_, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "flaky"}, repl.OriginSandbox)
			var te *repl.ToolExecutionError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want ToolExecutionError", err)
			}
			if te.Message != tt.want {
				t.Errorf("Message = %q, want %q", te.Message, tt.want)
			}
		})
	}
}

func TestInvokePlainTextResult(t *testing.T) {
	r := New()
	r.Register(&mockTool{defs: []repl.ToolDefinition{{Name: "greet"}}, fn: func(string, json.RawMessage) (repl.ToolResult, error) {
		return repl.ToolResult{Content: "hello there"}, nil
	}})
	out, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "greet"}, repl.OriginSandbox)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `"hello there"` {
		t.Errorf("out = %s", out)
	}
}

func TestLookupNormalizesNames(t *testing.T) {
	r := New()
	r.Register(searchTool())

	for _, name := range []string{"search", " search ", "ｓｅａｒｃｈ", "Search"} {
		if _, def, ok := r.Lookup(name); !ok || def.Name != "search" {
			t.Errorf("Lookup(%q) = %q, %v", name, def.Name, ok)
		}
	}
	if _, _, ok := r.Lookup("searc"); ok {
		t.Error("prefix resolved")
	}
}

func TestRegisterFirstWins(t *testing.T) {
	first := &mockTool{defs: []repl.ToolDefinition{{Name: "dup", Description: "first"}}}
	second := &mockTool{defs: []repl.ToolDefinition{{Name: "dup", Description: "second"}}}
	r := New()
	r.Register(first, second)

	_, def, _ := r.Lookup("dup")
	if def.Description != "first" {
		t.Errorf("Description = %q", def.Description)
	}
	if n := len(r.Definitions(true)); n != 1 {
		t.Errorf("definitions = %d, want 1", n)
	}
}

func TestDefinitionsHideHelpers(t *testing.T) {
	r := New()
	r.Register(&mockTool{defs: []repl.ToolDefinition{
		{Name: "search"},
		{Name: "pdf_text", Helper: true},
	}})
	if got := r.Definitions(false); len(got) != 1 || got[0].Name != "search" {
		t.Errorf("Definitions(false) = %v", got)
	}
	if got := r.Definitions(true); len(got) != 2 {
		t.Errorf("Definitions(true) = %v", got)
	}
	if got := r.Names(); strings.Join(got, ",") != "pdf_text,search" {
		t.Errorf("Names = %v", got)
	}
}

func TestOrchestratorResultStoredInSession(t *testing.T) {
	sink := &memSink{}
	r := New(WithResultSink(sink))
	r.Register(&mockTool{defs: []repl.ToolDefinition{{Name: "lookup"}}, fn: func(string, json.RawMessage) (repl.ToolResult, error) {
		return repl.ToolResult{Content: `{"rows":[1,2]}`}, nil
	}})

	state := map[string]any{"kernel_id": "s1"}
	out, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "lookup", State: state}, repl.OriginOrchestrator)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var env struct {
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if string(env.Data) != `{"rows":[1,2]}` {
		t.Errorf("data = %s", env.Data)
	}
	if !strings.Contains(env.Message, "function_results[0]['data']") {
		t.Errorf("message = %q", env.Message)
	}
	if sink.session != "s1" || len(sink.stored) != 1 {
		t.Errorf("sink = %q %d", sink.session, len(sink.stored))
	}

	// Sandbox calls are never shaped.
	out, err = r.Invoke(context.Background(), repl.BridgeCall{Tool: "lookup", State: state}, repl.OriginSandbox)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"rows":[1,2]}` {
		t.Errorf("sandbox out = %s", out)
	}
	if len(sink.stored) != 1 {
		t.Errorf("sandbox result stored")
	}
}

func TestOrchestratorLargeResultReplacedBySchema(t *testing.T) {
	rows := make([]map[string]any, 50)
	for i := range rows {
		rows[i] = map[string]any{"id": i, "name": strings.Repeat("x", 20)}
	}
	big, _ := json.Marshal(map[string]any{"rows": rows})

	sink := &memSink{}
	r := New(WithResultSink(sink), WithResultLimit(200))
	r.Register(&mockTool{defs: []repl.ToolDefinition{{Name: "dump"}}, fn: func(string, json.RawMessage) (repl.ToolResult, error) {
		return repl.ToolResult{Content: string(big)}, nil
	}})

	out, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "dump", State: map[string]any{"kernel_id": "s1"}}, repl.OriginOrchestrator)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if _, ok := env["data"]; ok {
		t.Error("large data returned inline")
	}
	if !strings.Contains(string(env["schema"]), `"rows"`) {
		t.Errorf("schema = %s", env["schema"])
	}
	if len(sink.stored) != 1 || len(sink.stored[0]) != len(big) {
		t.Error("full result not stored in session")
	}
}

func TestOrchestratorWithoutSessionReturnsVerbatim(t *testing.T) {
	sink := &memSink{}
	r := New(WithResultSink(sink))
	r.Register(&mockTool{defs: []repl.ToolDefinition{{Name: "lookup"}}, fn: func(string, json.RawMessage) (repl.ToolResult, error) {
		return repl.ToolResult{Content: `[1]`}, nil
	}})
	out, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "lookup"}, repl.OriginOrchestrator)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `[1]` || len(sink.stored) != 0 {
		t.Errorf("out = %s stored = %d", out, len(sink.stored))
	}
}

func TestOrchestratorSinkFailureReturnsData(t *testing.T) {
	r := New(WithResultSink(&memSink{err: errors.New("session gone")}))
	r.Register(&mockTool{defs: []repl.ToolDefinition{{Name: "lookup"}}, fn: func(string, json.RawMessage) (repl.ToolResult, error) {
		return repl.ToolResult{Content: `{"a":1}`}, nil
	}})
	out, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "lookup", State: map[string]any{"kernel_id": "s1"}}, repl.OriginOrchestrator)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Errorf("out = %s", out)
	}
}

func TestInvokeRecordsMetrics(t *testing.T) {
	m := metrics.New(nil)
	r := New(WithMetrics(m))
	r.Register(searchTool())

	r.Invoke(context.Background(), repl.BridgeCall{Tool: "search", Kwargs: json.RawMessage(`{"query":"q"}`)}, repl.OriginSandbox)
	r.Invoke(context.Background(), repl.BridgeCall{Tool: "search"}, repl.OriginSandbox)
	r.Invoke(context.Background(), repl.BridgeCall{Tool: "nope"}, repl.OriginOrchestrator)

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("search", "sandbox", "ok")); got != 1 {
		t.Errorf("ok = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("search", "sandbox", "invalid")); got != 1 {
		t.Errorf("invalid = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("nope", "orchestrator", "not_found")); got != 1 {
		t.Errorf("not_found = %v", got)
	}
}

func TestUseWrapsCallsInOrder(t *testing.T) {
	r := New()
	r.Register(searchTool())

	var trace []string
	mark := func(name string) Middleware {
		return func(next CallFunc) CallFunc {
			return func(ctx context.Context, call repl.BridgeCall, origin repl.Origin) (json.RawMessage, error) {
				trace = append(trace, name+">"+call.Tool)
				out, err := next(ctx, call, origin)
				trace = append(trace, name+"<"+repl.ErrorCode(err))
				return out, err
			}
		}
	}
	r.Use(mark("outer"), mark("inner"))

	_, err := r.Invoke(context.Background(), repl.BridgeCall{Tool: "missing"}, repl.OriginSandbox)
	var nf *repl.ToolNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v", err)
	}
	want := "outer>missing inner>missing inner<tool_not_found outer<tool_not_found"
	if got := strings.Join(trace, " "); got != want {
		t.Errorf("trace = %q, want %q", got, want)
	}
}
