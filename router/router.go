// Package router resolves, validates and executes tool calls coming from
// sandboxed sessions and from the top-level orchestrator.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/bridge"
	"github.com/nevindra/repl/internal/metrics"
)

// DefaultResultLimit is the size in bytes above which top-level results are
// replaced by their schema.
const DefaultResultLimit = 40000

// DefaultSessionKey is the state field naming the caller's session.
const DefaultSessionKey = "kernel_id"

// ResultSink stores top-level tool results inside the caller's session so
// code can inspect them.
type ResultSink interface {
	StoreResult(ctx context.Context, sessionID, tool string, value json.RawMessage) (int, error)
}

// Router dispatches tool calls by name. Tools are registered at startup;
// the first registration of a name wins.
type Router struct {
	registry   *repl.ToolRegistry
	validator  validator
	sink       ResultSink
	limit      int
	sessionKey string
	metrics    *metrics.Metrics
	logger     *slog.Logger

	middleware []Middleware

	mu         sync.RWMutex
	normalized map[string]string // normalized name -> registered name
}

// CallFunc runs one tool call.
type CallFunc func(ctx context.Context, call repl.BridgeCall, origin repl.Origin) (json.RawMessage, error)

// Middleware wraps every tool call, including calls rejected before the
// tool runs.
type Middleware func(next CallFunc) CallFunc

// Option configures a Router.
type Option func(*Router)

// WithResultSink stores top-level results in the caller's session.
func WithResultSink(s ResultSink) Option {
	return func(r *Router) { r.sink = s }
}

// WithResultLimit sets the size above which top-level results are replaced
// by their schema. Default: 40000.
func WithResultLimit(n int) Option {
	return func(r *Router) { r.limit = n }
}

// WithSessionKey sets the state field holding the caller's session id.
// Default: "kernel_id".
func WithSessionKey(key string) Option {
	return func(r *Router) { r.sessionKey = key }
}

// WithMetrics reports tool call metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets a structured logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		registry:   repl.NewToolRegistry(),
		limit:      DefaultResultLimit,
		sessionKey: DefaultSessionKey,
		logger:     nopLogger,
		normalized: make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds tools. Names already registered are skipped and logged.
func (r *Router) Register(tools ...repl.Tool) {
	for _, t := range tools {
		for _, name := range r.registry.Add(t) {
			r.logger.Warn("router: duplicate tool name skipped", "tool", name)
		}
		r.mu.Lock()
		for _, d := range t.Definitions() {
			key := normalize(d.Name)
			if _, ok := r.normalized[key]; !ok {
				r.normalized[key] = d.Name
			}
		}
		r.mu.Unlock()
	}
}

// Definitions returns the registered descriptors in registration order.
// Helper tools are included only when includeHelpers is set.
func (r *Router) Definitions(includeHelpers bool) []repl.ToolDefinition {
	all := r.registry.AllDefinitions()
	out := make([]repl.ToolDefinition, 0, len(all))
	for _, d := range all {
		if d.Helper && !includeHelpers {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Names returns every tool name a session may bind, helpers included.
func (r *Router) Names() []string {
	defs := r.registry.AllDefinitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}

// Lookup resolves name, tolerating Unicode compatibility forms and
// surrounding whitespace.
func (r *Router) Lookup(name string) (repl.Tool, repl.ToolDefinition, bool) {
	if t, d, ok := r.registry.Lookup(name); ok {
		return t, d, true
	}
	r.mu.RLock()
	canonical, ok := r.normalized[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, repl.ToolDefinition{}, false
	}
	return r.registry.Lookup(canonical)
}

// Use installs middleware around tool calls. The first one added runs
// outermost. It must be called before the router serves calls.
func (r *Router) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// Invoke resolves, validates and executes one call. Composite tools are
// rejected for OriginSandbox. Results of top-level calls are stored in the
// caller's session when a ResultSink is configured.
func (r *Router) Invoke(ctx context.Context, call repl.BridgeCall, origin repl.Origin) (json.RawMessage, error) {
	next := r.dispatch
	for i := len(r.middleware) - 1; i >= 0; i-- {
		next = r.middleware[i](next)
	}
	return next(ctx, call, origin)
}

func (r *Router) dispatch(ctx context.Context, call repl.BridgeCall, origin repl.Origin) (json.RawMessage, error) {
	start := time.Now()
	out, def, err := r.invoke(ctx, call, origin)
	name := def.Name
	if name == "" {
		name = call.Tool
	}
	r.metrics.RecordToolCall(name, origin.String(), callStatus(err), time.Since(start).Seconds())
	if err != nil {
		r.logger.Warn("router: tool call failed", "tool", name, "origin", origin, "error", err)
		return nil, err
	}
	r.logger.Info("router: tool call", "tool", name, "origin", origin, "bytes", len(out), "duration", time.Since(start))
	return out, nil
}

func (r *Router) invoke(ctx context.Context, call repl.BridgeCall, origin repl.Origin) (json.RawMessage, repl.ToolDefinition, error) {
	tool, def, ok := r.Lookup(call.Tool)
	if !ok {
		return nil, repl.ToolDefinition{}, &repl.ToolNotFoundError{Tool: call.Tool}
	}
	if def.Composite && origin == repl.OriginSandbox {
		return nil, def, &repl.CompositeToolError{Tool: def.Name}
	}

	args, err := r.prepare(def, call)
	if err != nil {
		return nil, def, err
	}

	res, err := tool.Execute(ctx, def.Name, args)
	if err != nil {
		return nil, def, &repl.ToolExecutionError{Tool: def.Name, Message: err.Error()}
	}
	if res.Error != "" {
		return nil, def, &repl.ToolExecutionError{Tool: def.Name, Message: res.Error}
	}

	data := bridge.ContentData(res.Content)
	if origin == repl.OriginOrchestrator {
		data = r.shape(ctx, def, call.State, data)
	}
	return data, def, nil
}

// prepare validates the explicit arguments and splices in injected slots.
// Values the caller passed for injected slots are discarded.
func (r *Router) prepare(def repl.ToolDefinition, call repl.BridgeCall) (json.RawMessage, error) {
	raw := call.Kwargs
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &repl.ToolValidationError{Tool: def.Name, Schema: def.Parameters, Err: errors.New("keyword arguments must be a JSON object")}
	}
	if args == nil {
		args = make(map[string]any)
	}

	if len(def.Inject) > 0 {
		for slot := range def.Inject {
			delete(args, slot)
		}
		var err error
		if raw, err = json.Marshal(args); err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
	}

	if err := r.validator.validate(def.Parameters, raw); err != nil {
		return nil, &repl.ToolValidationError{Tool: def.Name, Schema: def.Parameters, Err: errors.New(describe(err))}
	}

	if len(def.Inject) == 0 {
		return raw, nil
	}
	for slot, field := range def.Inject {
		if field == "*" {
			args[slot] = call.State
			continue
		}
		if v, ok := call.State[field]; ok {
			args[slot] = v
		}
	}
	out, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return out, nil
}

// envelope is the shaped result of a top-level call.
type envelope struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
	Schema  any             `json:"schema,omitempty"`
}

// shape stores a top-level result in the caller's session and replaces
// results above the limit with their inferred schema. Without a sink or a
// session id the data is returned unchanged.
func (r *Router) shape(ctx context.Context, def repl.ToolDefinition, state map[string]any, data json.RawMessage) json.RawMessage {
	sessionID, _ := state[r.sessionKey].(string)
	if r.sink == nil || sessionID == "" || isEmpty(data) {
		return data
	}
	idx, err := r.sink.StoreResult(ctx, sessionID, def.Name, data)
	if err != nil {
		r.logger.Warn("router: store result in session failed", "tool", def.Name, "session_id", sessionID, "error", err)
		return data
	}

	env := envelope{
		Data:    data,
		Message: fmt.Sprintf("The result is stored in the variable `function_results[%d]['data']`.", idx),
	}
	if r.limit > 0 && len(data) > r.limit && !def.Composite {
		schema, err := InferSchema(data)
		if err == nil {
			env.Data = nil
			env.Schema = schema
			env.Message += " It is too large to show here; inspect it with code. Data schema:"
		}
	}
	out, err := json.Marshal(env)
	if err != nil {
		return data
	}
	return out
}

func isEmpty(data json.RawMessage) bool {
	switch strings.TrimSpace(string(data)) {
	case "", "null", `""`, "{}", "[]":
		return true
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(name)))
}

func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	switch repl.ErrorCode(err) {
	case repl.CodeToolNotFound:
		return "not_found"
	case repl.CodeValidationFailed:
		return "invalid"
	case repl.CodeCompositeRejected:
		return "forbidden"
	default:
		return "error"
	}
}

var nopLogger = slog.New(slog.DiscardHandler)
