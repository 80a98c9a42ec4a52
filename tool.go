package repl

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool defines a host capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
// Content is usually JSON text; plain text is passed through unchanged.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
// Names are unique: the first registration of a name wins.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools []Tool
	index map[string]registered
}

type registered struct {
	tool Tool
	def  ToolDefinition
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{index: make(map[string]registered)}
}

// Add registers a tool. It returns the names that were skipped because an
// earlier tool already registered them.
func (r *ToolRegistry) Add(t Tool) (skipped []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		if _, ok := r.index[d.Name]; ok {
			skipped = append(skipped, d.Name)
			continue
		}
		r.index[d.Name] = registered{tool: t, def: d}
	}
	return skipped
}

// AllDefinitions returns tool definitions from all registered tools in registration order.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []ToolDefinition
	seen := make(map[string]bool)
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			defs = append(defs, d)
		}
	}
	return defs
}

// Lookup returns the tool that serves name and its definition.
func (r *ToolRegistry) Lookup(name string) (Tool, ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.index[name]
	return reg.tool, reg.def, ok
}

// Execute dispatches a tool call by name without validation.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t, _, ok := r.Lookup(name)
	if !ok {
		return ToolResult{}, &ToolNotFoundError{Tool: name}
	}
	return t.Execute(ctx, name, args)
}
