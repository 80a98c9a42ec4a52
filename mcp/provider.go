package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/nevindra/repl"
)

// Caller is the part of Client a Provider needs.
type Caller interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error)
}

// Provider exposes the tools of one external MCP server as a repl.Tool.
// Tool names are prefixed with the server id so they cannot collide with
// primary tools.
type Provider struct {
	id     string
	caller Caller
	defs   []repl.ToolDefinition
	remote map[string]string // local name -> remote name
}

var _ repl.Tool = (*Provider)(nil)

// NewProvider lists the server's tools once and builds their descriptors.
func NewProvider(ctx context.Context, id string, caller Caller) (*Provider, error) {
	tools, err := caller.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: list tools: %w", id, err)
	}
	p := &Provider{id: id, caller: caller, remote: make(map[string]string, len(tools))}
	for _, t := range tools {
		name := safeName(id, t.Name)
		if _, dup := p.remote[name]; dup {
			continue
		}
		p.remote[name] = t.Name
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			desc = fmt.Sprintf("Tool %s of MCP server %s.", t.Name, id)
		}
		p.defs = append(p.defs, repl.ToolDefinition{
			Name:        name,
			Description: desc,
			Parameters:  t.InputSchema,
		})
	}
	return p, nil
}

func (p *Provider) Definitions() []repl.ToolDefinition { return p.defs }

func (p *Provider) Execute(ctx context.Context, name string, args json.RawMessage) (repl.ToolResult, error) {
	remote, ok := p.remote[name]
	if !ok {
		return repl.ToolResult{}, &repl.ToolNotFoundError{Tool: name}
	}
	res, err := p.caller.CallTool(ctx, remote, args)
	if err != nil {
		return repl.ToolResult{}, err
	}
	if res.IsError {
		return repl.ToolResult{Error: res.Text()}, nil
	}
	return repl.ToolResult{Content: res.Text()}, nil
}

// safeName builds "<server>_<tool>" with every character outside
// [A-Za-z0-9_] replaced, so the name is a valid Python identifier.
func safeName(server, tool string) string {
	var b strings.Builder
	for i, r := range server + "_" + tool {
		switch {
		case r == '_' || r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if i == 0 && unicode.IsDigit(r) {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
