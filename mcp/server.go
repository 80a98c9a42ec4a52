package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nevindra/repl"
)

// Invoker is the router surface the server exposes.
type Invoker interface {
	Definitions(includeHelpers bool) []repl.ToolDefinition
	Invoke(ctx context.Context, call repl.BridgeCall, origin repl.Origin) (json.RawMessage, error)
}

// ToolHandler is an extra tool served next to the router's tools.
type ToolHandler struct {
	Definition ToolDefinition
	Execute    func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Resource is a readable document exposed via resources/list and
// resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Read        func(ctx context.Context) (string, error)
}

// Server is an MCP server on stdio. Configure it before calling Serve.
type Server struct {
	name    string
	version string

	invoker   Invoker
	state     map[string]any
	tools     []ToolHandler
	resources []Resource
	logger    *slog.Logger

	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // serializes writes
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIO replaces stdin and stdout.
func WithIO(r io.Reader, w io.Writer) ServerOption {
	return func(s *Server) {
		s.reader = r
		s.writer = w
	}
}

// WithRouter exposes every non-helper tool of inv.
func WithRouter(inv Invoker) ServerOption {
	return func(s *Server) { s.invoker = inv }
}

// WithState sets the default call state, for example the session id the
// orchestrator works in. _meta.state on a call overrides single keys.
func WithState(state map[string]any) ServerOption {
	return func(s *Server) { s.state = state }
}

// WithServerLogger sets a structured logger for the server.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// New creates an MCP server with the given name and version.
func New(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		name:    name,
		version: version,
		reader:  os.Stdin,
		writer:  os.Stdout,
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddTool registers an extra tool. Router tools win on name clashes.
func (s *Server) AddTool(h ToolHandler) {
	s.tools = append(s.tools, h)
}

// AddResource registers a resource.
func (s *Server) AddResource(r Resource) {
	s.resources = append(s.resources, r)
}

// Serve reads JSON-RPC messages until the input is closed or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read input: %w", err)
	}
	return nil
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.writeResponse(s.respondError(json.RawMessage("null"), errCodeParse, "parse error"))
			return
		}
		for _, raw := range batch {
			s.handleSingle(ctx, raw)
		}
		return
	}
	s.handleSingle(ctx, data)
}

func (s *Server) handleSingle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(s.respondError(json.RawMessage("null"), errCodeParse, "parse error"))
		return
	}
	if resp := s.dispatch(ctx, &req); resp != nil {
		s.writeResponse(resp)
	}
}

// dispatch routes a request. It returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.respond(req.ID, toolsListResult{Tools: s.definitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *request) *response {
	caps := serverCapabilities{}
	if s.invoker != nil || len(s.tools) > 0 {
		caps.Tools = &capability{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &capability{}
	}
	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      peerInfo{Name: s.name, Version: s.version},
	})
}

// definitions lists router tools first, then extra tools not shadowed by them.
func (s *Server) definitions() []ToolDefinition {
	defs := []ToolDefinition{}
	seen := make(map[string]bool)
	if s.invoker != nil {
		for _, d := range s.invoker.Definitions(false) {
			defs = append(defs, ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
			seen[d.Name] = true
		}
	}
	for _, t := range s.tools {
		if !seen[t.Definition.Name] {
			defs = append(defs, t.Definition)
			seen[t.Definition.Name] = true
		}
	}
	for i := range defs {
		if len(defs[i].InputSchema) == 0 {
			defs[i].InputSchema = json.RawMessage(`{"type":"object"}`)
		}
	}
	return defs
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	if s.invoker != nil {
		out, err := s.invoker.Invoke(ctx, repl.BridgeCall{
			Tool:   params.Name,
			Kwargs: params.Arguments,
			State:  s.callState(params.Meta),
		}, repl.OriginOrchestrator)
		var nf *repl.ToolNotFoundError
		switch {
		case err == nil:
			return s.respond(req.ID, TextResult(string(out)))
		case !errors.As(err, &nf):
			s.logger.Warn("mcp: tool call failed", "tool", params.Name, "error", err)
			return s.respond(req.ID, ErrorResult(errorText(err)))
		}
	}

	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			return s.respond(req.ID, t.Execute(ctx, params.Arguments))
		}
	}
	return s.respond(req.ID, ErrorResult((&repl.ToolNotFoundError{Tool: params.Name}).Error()))
}

func (s *Server) callState(meta *callMeta) map[string]any {
	if meta == nil || len(meta.State) == 0 {
		return s.state
	}
	state := make(map[string]any, len(s.state)+len(meta.State))
	for k, v := range s.state {
		state[k] = v
	}
	for k, v := range meta.State {
		state[k] = v
	}
	return state
}

// errorText renders a router error, appending the schema for invalid
// arguments so the caller can retry.
func errorText(err error) string {
	var ve *repl.ToolValidationError
	if errors.As(err, &ve) && len(ve.Schema) > 0 {
		return fmt.Sprintf("%s\nExpected schema: %s", err, ve.Schema)
	}
	return err.Error()
}

func (s *Server) handleResourcesList(req *request) *response {
	defs := make([]resourceDef, len(s.resources))
	for i, r := range s.resources {
		defs[i] = resourceDef{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType}
	}
	return s.respond(req.ID, resourcesListResult{Resources: defs})
}

func (s *Server) handleResourcesRead(ctx context.Context, req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	for _, r := range s.resources {
		if r.URI != params.URI {
			continue
		}
		text, err := r.Read(ctx)
		if err != nil {
			return s.respondError(req.ID, errCodeInvalidParams, "read "+r.URI+": "+err.Error())
		}
		return s.respond(req.ID, resourceReadResult{
			Contents: []resourceContent{{URI: r.URI, MimeType: r.MimeType, Text: text}},
		})
	}
	return s.respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
}

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		s.logger.Error("mcp: write response", "error", err)
	}
}

var nopLogger = slog.New(slog.DiscardHandler)
