package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/bridge"
)

const maxRequestBody = 32 << 20

// Handler serves the stub protocol:
//
//	POST /{tool}   invoke a tool from inside a session
//	GET  /tools    list tool descriptors, helpers excluded
//	GET  /healthz  liveness
//
// Calls arriving here are always treated as OriginSandbox.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", r.handleTools)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /{tool}", r.handleCall)
	return mux
}

func (r *Router) handleTools(w http.ResponseWriter, _ *http.Request) {
	defs := r.Definitions(false)
	if defs == nil {
		defs = []repl.ToolDefinition{}
	}
	writeJSONResponse(w, http.StatusOK, defs)
}

func (r *Router) handleCall(w http.ResponseWriter, req *http.Request) {
	tool := req.PathValue("tool")

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
	if err != nil {
		writeError(w, tool, fmt.Errorf("read request: %w", err))
		return
	}
	var in bridge.Request
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, tool, &repl.ToolValidationError{Tool: tool, Err: fmt.Errorf("invalid request body: %w", err)})
			return
		}
	}

	data, err := r.Invoke(req.Context(), repl.BridgeCall{Tool: tool, Kwargs: in.Kwargs, State: in.State}, repl.OriginSandbox)
	if err != nil {
		writeError(w, tool, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, bridge.Response{Data: data})
}

// writeError maps a router error to its payload. Unknown tools answer 404,
// every other failure 500.
func writeError(w http.ResponseWriter, tool string, err error) {
	p := bridge.ErrorPayload{Error: err.Error(), Code: repl.ErrorCode(err), Tool: tool}
	status := http.StatusInternalServerError

	var (
		nf  *repl.ToolNotFoundError
		val *repl.ToolValidationError
	)
	switch {
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &val):
		p.Schema = val.Schema
		if len(val.Schema) > 0 {
			p.Error = fmt.Sprintf("%s\nExpected schema: %s", p.Error, val.Schema)
		}
	}
	writeJSONResponse(w, status, p)
}

func writeJSONResponse(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// Server runs the stub protocol handler on its own listener.
type Server struct {
	router *Router

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// NewServer creates a server for r. Call Start to listen.
func NewServer(r *Router) *Server {
	return &Server{router: r}
}

// Start listens on addr and serves in a background goroutine. It returns
// once the listener is established.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("router: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: s.router.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.mu.Unlock()

	go srv.Serve(ln)
	return nil
}

// Addr returns the resolved listen address. Valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// URL returns the base URL stubs should call.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Close stops the server, waiting up to five seconds for in-flight calls.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
