package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/artifact"
	"github.com/nevindra/repl/bridge"
	"github.com/nevindra/repl/session"
)

const maxRequestBodyBytes = 32 << 20 // 32MB

// sessionService is the part of the session store the API drives.
type sessionService interface {
	Create(ctx context.Context) (string, error)
	Shutdown(ctx context.Context, id string) error
	List() []session.Info
}

// api serves the session HTTP interface.
type api struct {
	sessions  sessionService
	exec      repl.Executor
	artifacts artifact.Store
	metrics   http.Handler
	routerURL string
	helpers   func() []string
	logger    *slog.Logger
}

// codeRequest is the parsed body of POST /code.
type codeRequest struct {
	KernelID      string         `json:"kernel_id"`
	Script        string         `json:"script"`
	SoftInterrupt *float64       `json:"soft_interrupt,omitempty"` // seconds, <= 0 disables
	HardTimeout   *float64       `json:"hard_timeout,omitempty"`   // seconds
	Tools         []string       `json:"tools,omitempty"`
	State         map[string]any `json:"state,omitempty"`
}

// codeResponse is the JSON body returned by POST /code.
type codeResponse struct {
	Result      string       `json:"result"`
	IsException bool         `json:"is_exception"`
	Exception   string       `json:"exception"`
	Attachments []attachment `json:"attachments"`
}

// attachment is one display artifact of an execution.
type attachment struct {
	Type    string `json:"type"`
	FileID  string `json:"file_id,omitempty"`
	Data    any    `json:"data,omitempty"`
	ImgData string `json:"img_data,omitempty"` // base64 PNG rendering
}

type kernelRequest struct {
	KernelID string `json:"kernel_id"`
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /code", a.handleCode)
	mux.HandleFunc("POST /shutdown", a.handleShutdown)
	mux.HandleFunc("GET /sessions", a.handleSessions)
	mux.HandleFunc("GET /healthz", handleHealth)
	if a.artifacts != nil {
		mux.HandleFunc("GET /artifacts/{id}", a.handleArtifact)
	}
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	return mux
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := a.sessions.Create(r.Context())
	if err != nil {
		a.writeRuntimeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (a *api) handleCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.KernelID == "" {
		writeError(w, http.StatusBadRequest, "kernel_id is required")
		return
	}

	exec := repl.ExecutionRequest{Code: req.Script}
	if req.SoftInterrupt != nil {
		exec.SoftInterrupt = seconds(*req.SoftInterrupt)
		if exec.SoftInterrupt <= 0 {
			exec.SoftInterrupt = -1
		}
	}
	if req.HardTimeout != nil && *req.HardTimeout > 0 {
		exec.HardTimeout = seconds(*req.HardTimeout)
	}
	if req.Tools != nil || req.State != nil {
		names := append([]string{}, req.Tools...)
		if a.helpers != nil {
			names = append(names, a.helpers()...)
		}
		b := bridge.NewBinding(a.routerURL, names, req.State)
		exec.Tools = &b
	}

	res, err := a.exec.Execute(r.Context(), req.KernelID, exec)
	if err != nil {
		a.writeRuntimeError(w, req.KernelID, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (a *api) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req kernelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := a.sessions.Shutdown(r.Context(), req.KernelID)
	if errors.Is(err, repl.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"completed": false, "error": "session not found", "kernel_id": req.KernelID})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
}

func (a *api) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *api) handleArtifact(w http.ResponseWriter, r *http.Request) {
	rc, mimeType, err := a.artifacts.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("artifact: write response failed", "error", err)
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeRuntimeError maps session failures to typed 500 payloads.
func (a *api) writeRuntimeError(w http.ResponseWriter, id string, err error) {
	code := "internal"
	var (
		start *repl.RuntimeStartError
		death *repl.RuntimeDeathError
	)
	switch {
	case errors.As(err, &start):
		code = "runtime_start_failed"
	case errors.As(err, &death):
		code = "runtime_died"
	case errors.Is(err, repl.ErrHardTimeout):
		code = "hard_timeout"
	}
	a.logger.Error("session request failed", "session_id", id, "code", code, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "code": code, "kernel_id": id})
}

func toResponse(res repl.ExecutionResult) codeResponse {
	out := codeResponse{
		Result:      res.Output,
		IsException: res.IsError,
		Exception:   res.Error,
		Attachments: []attachment{},
	}
	for _, art := range res.Artifacts {
		att := attachment{Type: art.Type, FileID: art.ID}
		switch {
		case strings.HasSuffix(art.Type, "json") && json.Valid(art.Data):
			att.Data = json.RawMessage(art.Data)
		case len(art.Data) > 0:
			att.Data = base64.StdEncoding.EncodeToString(art.Data)
		}
		if len(art.Image) > 0 {
			att.ImgData = base64.StdEncoding.EncodeToString(art.Image)
		}
		out.Attachments = append(out.Attachments, att)
	}
	return out
}

func seconds(s float64) time.Duration {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
