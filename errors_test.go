package repl

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestErrHTTPZeroStatus(t *testing.T) {
	e := &ErrHTTP{}
	want := "http 0: "
	if got := e.Error(); got != want {
		t.Errorf("ErrHTTP{}.Error() = %q, want %q", got, want)
	}
}

func TestRuntimeErrorsUnwrap(t *testing.T) {
	cause := errors.New("exec: python3 not found")

	start := fmt.Errorf("execute: %w", &RuntimeStartError{SessionID: "s1", Err: cause})
	var se *RuntimeStartError
	if !errors.As(start, &se) || se.SessionID != "s1" {
		t.Fatalf("errors.As RuntimeStartError failed: %v", start)
	}
	if !errors.Is(start, cause) {
		t.Error("RuntimeStartError should unwrap to its cause")
	}

	death := &RuntimeDeathError{SessionID: "s2"}
	if got := death.Error(); got != "session s2: runtime died" {
		t.Errorf("RuntimeDeathError{}.Error() = %q", got)
	}
	death.Err = cause
	if !errors.Is(death, cause) {
		t.Error("RuntimeDeathError should unwrap to its cause")
	}
}

func TestToolNotFoundMessageNamesTool(t *testing.T) {
	e := &ToolNotFoundError{Tool: "frobnicate"}
	if !strings.Contains(e.Error(), "frobnicate") {
		t.Errorf("message %q should contain the tool name", e.Error())
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ToolNotFoundError{Tool: "x"}, CodeToolNotFound},
		{fmt.Errorf("wrapped: %w", &ToolValidationError{Tool: "x", Err: errors.New("missing city")}), CodeValidationFailed},
		{&CompositeToolError{Tool: "run_session"}, CodeCompositeRejected},
		{&ToolExecutionError{Tool: "x", Message: "boom"}, CodeToolFailed},
		{errors.New("anything else"), CodeToolFailed},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
