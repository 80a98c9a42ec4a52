package repl

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stable error codes carried in tool router payloads.
const (
	CodeToolNotFound      = "tool_not_found"
	CodeValidationFailed  = "validation_failed"
	CodeCompositeRejected = "composite_tool_forbidden"
	CodeToolFailed        = "tool_failed"
)

var (
	// ErrHardTimeout marks a runtime that produced no message within the hard timeout.
	ErrHardTimeout = errors.New("runtime stopped responding")
	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// RuntimeStartError reports a runtime that could not be spawned or never became ready.
// The session stays absent; retrying re-creates it.
type RuntimeStartError struct {
	SessionID string
	Err       error
}

func (e *RuntimeStartError) Error() string {
	return fmt.Sprintf("session %s: start runtime: %v", e.SessionID, e.Err)
}

func (e *RuntimeStartError) Unwrap() error { return e.Err }

// RuntimeDeathError reports a runtime that exited while in use.
// Its state is lost and the session must be evicted.
type RuntimeDeathError struct {
	SessionID string
	Err       error
}

func (e *RuntimeDeathError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s: runtime died", e.SessionID)
	}
	return fmt.Sprintf("session %s: runtime died: %v", e.SessionID, e.Err)
}

func (e *RuntimeDeathError) Unwrap() error { return e.Err }

// ToolNotFoundError is returned for names missing from the registry.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("Tool with name %s not found!", e.Tool)
}

// ToolValidationError reports arguments that do not match the tool schema.
// Schema is attached so the caller can correct the call.
type ToolValidationError struct {
	Tool   string
	Schema json.RawMessage
	Err    error
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %v", e.Tool, e.Err)
}

func (e *ToolValidationError) Unwrap() error { return e.Err }

// CompositeToolError rejects a composite tool called from inside a sandbox.
type CompositeToolError struct {
	Tool string
}

func (e *CompositeToolError) Error() string {
	return fmt.Sprintf("tool %s starts its own session and cannot be called from code; call it directly as a top-level tool instead", e.Tool)
}

// ToolExecutionError is a failure reported by the tool itself.
type ToolExecutionError struct {
	Tool    string
	Message string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// BridgeTransportError is a network failure talking to the tool router.
type BridgeTransportError struct {
	Tool string
	Err  error
}

func (e *BridgeTransportError) Error() string {
	return fmt.Sprintf("tool %s: transport: %v", e.Tool, e.Err)
}

func (e *BridgeTransportError) Unwrap() error { return e.Err }

// ErrorCode returns the stable payload code for a tool router error.
func ErrorCode(err error) string {
	var (
		nf  *ToolNotFoundError
		val *ToolValidationError
		cmp *CompositeToolError
	)
	switch {
	case errors.As(err, &nf):
		return CodeToolNotFound
	case errors.As(err, &val):
		return CodeValidationFailed
	case errors.As(err, &cmp):
		return CodeCompositeRejected
	default:
		return CodeToolFailed
	}
}
