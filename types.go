package repl

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// --- Executions ---

// ExecutionRequest is one code submission to a session.
type ExecutionRequest struct {
	Code string `json:"code"`
	// SoftInterrupt is the delay after which the runtime is interrupted in place.
	// Zero uses the runtime default, a negative value disables the interrupt.
	SoftInterrupt time.Duration `json:"soft_interrupt,omitempty"`
	// HardTimeout bounds how long the runtime may stay silent.
	// Zero uses the runtime default.
	HardTimeout time.Duration `json:"hard_timeout,omitempty"`
	// Tools, when set, (re)binds tool stubs inside the session before the code runs.
	Tools *ToolBinding `json:"tools,omitempty"`
}

// ExecutionResult is the normalized outcome of one execution.
type ExecutionResult struct {
	Output      string     `json:"output"`
	IsError     bool       `json:"is_error"`
	Error       string     `json:"error,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a typed side effect of an execution, such as a rendered chart.
type Artifact struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
	// Image holds a rendered raster for artifacts whose payload is not an image itself.
	Image []byte `json:"image,omitempty"`
	// ID is assigned after the artifact is uploaded to external storage.
	ID string `json:"id,omitempty"`
}

// Raster returns the image bytes that represent the artifact and their MIME type.
// ok is false when the artifact has no image form.
func (a Artifact) Raster() (data []byte, mime string, ok bool) {
	if len(a.Image) > 0 {
		return a.Image, "image/png", true
	}
	if strings.HasPrefix(a.Type, "image/") && len(a.Data) > 0 {
		return a.Data, a.Type, true
	}
	return nil, "", false
}

// Executor runs code inside the session identified by sessionID.
type Executor interface {
	Execute(ctx context.Context, sessionID string, req ExecutionRequest) (ExecutionResult, error)
}

// --- Tools ---

// ToolDefinition describes one host capability.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	// Inject maps argument slots to state fields. Injected slots are not part
	// of Parameters; they are filled from the call state after validation.
	// The state field "*" injects the whole state.
	Inject map[string]string `json:"-"`
	// Composite tools drive sessions themselves and may only be invoked from
	// the top-level orchestration channel.
	Composite bool `json:"composite,omitempty"`
	// Helper tools are always bound inside sessions but hidden from tool listings.
	Helper bool `json:"-"`
}

// ToolBinding is the set of tools a session may call and the ambient state
// forwarded with every call.
type ToolBinding struct {
	RouterURL string         `json:"router_url,omitempty"`
	Tools     []string       `json:"tools"`
	State     map[string]any `json:"state,omitempty"`
}

// BridgeCall is one tool invocation.
type BridgeCall struct {
	Tool   string          `json:"-"`
	Kwargs json.RawMessage `json:"kwargs"`
	State  map[string]any  `json:"state,omitempty"`
}

// Origin identifies the channel a BridgeCall arrived on.
type Origin int

const (
	// OriginSandbox is code running inside a session.
	OriginSandbox Origin = iota
	// OriginOrchestrator is the trusted top-level caller.
	OriginOrchestrator
)

func (o Origin) String() string {
	switch o {
	case OriginSandbox:
		return "sandbox"
	case OriginOrchestrator:
		return "orchestrator"
	default:
		return "unknown"
	}
}
