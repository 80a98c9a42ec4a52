// Package session provides the composite tools that run code inside the
// caller's session. They are only reachable from the orchestration channel.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/bridge"
	"github.com/nevindra/repl/router"
)

// SessionKey is the state field holding the caller's session id.
const SessionKey = router.DefaultSessionKey

var inputCall = regexp.MustCompile(`\binput\(.*?\)`)

// Tool serves run_session and shell.
type Tool struct {
	exec      repl.Executor
	routerURL string
	tools     func() []string
}

// Option configures a Tool.
type Option func(*Tool)

// WithBinding binds the tools returned by names inside the session before
// each run, pointing stubs at routerURL.
func WithBinding(routerURL string, names func() []string) Option {
	return func(t *Tool) {
		t.routerURL = routerURL
		t.tools = names
	}
}

// New creates the session tools on top of an executor, usually the session store.
func New(exec repl.Executor, opts ...Option) *Tool {
	t := &Tool{exec: exec}
	for _, o := range opts {
		o(t)
	}
	return t
}

type codeArgs struct {
	Code string `json:"code" jsonschema:"description=Python source to run in the session"`
}

type shellArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command; pip installs are routed to the session package manager"`
}

type injected struct {
	KernelID string         `json:"kernel_id"`
	State    map[string]any `json:"state"`
}

// Attachment describes an artifact produced by a run.
type Attachment struct {
	Type   string `json:"type"`
	FileID string `json:"file_id,omitempty"`
}

// Outcome is the result of run_session.
type Outcome struct {
	Message     string       `json:"message"`
	Output      string       `json:"output"`
	IsException bool         `json:"is_exception"`
	Attachments []Attachment `json:"attachments"`
}

func (t *Tool) Definitions() []repl.ToolDefinition {
	inject := map[string]string{"kernel_id": SessionKey, "state": "*"}
	return []repl.ToolDefinition{
		{
			Name:        "run_session",
			Description: "Run Python code in the stateful session. Variables persist between runs. Returns the output and any generated images.",
			Parameters:  router.Params(&codeArgs{}),
			Inject:      inject,
			Composite:   true,
		},
		{
			Name:        "shell",
			Description: "Run a shell command inside the session. Use it to install packages from PyPI.",
			Parameters:  router.Params(&shellArgs{}),
			Inject:      inject,
			Composite:   true,
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (repl.ToolResult, error) {
	var in injected
	if err := json.Unmarshal(args, &in); err != nil {
		return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if in.KernelID == "" {
		return repl.ToolResult{Error: "no session: state has no " + SessionKey}, nil
	}

	var code string
	switch name {
	case "run_session":
		var p codeArgs
		if err := json.Unmarshal(args, &p); err != nil {
			return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		if inputCall.MatchString(p.Code) {
			return encode(Outcome{
				Message:     "Rewrite the code without calling input(). Generate the data in code instead.",
				IsException: true,
				Attachments: []Attachment{},
			})
		}
		code = p.Code
	case "shell":
		var p shellArgs
		if err := json.Unmarshal(args, &p); err != nil {
			return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		code = ShellCode(p.Command)
	default:
		return repl.ToolResult{Error: "unknown tool: " + name}, nil
	}

	req := repl.ExecutionRequest{Code: code}
	if t.tools != nil {
		b := bridge.NewBinding(t.routerURL, t.tools(), in.State)
		req.Tools = &b
	}
	res, err := t.exec.Execute(ctx, in.KernelID, req)
	if err != nil {
		var start *repl.RuntimeStartError
		var death *repl.RuntimeDeathError
		if errors.As(err, &start) || errors.As(err, &death) {
			return repl.ToolResult{Error: err.Error() + ". The session was reset; variables from earlier runs are restored from the last saved state when possible."}, nil
		}
		if errors.Is(err, repl.ErrHardTimeout) {
			return repl.ToolResult{Error: err.Error() + ". The code was interrupted and the session kept its variables; split the work into smaller steps."}, nil
		}
		return repl.ToolResult{}, err
	}
	if name == "shell" {
		return repl.ToolResult{Content: Describe(res).Message}, nil
	}
	return encode(Describe(res))
}

// ShellCode turns a shell command into a session shell escape.
func ShellCode(command string) string {
	command = strings.TrimSpace(command)
	if strings.HasPrefix(command, "!") {
		return command
	}
	return "!" + command
}

// Describe summarizes an execution for the orchestrator.
func Describe(res repl.ExecutionResult) Outcome {
	out := Outcome{
		Output:      strings.TrimSpace(res.Output),
		IsException: res.IsError,
		Attachments: []Attachment{},
	}
	for _, a := range res.Artifacts {
		if a.ID == "" && a.Type != "application/vnd.plotly.v1+json" {
			continue
		}
		out.Attachments = append(out.Attachments, Attachment{Type: a.Type, FileID: a.ID})
	}

	var b strings.Builder
	if res.IsError {
		fmt.Fprintf(&b, "Output: %q.\nThe run raised an error: %q.\nFix the error.", out.Output, strings.TrimSpace(res.Error))
	} else {
		fmt.Fprintf(&b, "Output: %q.\nThe code ran without errors. The user does not see this output; repeat what matters in your answer.", out.Output)
	}
	if len(out.Attachments) > 0 {
		b.WriteString("\nImages were generated. Show them to the user in your final answer.")
	}
	out.Message = b.String()
	return out
}

func encode(o Outcome) (repl.ToolResult, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return repl.ToolResult{}, fmt.Errorf("encode result: %w", err)
	}
	return repl.ToolResult{Content: string(b)}, nil
}
