package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nevindra/repl"
)

// DefaultTimeout bounds one tool call.
const DefaultTimeout = 600 * time.Second

// Client calls the tool router the way stubs inside a session do.
type Client struct {
	baseURL string
	http    *http.Client
	state   map[string]any
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. Its timeout bounds every call.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-call timeout. Default: 600s.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.http.Timeout = d }
}

// WithState sets the ambient state sent with every call. The conversation
// history is dropped.
func WithState(state map[string]any) ClientOption {
	return func(cl *Client) { cl.state = Snapshot(state) }
}

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a client for the router at routerURL.
func NewClient(routerURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(routerURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call invokes tool with keyword arguments. kwargs must encode to a JSON
// object; nil sends an empty one. Failures are typed:
// *repl.ToolNotFoundError, *repl.ToolValidationError,
// *repl.CompositeToolError, *repl.ToolExecutionError and
// *repl.BridgeTransportError.
func (c *Client) Call(ctx context.Context, tool string, kwargs any) (json.RawMessage, error) {
	args, err := encodeKwargs(kwargs)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, err)
	}
	body, err := json.Marshal(Request{Kwargs: args, State: c.state})
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal request: %w", tool, err)
	}

	endpoint := c.baseURL + "/" + url.PathEscape(tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &repl.BridgeTransportError{Tool: tool, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &repl.BridgeTransportError{Tool: tool, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &repl.BridgeTransportError{Tool: tool, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debug("bridge: tool call", "tool", tool, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(tool, resp.StatusCode, respBody)
	}
	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &repl.ToolExecutionError{Tool: tool, Message: "invalid router response: " + err.Error()}
	}
	return out.Data, nil
}

// Tools lists the tool descriptors advertised by the router.
func (c *Client) Tools(ctx context.Context) ([]repl.ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &repl.BridgeTransportError{Tool: "tools", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read tools: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &repl.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	var defs []repl.ToolDefinition
	if err := json.Unmarshal(body, &defs); err != nil {
		return nil, fmt.Errorf("parse tools: %w", err)
	}
	return defs, nil
}

func encodeKwargs(kwargs any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := kwargs.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal kwargs: %w", err)
		}
		raw = b
	}
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		return nil, fmt.Errorf("keyword arguments must be a JSON object")
	}
	return raw, nil
}

// decodeError maps a non-200 router response to a typed error.
func decodeError(tool string, status int, body []byte) error {
	var p ErrorPayload
	if err := json.Unmarshal(body, &p); err != nil || p.Error == "" {
		p = ErrorPayload{Error: (&repl.ErrHTTP{Status: status, Body: strings.TrimSpace(string(body))}).Error()}
	}
	if p.Tool == "" {
		p.Tool = tool
	}

	switch {
	case status == http.StatusNotFound:
		return &repl.ToolNotFoundError{Tool: p.Tool}
	case p.Code == repl.CodeValidationFailed:
		return &repl.ToolValidationError{Tool: p.Tool, Schema: p.Schema, Err: fmt.Errorf("%s", p.Error)}
	case p.Code == repl.CodeCompositeRejected:
		return &repl.CompositeToolError{Tool: p.Tool}
	default:
		return &repl.ToolExecutionError{Tool: p.Tool, Message: p.Error}
	}
}

var nopLogger = slog.New(slog.DiscardHandler)
