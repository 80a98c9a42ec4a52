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
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds one request when the caller's context has no
// deadline.
const DefaultCallTimeout = 60 * time.Second

// ErrClientClosed is returned for requests on a closed client.
var ErrClientClosed = errors.New("mcp: client closed")

// ServerConfig describes an external MCP server started as a subprocess.
type ServerConfig struct {
	ID      string            `toml:"id"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	WorkDir string            `toml:"workdir"`
	Timeout time.Duration     `toml:"-"`
}

// Client is an MCP client over a pair of streams, usually the stdio of a
// server subprocess.
type Client struct {
	r       io.Reader
	w       io.WriteCloser
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan incoming
	closed  bool
	done    chan struct{}

	info peerInfo
	proc *exec.Cmd
	wg   sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets a structured logger for the client.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithCallTimeout sets the per-request timeout. Default: 60s.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient starts a client reading responses from r and writing requests
// to w. Call Initialize before anything else.
func NewClient(r io.Reader, w io.WriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		r:       r,
		w:       w,
		logger:  nopLogger,
		timeout: DefaultCallTimeout,
		pending: make(map[int64]chan incoming),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.wg.Add(1)
	go c.readLoop(r)
	return c
}

// Dial starts the server subprocess described by cfg and completes the
// initialize handshake.
func Dial(ctx context.Context, cfg ServerConfig, opts ...ClientOption) (*Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp %s: command is required", cfg.ID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Dir = cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdin pipe: %w", cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdout pipe: %w", cfg.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stderr pipe: %w", cfg.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp %s: start %s: %w", cfg.ID, cfg.Command, err)
	}

	if cfg.Timeout > 0 {
		opts = append(opts, WithCallTimeout(cfg.Timeout))
	}
	c := NewClient(stdout, stdin, opts...)
	c.proc = cmd
	c.logger = c.logger.With("mcp_server", cfg.ID)
	c.logger.Info("mcp: started server process", "command", cfg.Command, "pid", cmd.Process.Pid)

	c.wg.Add(1)
	go c.logStderr(stderr)

	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp %s: %w", cfg.ID, err)
	}
	return c, nil
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      peerInfo{Name: "repl", Version: "1"},
	})
	if err != nil {
		return err
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.info = res.ServerInfo
	c.logger.Debug("mcp: initialized", "server", res.ServerInfo.Name, "protocol", res.ProtocolVersion)
	return c.notify("notifications/initialized")
}

// ServerName returns the name the server reported during Initialize.
func (c *Client) ServerName() string { return c.info.Name }

// ListTools returns the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool with JSON object arguments.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error) {
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return ToolCallResult{}, err
	}
	var res ToolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ToolCallResult{}, fmt.Errorf("parse tools/call: %w", err)
	}
	return res, nil
}

// Close stops the client and the server subprocess, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	err := c.w.Close()
	if c.proc != nil && c.proc.Process != nil {
		c.proc.Process.Kill()
	}
	if rc, ok := c.r.(io.Closer); ok {
		rc.Close()
	}
	c.wg.Wait()
	if c.proc != nil {
		c.proc.Wait()
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan incoming, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := request{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = b
	}
	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("mcp %s: %w", method, ctx.Err())
	case <-c.done:
		return nil, ErrClientClosed
	}
}

func (c *Client) notify(method string) error {
	return c.write(request{JSONRPC: "2.0", Method: method})
}

func (c *Client) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop(r io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("mcp: unreadable message", "error", err)
			continue
		}
		if msg.Method != "" {
			c.logger.Debug("mcp: notification ignored", "method", msg.Method)
			continue
		}
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			c.logger.Warn("mcp: unexpected response id", "id", string(msg.ID))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("mcp: read loop stopped", "error", err)
	}
}

func (c *Client) logStderr(r io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("mcp: server stderr", "message", line)
		}
	}
}
