package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/repl"
)

// ErrClosed is returned by operations on a kernel that was shut down.
var ErrClosed = errors.New("kernel: closed")

const stderrTailLines = 20

// request is one line sent to the driver.
type request struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Code      string          `json:"code,omitempty"`
	Path      string          `json:"path,omitempty"`
	RouterURL string          `json:"router_url,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	State     map[string]any  `json:"state,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// diedError reports that the driver exited or closed its output mid-request.
type diedError struct {
	err error
}

func (e *diedError) Error() string {
	if e.err == nil {
		return "runtime exited"
	}
	return "runtime exited: " + e.err.Error()
}

func (e *diedError) Unwrap() error { return e.err }

// Kernel is the runtime of one session. Requests are serialized: the driver
// processes one submission at a time.
type Kernel struct {
	id        string
	statePath string
	launcher  Launcher
	cfg       config
	logger    *slog.Logger

	mu     sync.Mutex
	proc   Process
	msgs   chan Message
	dead   error // set once the runtime died; the kernel is not reusable
	closed bool

	tailMu sync.Mutex
	tail   []string
}

// New creates a kernel for the session. statePath is the file state is
// saved to on shutdown and restored from on start; empty disables persistence.
// The runtime is not started until Start or the first Execute.
func New(id, statePath string, launcher Launcher, opts ...Option) *Kernel {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Kernel{
		id:        id,
		statePath: statePath,
		launcher:  launcher,
		cfg:       cfg,
		logger:    cfg.logger.With("session_id", id),
	}
}

// ID returns the session id.
func (k *Kernel) ID() string { return k.id }

// StatePath returns the state file of the session.
func (k *Kernel) StatePath() string { return k.statePath }

// Alive reports whether the runtime is running and usable.
func (k *Kernel) Alive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.proc != nil && k.dead == nil
}

// Start launches the runtime if it is not running and restores saved state.
// It is idempotent.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.startLocked(ctx)
}

func (k *Kernel) startLocked(ctx context.Context) error {
	if k.closed {
		return ErrClosed
	}
	if k.dead != nil {
		return &repl.RuntimeDeathError{SessionID: k.id, Err: k.dead}
	}
	if k.proc != nil {
		return nil
	}

	start := time.Now()
	env := append([]string{fmt.Sprintf("REPL_TOOL_TIMEOUT=%d", int(k.cfg.toolTimeout.Seconds()))}, k.cfg.env...)
	stateDir := ""
	if k.statePath != "" {
		stateDir = filepath.Dir(k.statePath)
	}
	proc, err := k.launcher.Launch(ctx, LaunchSpec{SessionID: k.id, StateDir: stateDir, Env: env})
	if err != nil {
		return &repl.RuntimeStartError{SessionID: k.id, Err: err}
	}
	k.proc = proc
	k.msgs = make(chan Message, 256)
	go k.readLoop(proc.Stdout(), k.msgs)
	go k.readStderr(proc.Stderr())

	if _, err := k.run(request{Type: "ping"}, 0, k.cfg.readyTimeout); err != nil {
		k.abortLocked()
		return &repl.RuntimeStartError{SessionID: k.id, Err: k.withTail(err)}
	}

	if k.statePath != "" {
		if _, err := os.Stat(k.statePath); err == nil {
			if err := k.restoreLocked(); err != nil {
				k.abortLocked()
				return &repl.RuntimeStartError{SessionID: k.id, Err: k.withTail(err)}
			}
		}
	}

	k.logger.Info("kernel: started", "duration", time.Since(start))
	return nil
}

// restoreLocked loads the state file. A failed load leaves an empty
// namespace; only runtime death is an error.
func (k *Kernel) restoreLocked() error {
	dec, err := k.run(request{Type: "load", Path: k.proc.Path(k.statePath)}, 0, k.cfg.stateTimeout)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if res := dec.Result(); res.IsError {
		k.logger.Warn("kernel: state restore failed", "path", k.statePath, "error", firstLine(res.Error))
		return nil
	}
	var summary struct {
		Restored []string `json:"restored"`
		Failed   []string `json:"failed"`
	}
	_ = json.Unmarshal(dec.Value(), &summary)
	k.logger.Info("kernel: state restored", "path", k.statePath, "variables", len(summary.Restored), "failed", len(summary.Failed))
	return nil
}

// Execute runs code in the session. A soft interrupt aborts long executions
// in place and still returns their partial output. A runtime that stays
// silent past the hard timeout is interrupted and the call fails with
// repl.ErrHardTimeout; the session survives if the runtime answers again.
// Runtime death returns a *repl.RuntimeDeathError alongside the partial result.
func (k *Kernel) Execute(ctx context.Context, req repl.ExecutionRequest) (repl.ExecutionResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.startLocked(ctx); err != nil {
		return repl.ExecutionResult{}, err
	}
	if req.Tools != nil {
		if err := k.bindLocked(*req.Tools); err != nil {
			return repl.ExecutionResult{}, err
		}
	}

	code, installs := RewriteShell(req.Code, k.cfg.pipTarget)
	soft, hard := k.budget(req, installs)

	start := time.Now()
	dec, err := k.run(request{Type: "execute", Code: code}, soft, hard)
	if errors.Is(err, repl.ErrHardTimeout) {
		err = k.recoverLocked(dec, err)
	}
	res := dec.Result()
	if err != nil {
		if errors.Is(err, repl.ErrHardTimeout) {
			res.IsError = true
			res.Error = strings.TrimSpace(res.Error + fmt.Sprintf("\nThe runtime produced no output for %s and the execution was interrupted.", hard))
		}
		k.truncate(&res)
		var death *repl.RuntimeDeathError
		switch {
		case errors.As(err, &death):
		case errors.Is(err, repl.ErrHardTimeout):
			err = fmt.Errorf("session %s: %w", k.id, err)
		default:
			err = k.fatalLocked(err)
		}
		return res, err
	}

	k.uploadArtifacts(ctx, &res)
	k.truncate(&res)

	k.logger.Info("kernel: execution finished",
		"duration", time.Since(start),
		"is_error", res.IsError,
		"interrupted", res.Interrupted,
		"artifacts", len(res.Artifacts),
		"installs", installs,
		"shell", HasShellEscape(code))
	return res, nil
}

// recoverLocked interrupts a stalled execution and waits for the runtime to
// answer again. It returns stall when the runtime recovered and a
// *repl.RuntimeDeathError when it had to be killed.
func (k *Kernel) recoverLocked(dec *Decoder, stall error) error {
	k.logger.Warn("kernel: execution stalled, interrupting", "error", stall)
	dec.MarkInterrupted()
	if err := k.proc.Interrupt(); err != nil {
		k.logger.Warn("kernel: interrupt failed", "error", err)
	}
	if k.await(dec, k.cfg.recoverWait) {
		return stall
	}
	if _, err := k.run(request{Type: "ping"}, 0, k.cfg.recoverWait); err != nil {
		return k.fatalLocked(fmt.Errorf("%w; no answer after interrupt: %v", stall, err))
	}
	return stall
}

// await keeps feeding dec until its request completes, the runtime exits or
// wait elapses. It reports whether the request completed.
func (k *Kernel) await(dec *Decoder, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case m, ok := <-k.msgs:
			if !ok {
				return false
			}
			if dec.Feed(m) {
				return true
			}
		case <-k.proc.Done():
			k.drainInto(dec)
			return dec.Done()
		case <-timer.C:
			return false
		}
	}
}

// budget resolves the soft interrupt and hard timeout of one execution.
func (k *Kernel) budget(req repl.ExecutionRequest, installs bool) (soft, hard time.Duration) {
	soft = k.cfg.softInterrupt
	if req.SoftInterrupt != 0 {
		soft = req.SoftInterrupt
	}
	hard = k.cfg.hardTimeout
	if req.HardTimeout > 0 {
		hard = req.HardTimeout
	}
	if installs {
		soft = 0
		if hard < k.cfg.pipTimeout {
			hard = k.cfg.pipTimeout
		}
	}
	// A silent execution must reach the interrupt before the stall check.
	if soft > 0 && hard <= soft {
		hard = soft + 10*time.Second
	}
	return soft, hard
}

// Bind installs tool stubs for the given binding inside the session.
func (k *Kernel) Bind(ctx context.Context, b repl.ToolBinding) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.startLocked(ctx); err != nil {
		return err
	}
	return k.bindLocked(b)
}

func (k *Kernel) bindLocked(b repl.ToolBinding) error {
	dec, err := k.run(request{Type: "bind", RouterURL: b.RouterURL, Tools: b.Tools, State: b.State}, 0, k.cfg.hardTimeout)
	if err != nil {
		return k.fatalLocked(err)
	}
	if res := dec.Result(); res.IsError {
		return fmt.Errorf("bind tools: %s", firstLine(res.Error))
	}
	k.logger.Debug("kernel: tools bound", "tools", len(b.Tools))
	return nil
}

// StoreResult appends a tool result to the session's function_results list
// and returns its index.
func (k *Kernel) StoreResult(ctx context.Context, tool string, value json.RawMessage) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.startLocked(ctx); err != nil {
		return 0, err
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	dec, err := k.run(request{Type: "store", Tool: tool, Value: value}, 0, k.cfg.hardTimeout)
	if err != nil {
		return 0, k.fatalLocked(err)
	}
	if res := dec.Result(); res.IsError {
		return 0, fmt.Errorf("store result: %s", firstLine(res.Error))
	}
	var idx int
	if err := json.Unmarshal(dec.Value(), &idx); err != nil {
		return 0, fmt.Errorf("store result: decode index: %w", err)
	}
	return idx, nil
}

// Shutdown saves the session state and terminates the runtime. It waits for
// an in-flight execution to finish first. The runtime is terminated even if
// the save fails; the save error is returned for reporting only.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	var saveErr error
	if k.proc != nil && k.dead == nil && k.statePath != "" {
		saveErr = k.saveLocked(ctx)
		if saveErr != nil {
			k.logger.Warn("kernel: state save failed", "path", k.statePath, "error", saveErr)
		}
	}
	k.closeLocked()
	return saveErr
}

// Kill terminates the runtime without saving state.
func (k *Kernel) Kill() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closeLocked()
}

func (k *Kernel) saveLocked(ctx context.Context) error {
	timeout := k.cfg.stateTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	start := time.Now()
	dec, err := k.run(request{Type: "save", Path: k.proc.Path(k.statePath)}, 0, timeout)
	if err != nil {
		return err
	}
	res := dec.Result()
	if res.IsError {
		return errors.New(lastLine(res.Error))
	}
	var summary struct {
		Saved   []string `json:"saved"`
		Skipped []string `json:"skipped"`
	}
	_ = json.Unmarshal(dec.Value(), &summary)
	k.logger.Info("kernel: state saved",
		"path", k.statePath,
		"variables", len(summary.Saved),
		"skipped", summary.Skipped,
		"duration", time.Since(start))
	return nil
}

func (k *Kernel) closeLocked() {
	if k.proc != nil {
		if err := k.proc.Kill(); err != nil {
			k.logger.Warn("kernel: kill failed", "error", err)
		}
		k.proc = nil
	}
	k.closed = true
}

// abortLocked discards a runtime that failed to start. The kernel may be started again.
func (k *Kernel) abortLocked() {
	if k.proc != nil {
		k.proc.Kill()
		k.proc = nil
	}
}

// fatalLocked converts a run failure into a RuntimeDeathError and kills the
// runtime. The kernel cannot be used afterwards.
func (k *Kernel) fatalLocked(err error) error {
	k.dead = k.withTail(err)
	if k.proc != nil {
		k.proc.Kill()
		k.proc = nil
	}
	k.logger.Error("kernel: runtime lost", "error", k.dead)
	return &repl.RuntimeDeathError{SessionID: k.id, Err: k.dead}
}

// run sends one request and folds its messages until the idle status. It
// races completion against the soft interrupt timer, the stall timer and the
// runtime exiting; whichever happens first decides the outcome.
func (k *Kernel) run(req request, soft, hard time.Duration) (*Decoder, error) {
	req.ID = repl.NewID()
	dec := NewDecoder(req.ID, k.cfg.render)

	k.drain()
	if err := k.send(req); err != nil {
		return dec, &diedError{err: err}
	}

	var interrupt <-chan time.Time
	if soft > 0 {
		t := time.NewTimer(soft)
		defer t.Stop()
		interrupt = t.C
	}
	stall := time.NewTimer(hard)
	defer stall.Stop()

	for {
		select {
		case m, ok := <-k.msgs:
			if !ok {
				return dec, &diedError{err: k.proc.Err()}
			}
			if dec.Feed(m) {
				return dec, nil
			}
			stall.Reset(hard)

		case <-interrupt:
			interrupt = nil
			dec.MarkInterrupted()
			k.logger.Info("kernel: interrupting execution", "after", soft)
			if err := k.proc.Interrupt(); err != nil {
				k.logger.Warn("kernel: interrupt failed", "error", err)
			}
			stall.Reset(hard)

		case <-k.proc.Done():
			k.drainInto(dec)
			return dec, &diedError{err: k.proc.Err()}

		case <-stall.C:
			return dec, fmt.Errorf("%w: no message for %s", repl.ErrHardTimeout, hard)
		}
	}
}

func (k *Kernel) send(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')
	if _, err := k.proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// drain discards messages left over from earlier requests.
func (k *Kernel) drain() {
	for {
		select {
		case _, ok := <-k.msgs:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// drainInto feeds buffered messages of a dead runtime to the decoder so
// partial output is not lost.
func (k *Kernel) drainInto(dec *Decoder) {
	for {
		select {
		case m, ok := <-k.msgs:
			if !ok || dec.Feed(m) {
				return
			}
		default:
			return
		}
	}
}

// readLoop decodes driver output. Messages without a parent come from
// background threads and are dropped when nobody is listening.
func (k *Kernel) readLoop(r io.Reader, out chan<- Message) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			k.logger.Debug("kernel: skipping malformed driver line", "error", err)
			continue
		}
		if m.Parent == "" {
			select {
			case out <- m:
			default:
			}
			continue
		}
		out <- m
	}
	if err := scanner.Err(); err != nil {
		k.logger.Warn("kernel: driver output error", "error", err)
	}
}

// readStderr logs driver stderr and keeps the last lines for error reports.
func (k *Kernel) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		k.logger.Debug("kernel: driver stderr", "line", line)
		k.tailMu.Lock()
		k.tail = append(k.tail, line)
		if len(k.tail) > stderrTailLines {
			k.tail = k.tail[len(k.tail)-stderrTailLines:]
		}
		k.tailMu.Unlock()
	}
}

// withTail annotates err with the most recent driver stderr output.
func (k *Kernel) withTail(err error) error {
	k.tailMu.Lock()
	tail := strings.Join(k.tail, "\n")
	k.tailMu.Unlock()
	if tail == "" {
		return err
	}
	return fmt.Errorf("%w (stderr: %s)", err, tail)
}

// uploadArtifacts stores image artifacts and appends their ids to the output.
func (k *Kernel) uploadArtifacts(ctx context.Context, res *repl.ExecutionResult) {
	if k.cfg.artifacts == nil {
		return
	}
	var lines []string
	for i := range res.Artifacts {
		data, mime, ok := res.Artifacts[i].Raster()
		if !ok {
			continue
		}
		name := fmt.Sprintf("%s-%s%s", k.id, repl.NewID(), extension(mime))
		id, err := k.cfg.artifacts.Put(ctx, name, mime, data)
		if err != nil {
			k.logger.Warn("kernel: artifact upload failed", "type", res.Artifacts[i].Type, "error", err)
			lines = append(lines, "An image could not be stored: "+err.Error())
			continue
		}
		res.Artifacts[i].ID = id
		lines = append(lines, fmt.Sprintf("Image id '%s'. Show it to the user with ![image](artifact:%s).", id, id))
	}
	if len(lines) == 0 {
		return
	}
	if res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
		res.Output += "\n"
	}
	res.Output += strings.Join(lines, "\n")
}

func (k *Kernel) truncate(res *repl.ExecutionResult) {
	if k.cfg.maxOutput > 0 && len(res.Output) > k.cfg.maxOutput {
		res.Output = res.Output[:k.cfg.maxOutput] + "\n... (output truncated)"
	}
}

func extension(mime string) string {
	switch mime {
	case MIMEPNG:
		return ".png"
	case MIMEJPEG:
		return ".jpg"
	case MIMESVG:
		return ".svg"
	default:
		return ""
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
