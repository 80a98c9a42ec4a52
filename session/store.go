// Package session keeps one runtime per session id. Runtimes are started on
// first use, restored from their state file, and saved and shut down once
// they stay idle past the idle timeout.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/internal/metrics"
	"github.com/nevindra/repl/kernel"
)

// ErrStoreClosed is returned once the store has been closed.
var ErrStoreClosed = errors.New("session: store closed")

// Runtime is the per-session execution runtime. *kernel.Kernel implements it.
type Runtime interface {
	Start(ctx context.Context) error
	Execute(ctx context.Context, req repl.ExecutionRequest) (repl.ExecutionResult, error)
	StoreResult(ctx context.Context, tool string, value json.RawMessage) (int, error)
	Shutdown(ctx context.Context) error
	Kill()
	Alive() bool
}

// Factory creates the runtime of a session. statePath is empty when state
// persistence is disabled.
type Factory func(id, statePath string) Runtime

// KernelFactory returns a Factory producing kernels started by launcher.
func KernelFactory(launcher kernel.Launcher, opts ...kernel.Option) Factory {
	return func(id, statePath string) Runtime {
		return kernel.New(id, statePath, launcher, opts...)
	}
}

// Info describes a live session.
type Info struct {
	ID           string    `json:"id"`
	StatePath    string    `json:"state_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	InFlight     int       `json:"in_flight"`
	Alive        bool      `json:"alive"`
}

type entry struct {
	id         string
	statePath  string
	rt         Runtime
	created    time.Time
	lastAccess time.Time
	inflight   int
	started    bool
}

// Store maps session ids to runtimes. All methods are safe for concurrent
// use; the map lock is never held while a runtime executes.
type Store struct {
	factory         Factory
	stateDir        string
	idle            time.Duration
	shutdownTimeout time.Duration
	ledger          Ledger
	metrics         *metrics.Metrics
	logger          *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	// closing holds a channel per id whose runtime is shutting down. It is
	// closed once the shutdown finished, so a new runtime for the same id
	// starts only after the state file was written.
	closing map[string]chan struct{}
	closed  bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a store. The idle reaper runs every idle/2 until Close; a
// non-positive idle timeout disables it.
func New(factory Factory, opts ...Option) *Store {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	s := &Store{
		factory:         factory,
		stateDir:        cfg.stateDir,
		idle:            cfg.idle,
		shutdownTimeout: cfg.shutdownTimeout,
		ledger:          cfg.ledger,
		metrics:         cfg.metrics,
		logger:          cfg.logger,
		sessions:        make(map[string]*entry),
		closing:         make(map[string]chan struct{}),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	if s.idle > 0 {
		go s.runReaper(s.idle / 2)
	} else {
		close(s.doneCh)
	}
	return s
}

// Create allocates a new session id and starts its runtime.
func (s *Store) Create(ctx context.Context) (string, error) {
	id := repl.NewID()
	e, err := s.acquire(ctx, id)
	if err != nil {
		return "", err
	}
	s.release(e)
	return id, nil
}

// GetOrCreate returns the started runtime of the session, creating it if
// needed, and marks the session active.
func (s *Store) GetOrCreate(ctx context.Context, id string) (Runtime, error) {
	e, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	s.release(e)
	return e.rt, nil
}

// Execute runs code in the session, creating it transparently if absent.
// Runtime death and start failures evict the session; the error is returned
// so the caller can decide whether to retry.
func (s *Store) Execute(ctx context.Context, id string, req repl.ExecutionRequest) (repl.ExecutionResult, error) {
	for attempt := 0; ; attempt++ {
		e, err := s.acquire(ctx, id)
		if err != nil {
			return repl.ExecutionResult{}, err
		}
		start := time.Now()
		res, err := e.rt.Execute(ctx, req)
		s.release(e)

		// The runtime was shut down between lookup and execution.
		if errors.Is(err, kernel.ErrClosed) && attempt == 0 {
			continue
		}
		if isFatal(err) {
			s.evict(e, StatusDead, err)
		}
		s.metrics.RecordExecution(executionStatus(res, err), time.Since(start).Seconds())
		return res, err
	}
}

// StoreResult appends a tool result to the function_results list of a live
// session and returns its index.
func (s *Store) StoreResult(ctx context.Context, id, tool string, value json.RawMessage) (int, error) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("session %s: %w", id, repl.ErrSessionNotFound)
	}
	e, err := s.acquire(ctx, id)
	if err != nil {
		return 0, err
	}
	idx, err := e.rt.StoreResult(ctx, tool, value)
	s.release(e)
	if isFatal(err) {
		s.evict(e, StatusDead, err)
	}
	return idx, err
}

// Shutdown saves and terminates the session. It waits for an in-flight
// execution to finish first. A failed save is logged and does not fail the
// shutdown. Unknown ids return repl.ErrSessionNotFound.
func (s *Store) Shutdown(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, repl.ErrSessionNotFound)
	}
	done := s.detachLocked(e)
	s.mu.Unlock()

	s.shutdownEntry(ctx, e, StatusClosed)
	s.finishClosing(e.id, done)
	return nil
}

// List returns the live sessions ordered by id.
func (s *Store) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, Info{
			ID:           e.id,
			StatePath:    e.statePath,
			CreatedAt:    e.created,
			LastActivity: e.lastAccess,
			InFlight:     e.inflight,
		})
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for i, e := range entries {
		out[i].Alive = e.rt.Alive()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the reaper and shuts down every session, saving its state.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh

	s.mu.Lock()
	s.closed = true
	var (
		entries []*entry
		dones   []chan struct{}
	)
	for _, e := range s.sessions {
		entries = append(entries, e)
		dones = append(dones, s.detachLocked(e))
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(e *entry, done chan struct{}) {
			defer wg.Done()
			s.shutdownEntry(ctx, e, StatusClosed)
			s.finishClosing(e.id, done)
		}(e, dones[i])
	}
	wg.Wait()
	return nil
}

// acquire returns the started entry of id with its in-flight count raised.
// It waits for a concurrent shutdown of the same id to finish first.
func (s *Store) acquire(ctx context.Context, id string) (*entry, error) {
	statePath, err := s.statePath(id)
	if err != nil {
		return nil, err
	}

	var (
		e       *entry
		created bool
	)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrStoreClosed
		}
		if done, ok := s.closing[id]; ok {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var ok bool
		e, ok = s.sessions[id]
		if !ok {
			now := time.Now()
			e = &entry{id: id, statePath: statePath, rt: s.factory(id, statePath), created: now}
			s.sessions[id] = e
			created = true
		}
		e.inflight++
		e.lastAccess = time.Now()
		s.mu.Unlock()
		break
	}

	if err := e.rt.Start(ctx); err != nil {
		s.mu.Lock()
		e.inflight--
		wasStarted := e.started
		s.mu.Unlock()
		if wasStarted {
			s.evict(e, StatusDead, err)
			return nil, err
		}
		s.metrics.SessionStartFailed()
		s.logger.Warn("session: runtime start failed", "session_id", id, "error", err)
		if s.remove(e) {
			e.rt.Kill()
		}
		return nil, err
	}

	s.mu.Lock()
	first := !e.started
	e.started = true
	s.mu.Unlock()
	if first {
		s.metrics.SessionStarted()
		s.record(e, StatusActive)
		s.logger.Info("session: started", "session_id", id, "created", created)
	}
	return e, nil
}

func (s *Store) release(e *entry) {
	s.mu.Lock()
	e.inflight--
	e.lastAccess = time.Now()
	s.mu.Unlock()
}

// remove drops e from the map if it is still the current entry of its id.
func (s *Store) remove(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[e.id]; ok && cur == e {
		delete(s.sessions, e.id)
		return true
	}
	return false
}

// evict discards a session whose runtime died. The state file is left as it
// was before the crash.
func (s *Store) evict(e *entry, status Status, cause error) {
	if !s.remove(e) {
		return
	}
	e.rt.Kill()
	s.mu.Lock()
	started := e.started
	s.mu.Unlock()
	if started {
		s.metrics.SessionEnded(string(status))
	}
	s.record(e, status)
	s.logger.Warn("session: evicted", "session_id", e.id, "status", status, "error", cause)
}

// detachLocked removes e from the map and installs its closing barrier.
func (s *Store) detachLocked(e *entry) chan struct{} {
	delete(s.sessions, e.id)
	done := make(chan struct{})
	s.closing[e.id] = done
	return done
}

func (s *Store) finishClosing(id string, done chan struct{}) {
	s.mu.Lock()
	if s.closing[id] == done {
		delete(s.closing, id)
	}
	s.mu.Unlock()
	close(done)
}

// shutdownEntry saves and stops one detached session.
func (s *Store) shutdownEntry(ctx context.Context, e *entry, status Status) {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	start := time.Now()
	err := e.rt.Shutdown(ctx)
	if e.statePath != "" {
		s.metrics.RecordStateSave(err == nil)
	}
	if err != nil {
		s.logger.Warn("session: state save failed", "session_id", e.id, "path", e.statePath, "error", err)
		status = StatusSaveFailed
	}
	s.mu.Lock()
	started := e.started
	s.mu.Unlock()
	if started {
		s.metrics.SessionEnded(string(status))
	}
	s.record(e, status)
	s.logger.Info("session: shut down", "session_id", e.id, "status", status, "duration", time.Since(start))
}

// runReaper shuts down idle sessions until Close.
func (s *Store) runReaper(interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reap()
		case <-s.stopCh:
			return
		}
	}
}

// reap detaches every idle session under the lock, then shuts them down
// concurrently outside it.
func (s *Store) reap() {
	s.mu.Lock()
	var (
		entries []*entry
		dones   []chan struct{}
	)
	for _, e := range s.sessions {
		if e.inflight == 0 && time.Since(e.lastAccess) > s.idle {
			entries = append(entries, e)
			dones = append(dones, s.detachLocked(e))
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(e *entry, done chan struct{}) {
			defer wg.Done()
			s.logger.Info("session: idle, shutting down", "session_id", e.id, "idle", s.idle)
			s.shutdownEntry(context.Background(), e, StatusReaped)
			s.finishClosing(e.id, done)
		}(e, dones[i])
	}
	wg.Wait()
}

// statePath returns the state file of id, or "" without a state directory.
func (s *Store) statePath(id string) (string, error) {
	safe := filepath.Base(id)
	if id == "" || safe != id || safe == "." || safe == ".." {
		return "", fmt.Errorf("invalid session id: %q", id)
	}
	if s.stateDir == "" {
		return "", nil
	}
	return filepath.Join(s.stateDir, safe+".pkl"), nil
}

func (s *Store) record(e *entry, status Status) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := Record{
		ID:        e.id,
		StatePath: e.statePath,
		Status:    status,
		CreatedAt: e.created.Unix(),
		UpdatedAt: repl.NowUnix(),
	}
	if err := s.ledger.PutSession(ctx, rec); err != nil {
		s.logger.Warn("session: ledger write failed", "session_id", e.id, "status", status, "error", err)
	}
}

func isFatal(err error) bool {
	var death *repl.RuntimeDeathError
	var start *repl.RuntimeStartError
	return errors.As(err, &death) || errors.As(err, &start)
}

func executionStatus(res repl.ExecutionResult, err error) string {
	switch {
	case isFatal(err):
		return "fatal"
	case errors.Is(err, repl.ErrHardTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case res.Interrupted:
		return "interrupted"
	case res.IsError:
		return "error"
	default:
		return "ok"
	}
}
