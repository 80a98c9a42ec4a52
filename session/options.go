package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevindra/repl/internal/metrics"
)

// Status is the lifecycle state recorded on the ledger.
type Status string

const (
	StatusActive     Status = "active"
	StatusClosed     Status = "closed"
	StatusReaped     Status = "reaped"
	StatusDead       Status = "dead"
	StatusSaveFailed Status = "save_failed"
)

// Record is one ledger row.
type Record struct {
	ID        string `json:"id"`
	StatePath string `json:"state_path"`
	Status    Status `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Ledger persists session lifecycle records. Implementations live in
// store/sqlite and store/postgres.
type Ledger interface {
	PutSession(ctx context.Context, rec Record) error
	GetSession(ctx context.Context, id string) (Record, error)
	ListSessions(ctx context.Context, limit int) ([]Record, error)
}

// Option configures a Store.
type Option func(*config)

type config struct {
	stateDir        string
	idle            time.Duration
	shutdownTimeout time.Duration
	ledger          Ledger
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func defaultConfig() config {
	return config{
		idle:            300 * time.Second,
		shutdownTimeout: 150 * time.Second,
		logger:          nopLogger,
	}
}

// WithStateDir sets the directory holding session state files. Empty
// disables persistence.
func WithStateDir(dir string) Option {
	return func(c *config) { c.stateDir = dir }
}

// WithIdleTimeout sets how long a session may stay unused before it is
// saved and shut down. Zero disables the reaper. Default: 300s.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idle = d }
}

// WithShutdownTimeout bounds a single session shutdown. Default: 150s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) { c.shutdownTimeout = d }
}

// WithLedger records session lifecycle transitions.
func WithLedger(l Ledger) Option {
	return func(c *config) { c.ledger = l }
}

// WithMetrics reports session and execution metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
