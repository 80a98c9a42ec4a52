// Package kernel implements the session runtime: one long-lived Python driver
// process per session, a JSON-lines request protocol, the interrupt race and
// the message stream decoder.
package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevindra/repl/chart"
)

// ArtifactStore uploads artifact images and returns their identifiers.
type ArtifactStore interface {
	Put(ctx context.Context, name, mime string, data []byte) (string, error)
}

// Option configures a Kernel.
type Option func(*config)

type config struct {
	softInterrupt time.Duration
	hardTimeout   time.Duration
	readyTimeout  time.Duration
	stateTimeout  time.Duration
	recoverWait   time.Duration
	pipTarget     string
	pipTimeout    time.Duration
	toolTimeout   time.Duration
	maxOutput     int
	env           []string
	render        ChartRenderer
	artifacts     ArtifactStore
	logger        *slog.Logger
}

func defaultConfig() config {
	return config{
		softInterrupt: 30 * time.Second,
		hardTimeout:   40 * time.Second,
		readyTimeout:  30 * time.Second,
		stateTimeout:  120 * time.Second,
		recoverWait:   10 * time.Second,
		pipTarget:     DefaultPipTarget,
		pipTimeout:    600 * time.Second,
		toolTimeout:   600 * time.Second,
		maxOutput:     1 << 20, // 1MB
		render:        chart.Render,
		logger:        nopLogger,
	}
}

// WithSoftInterrupt sets the default delay before a running execution is
// interrupted in place. Zero or negative disables it. Default: 30s.
func WithSoftInterrupt(d time.Duration) Option {
	return func(c *config) { c.softInterrupt = d }
}

// WithHardTimeout sets how long the runtime may stay silent before the
// execution is interrupted and fails with ErrHardTimeout. Default: 40s.
func WithHardTimeout(d time.Duration) Option {
	return func(c *config) { c.hardTimeout = d }
}

// WithReadyTimeout bounds runtime startup. Default: 30s.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) { c.readyTimeout = d }
}

// WithRecoverWait bounds how long a stalled runtime has to answer after
// being interrupted. A runtime that stays silent is killed. Default: 10s.
func WithRecoverWait(d time.Duration) Option {
	return func(c *config) { c.recoverWait = d }
}

// WithStateTimeout bounds state save and restore. Default: 120s.
func WithStateTimeout(d time.Duration) Option {
	return func(c *config) { c.stateTimeout = d }
}

// WithPipTarget sets the package manager used for rewritten pip commands.
// Default: "uv pip".
func WithPipTarget(target string) Option {
	return func(c *config) { c.pipTarget = target }
}

// WithPipTimeout sets the timeout for code that installs packages. Default: 600s.
func WithPipTimeout(d time.Duration) Option {
	return func(c *config) { c.pipTimeout = d }
}

// WithToolTimeout sets the timeout tool stubs use for router calls. Default: 600s.
func WithToolTimeout(d time.Duration) Option {
	return func(c *config) { c.toolTimeout = d }
}

// WithMaxOutput caps the textual output of one execution in bytes. Default: 1MB.
func WithMaxOutput(n int) Option {
	return func(c *config) { c.maxOutput = n }
}

// WithDriverEnv adds KEY=VALUE pairs to the driver environment.
func WithDriverEnv(env ...string) Option {
	return func(c *config) { c.env = append(c.env, env...) }
}

// WithChartRenderer replaces the chart rasterizer. nil disables rendering.
func WithChartRenderer(r ChartRenderer) Option {
	return func(c *config) { c.render = r }
}

// WithArtifactStore uploads image artifacts and records their ids.
func WithArtifactStore(s ArtifactStore) Option {
	return func(c *config) { c.artifacts = s }
}

// WithLogger sets a structured logger for the kernel.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
