package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/artifact"
	"github.com/nevindra/repl/internal/config"
	"github.com/nevindra/repl/internal/metrics"
	"github.com/nevindra/repl/kernel"
	"github.com/nevindra/repl/mcp"
	"github.com/nevindra/repl/observer"
	"github.com/nevindra/repl/router"
	"github.com/nevindra/repl/session"
	"github.com/nevindra/repl/store/postgres"
	"github.com/nevindra/repl/store/sqlite"
	"github.com/nevindra/repl/tools/attachments"
	"github.com/nevindra/repl/tools/helpers"
	sessiontools "github.com/nevindra/repl/tools/session"
	"github.com/nevindra/repl/tools/web"
)

// app holds the wired components of one process.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	artifacts artifact.Store
	sessions  *session.Store
	exec      repl.Executor
	router    *router.Router
	closers   []func(context.Context) error
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newApp wires storage, sessions, tools and the router from cfg.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init observer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	if a.artifacts, err = openArtifacts(ctx, cfg.Artifact); err != nil {
		return nil, err
	}

	ledger, err := a.openLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}

	launcher, err := a.newLauncher(cfg.Kernel)
	if err != nil {
		return nil, err
	}

	kopts := []kernel.Option{
		kernel.WithSoftInterrupt(cfg.Session.SoftInterrupt.Duration),
		kernel.WithHardTimeout(cfg.Session.HardTimeout.Duration),
		kernel.WithPipTarget(cfg.Kernel.PipTarget),
		kernel.WithLogger(logger.With("component", "kernel")),
	}
	if a.artifacts != nil {
		kopts = append(kopts, kernel.WithArtifactStore(a.artifacts))
	}

	sopts := []session.Option{
		session.WithStateDir(cfg.Session.StateDir),
		session.WithIdleTimeout(cfg.Session.IdleTimeout.Duration),
		session.WithShutdownTimeout(cfg.Session.ShutdownTimeout.Duration),
		session.WithMetrics(a.metrics),
		session.WithLogger(logger.With("component", "session")),
	}
	if ledger != nil {
		sopts = append(sopts, session.WithLedger(ledger))
	}
	a.sessions = session.New(session.KernelFactory(launcher, kopts...), sopts...)
	a.closers = append(a.closers, a.sessions.Close)

	a.exec = a.sessions
	if inst != nil {
		a.exec = observer.WrapExecutor(a.sessions, inst)
	}

	ropts := []router.Option{
		router.WithResultSink(a.sessions),
		router.WithMetrics(a.metrics),
		router.WithLogger(logger.With("component", "router")),
	}
	if cfg.Router.ResultLimit > 0 {
		ropts = append(ropts, router.WithResultLimit(cfg.Router.ResultLimit))
	}
	a.router = router.New(ropts...)

	routerURL := cfg.RouterURL()
	tools := []repl.Tool{
		web.New(),
		helpers.New(),
		sessiontools.New(a.exec, sessiontools.WithBinding(routerURL, a.sandboxTools)),
	}
	if a.artifacts != nil {
		tools = append(tools, attachments.New(a.artifacts))
	}
	tools = append(tools, a.dialProviders(ctx, cfg.MCP)...)
	a.router.Register(tools...)
	if inst != nil {
		a.router.Use(observer.ObserveCalls(inst, a.router))
	}
	return a, nil
}

// sandboxTools lists every tool a session may call: all non-composite
// tools, helpers included.
func (a *app) sandboxTools() []string {
	var names []string
	for _, d := range a.router.Definitions(true) {
		if !d.Composite {
			names = append(names, d.Name)
		}
	}
	return names
}

// helperTools lists the helper tools bound into every session.
func (a *app) helperTools() []string {
	var names []string
	for _, d := range a.router.Definitions(true) {
		if d.Helper {
			names = append(names, d.Name)
		}
	}
	return names
}

func (a *app) api() *api {
	return &api{
		sessions:  a.sessions,
		exec:      a.exec,
		artifacts: a.artifacts,
		metrics:   a.metrics.Handler(),
		routerURL: a.cfg.RouterURL(),
		helpers:   a.helperTools,
		logger:    a.logger.With("component", "api"),
	}
}

func openArtifacts(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "":
		return nil, nil
	case "local":
		dir := cfg.Dir
		if dir == "" {
			dir = "artifacts"
		}
		return artifact.NewLocalStore(dir)
	case "s3":
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

func (a *app) openLedger(ctx context.Context, cfg config.LedgerConfig) (session.Ledger, error) {
	switch strings.ToLower(cfg.Driver) {
	case "":
		return nil, nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "repl.db"
		}
		s := sqlite.New(dsn, sqlite.WithLogger(a.logger.With("component", "ledger")))
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { s.Close(); return nil })
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func (a *app) newLauncher(cfg config.KernelConfig) (kernel.Launcher, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		var opts []kernel.LocalOption
		if cfg.WorkDir != "" {
			opts = append(opts, kernel.WithWorkDir(cfg.WorkDir))
		}
		return kernel.NewLocalLauncher(cfg.Python, opts...), nil
	case "docker":
		opts := []kernel.DockerOption{kernel.WithDockerLogger(a.logger.With("component", "docker"))}
		if cfg.Python != "" {
			opts = append(opts, kernel.WithDockerPython(cfg.Python))
		}
		if cfg.Memory != "" {
			opts = append(opts, kernel.WithMemoryLimit(cfg.Memory))
		}
		l, err := kernel.NewDockerLauncher(cfg.Image, opts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return l.Close() })
		return l, nil
	default:
		return nil, fmt.Errorf("unknown kernel backend %q", cfg.Backend)
	}
}

// dialProviders starts the configured MCP servers. A server that fails to
// start is logged and skipped.
func (a *app) dialProviders(ctx context.Context, servers []mcp.ServerConfig) []repl.Tool {
	var tools []repl.Tool
	for _, sc := range servers {
		logger := a.logger.With("component", "mcp", "server", sc.ID)
		c, err := mcp.Dial(ctx, sc, mcp.WithClientLogger(logger))
		if err != nil {
			logger.Warn("mcp: server unavailable", "error", err)
			continue
		}
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
		p, err := mcp.NewProvider(ctx, sc.ID, c)
		if err != nil {
			logger.Warn("mcp: list tools failed", "error", err)
			continue
		}
		logger.Info("mcp: provider ready", "tools", len(p.Definitions()))
		tools = append(tools, p)
	}
	return tools
}

// Close releases everything in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
