package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/repl/mcp"
)

type Config struct {
	Server   ServerConfig       `toml:"server"`
	Session  SessionConfig      `toml:"session"`
	Kernel   KernelConfig       `toml:"kernel"`
	Router   RouterConfig       `toml:"router"`
	Ledger   LedgerConfig       `toml:"ledger"`
	Artifact ArtifactConfig     `toml:"artifact"`
	Log      LogConfig          `toml:"log"`
	Observer ObserverConfig     `toml:"observer"`
	MCP      []mcp.ServerConfig `toml:"mcp"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type SessionConfig struct {
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	StateDir        string   `toml:"state_dir"`
	SoftInterrupt   Duration `toml:"soft_interrupt"`
	HardTimeout     Duration `toml:"hard_timeout"`
}

type KernelConfig struct {
	Backend   string `toml:"backend"` // "local" or "docker"
	Python    string `toml:"python"`
	Image     string `toml:"image"`
	PipTarget string `toml:"pip_target"`
	Memory    string `toml:"memory"` // docker only, e.g. "512m"
	WorkDir   string `toml:"work_dir"`
}

type RouterConfig struct {
	Addr        string `toml:"addr"`
	URL         string `toml:"url"`
	ResultLimit int    `toml:"result_limit"`
}

type LedgerConfig struct {
	Driver string `toml:"driver"` // "", "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

type ArtifactConfig struct {
	Backend string   `toml:"backend"` // "", "local" or "s3"
	Dir     string   `toml:"dir"`
	S3      S3Config `toml:"s3"`
}

type S3Config struct {
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint"`
	Prefix       string `toml:"prefix"`
	UsePathStyle bool   `toml:"use_path_style"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Duration is a time.Duration that decodes from a Go duration string
// ("90s", "5m") or a bare number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML strings.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalTOML accepts integer and float seconds as well as strings.
func (d *Duration) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		d.Duration = time.Duration(x) * time.Second
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		return d.UnmarshalText([]byte(x))
	default:
		return fmt.Errorf("config: invalid duration %v", v)
	}
	return nil
}

// ParseDuration parses a Go duration string or a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("config: negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: negative duration %q", s)
	}
	return d, nil
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Session: SessionConfig{
			IdleTimeout:     Duration{300 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
			StateDir:        "/tmp/repl-state",
			SoftInterrupt:   Duration{30 * time.Second},
			HardTimeout:     Duration{40 * time.Second},
		},
		Kernel: KernelConfig{
			Backend:   "local",
			Python:    "python3",
			Image:     "python:3.12-slim",
			PipTarget: "uv pip",
		},
		Router: RouterConfig{Addr: "127.0.0.1:8081", ResultLimit: 40000},
		Log:    LogConfig{Level: "info", Format: "text"},
		Observer: ObserverConfig{
			ServiceName: "repl",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "repl.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	durations := []struct {
		keys []string
		dst  *Duration
	}{
		{[]string{"REPL_IDLE_TIMEOUT", "MAX_KERNEL_LIVE"}, &cfg.Session.IdleTimeout},
		{[]string{"REPL_SOFT_INTERRUPT"}, &cfg.Session.SoftInterrupt},
		{[]string{"REPL_HARD_TIMEOUT"}, &cfg.Session.HardTimeout},
	}
	for _, d := range durations {
		key, v := lookup(d.keys...)
		if v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		d.dst.Duration = parsed
	}

	strs := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"REPL_STATE_DIR", "STATE_DIR"}, &cfg.Session.StateDir},
		{[]string{"REPL_PIP_TARGET"}, &cfg.Kernel.PipTarget},
		{[]string{"REPL_ADDR"}, &cfg.Server.Addr},
		{[]string{"REPL_ROUTER_ADDR"}, &cfg.Router.Addr},
		{[]string{"REPL_ROUTER_URL"}, &cfg.Router.URL},
		{[]string{"REPL_BACKEND"}, &cfg.Kernel.Backend},
		{[]string{"REPL_IMAGE"}, &cfg.Kernel.Image},
		{[]string{"REPL_PYTHON"}, &cfg.Kernel.Python},
		{[]string{"REPL_LEDGER_DRIVER"}, &cfg.Ledger.Driver},
		{[]string{"REPL_LEDGER_DSN"}, &cfg.Ledger.DSN},
		{[]string{"REPL_ARTIFACT_BACKEND"}, &cfg.Artifact.Backend},
		{[]string{"REPL_ARTIFACT_DIR"}, &cfg.Artifact.Dir},
		{[]string{"REPL_S3_BUCKET"}, &cfg.Artifact.S3.Bucket},
		{[]string{"REPL_S3_REGION"}, &cfg.Artifact.S3.Region},
		{[]string{"REPL_S3_ENDPOINT"}, &cfg.Artifact.S3.Endpoint},
		{[]string{"REPL_LOG_LEVEL"}, &cfg.Log.Level},
	}
	for _, s := range strs {
		if _, v := lookup(s.keys...); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("REPL_OTEL_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	return nil
}

// lookup returns the first non-empty variable among keys.
func lookup(keys ...string) (string, string) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return k, v
		}
	}
	return "", ""
}

// RouterURL is the address sandboxed code uses to reach the router.
// It defaults to http:// plus the router listen address.
func (c Config) RouterURL() string {
	if c.Router.URL != "" {
		return strings.TrimRight(c.Router.URL, "/")
	}
	addr := c.Router.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
