package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
)

// containerStateDir is where the host state directory is mounted.
const containerStateDir = "/state"

var containerNameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// DockerLauncher runs each session driver in its own container. The host
// state directory is bind-mounted so state files survive the container.
type DockerLauncher struct {
	cli     *client.Client
	image   string
	python  string
	network string
	memory  int64
	cpus    float64
	env     []string
	grace   time.Duration
	logger  *slog.Logger
}

// DockerOption configures a DockerLauncher.
type DockerOption func(*DockerLauncher)

// WithDockerPython sets the interpreter inside the image. Default: "python3".
func WithDockerPython(bin string) DockerOption {
	return func(l *DockerLauncher) { l.python = bin }
}

// WithNetwork sets the container network mode (e.g. "none", "bridge").
func WithNetwork(mode string) DockerOption {
	return func(l *DockerLauncher) { l.network = mode }
}

// WithMemoryLimit sets the container memory limit in human units ("512m", "2g").
func WithMemoryLimit(limit string) DockerOption {
	return func(l *DockerLauncher) {
		if limit == "" {
			return
		}
		n, err := units.RAMInBytes(limit)
		if err != nil {
			l.logger.Warn("docker launcher: ignoring invalid memory limit", "limit", limit, "error", err)
			return
		}
		l.memory = n
	}
}

// WithCPUs limits the number of CPUs available to the container.
func WithCPUs(n float64) DockerOption {
	return func(l *DockerLauncher) { l.cpus = n }
}

// WithDockerEnv adds KEY=VALUE pairs to the container environment.
func WithDockerEnv(env ...string) DockerOption {
	return func(l *DockerLauncher) { l.env = append(l.env, env...) }
}

// WithDockerLogger sets a structured logger for the launcher.
func WithDockerLogger(logger *slog.Logger) DockerOption {
	return func(l *DockerLauncher) { l.logger = logger }
}

// NewDockerLauncher connects to the Docker daemon configured in the
// environment (DOCKER_HOST and friends).
func NewDockerLauncher(image string, opts ...DockerOption) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	l := &DockerLauncher{
		cli:    cli,
		image:  image,
		python: "python3",
		grace:  2 * time.Second,
		logger: nopLogger,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.cli.Close()
}

// Launch creates, attaches and starts one container for the session.
func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if spec.StateDir == "" {
		return nil, errors.New("docker launcher: state directory is required")
	}
	stateDir, err := filepath.Abs(spec.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}

	env := append([]string{"PYTHONUNBUFFERED=1", "MPLBACKEND=Agg"}, l.env...)
	env = append(env, spec.Env...)

	cfg := &container.Config{
		Image:        l.image,
		Cmd:          []string{l.python, "-u", "-c", driverSource},
		Env:          env,
		WorkingDir:   containerStateDir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{"repl.session": spec.SessionID},
	}
	host := &container.HostConfig{
		Binds:      []string{stateDir + ":" + containerStateDir},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		AutoRemove: true,
		Resources: container.Resources{
			Memory:   l.memory,
			NanoCPUs: int64(l.cpus * 1e9),
		},
	}
	if l.network != "" {
		host.NetworkMode = container.NetworkMode(l.network)
	}

	name := "repl-" + containerNameRe.ReplaceAllString(spec.SessionID, "-")
	created, err := l.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := created.ID

	attach, err := l.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(id)
		return nil, fmt.Errorf("attach container: %w", err)
	}

	// Registered before start so a fast exit is not missed.
	waitCh, waitErrCh := l.cli.ContainerWait(context.Background(), id, container.WaitConditionNextExit)

	if err := l.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(id)
		return nil, fmt.Errorf("start container: %w", err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	p := &dockerProcess{
		launcher: l,
		id:       id,
		stateDir: stateDir,
		stdin:    hijackedStdin{resp: &attach},
		stdout:   outR,
		stderr:   errR,
		done:     make(chan struct{}),
	}
	go func() {
		select {
		case res := <-waitCh:
			if res.Error != nil {
				p.err = errors.New(res.Error.Message)
			} else if res.StatusCode != 0 {
				p.err = fmt.Errorf("container exited with status %d", res.StatusCode)
			}
		case err := <-waitErrCh:
			p.err = err
		}
		attach.Close()
		close(p.done)
	}()

	l.logger.Debug("docker launcher: container started", "session_id", spec.SessionID, "container", id[:12])
	return p, nil
}

func (l *DockerLauncher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		l.logger.Warn("docker launcher: remove container failed", "container", id, "error", err)
	}
}

type dockerProcess struct {
	launcher *DockerLauncher
	id       string
	stateDir string
	stdin    hijackedStdin
	stdout   io.Reader
	stderr   io.Reader

	done     chan struct{}
	err      error
	killOnce sync.Once
}

func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }
func (p *dockerProcess) Done() <-chan struct{} { return p.done }

func (p *dockerProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *dockerProcess) Interrupt() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.launcher.cli.ContainerKill(ctx, p.id, "SIGINT")
}

// Kill closes stdin so the driver exits, then force-removes the container
// if it is still running after the grace period.
func (p *dockerProcess) Kill() error {
	p.killOnce.Do(func() {
		p.stdin.Close()
		select {
		case <-p.done:
			return
		case <-time.After(p.launcher.grace):
		}
		p.launcher.remove(p.id)
	})
	return nil
}

// Path maps host paths under the state directory into the container mount.
func (p *dockerProcess) Path(host string) string {
	abs, err := filepath.Abs(host)
	if err != nil {
		return host
	}
	rel, err := filepath.Rel(p.stateDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return host
	}
	return path.Join(containerStateDir, filepath.ToSlash(rel))
}

// hijackedStdin adapts the attach connection to an io.WriteCloser whose
// Close only half-closes the write side.
type hijackedStdin struct {
	resp *types.HijackedResponse
}

func (h hijackedStdin) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h hijackedStdin) Close() error                { return h.resp.CloseWrite() }
