//go:build !windows

package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// LocalLauncher runs the driver as a local child process in its own process
// group, so interrupts and kills reach shell commands it started.
type LocalLauncher struct {
	python  string
	workDir string
	env     []string
	grace   time.Duration
}

// LocalOption configures a LocalLauncher.
type LocalOption func(*LocalLauncher)

// WithWorkDir sets the working directory of the driver. Default: the state directory.
func WithWorkDir(dir string) LocalOption {
	return func(l *LocalLauncher) { l.workDir = dir }
}

// WithEnv adds KEY=VALUE pairs to the driver environment.
func WithEnv(env ...string) LocalOption {
	return func(l *LocalLauncher) { l.env = append(l.env, env...) }
}

// WithKillGrace sets how long Kill waits for a clean exit before SIGKILL. Default: 2s.
func WithKillGrace(d time.Duration) LocalOption {
	return func(l *LocalLauncher) { l.grace = d }
}

// NewLocalLauncher creates a launcher that runs drivers with the given Python binary.
func NewLocalLauncher(python string, opts ...LocalOption) *LocalLauncher {
	if python == "" {
		python = "python3"
	}
	l := &LocalLauncher{python: python, grace: 2 * time.Second}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Launch starts a driver process. The process is not bound to ctx: it lives
// until Kill or until it exits on its own.
func (l *LocalLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.StateDir != "" {
		if err := os.MkdirAll(spec.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	cmd := exec.Command(l.python, "-u", "-c", driverSource)
	cmd.Dir = l.workDir
	if cmd.Dir == "" {
		cmd.Dir = spec.StateDir
	}
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "MPLBACKEND=Agg")
	cmd.Env = append(cmd.Env, l.env...)
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Background children may keep the pipes open after the driver exits.
	cmd.WaitDelay = l.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.python, err)
	}

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		grace:  l.grace,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		outW.Close()
		errW.Close()
		p.err = err
		close(p.done)
	}()
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	grace  time.Duration

	done     chan struct{}
	err      error
	killOnce sync.Once
}

func (p *localProcess) Stdin() io.WriteCloser   { return p.stdin }
func (p *localProcess) Stdout() io.Reader       { return p.stdout }
func (p *localProcess) Stderr() io.Reader       { return p.stderr }
func (p *localProcess) Done() <-chan struct{}   { return p.done }
func (p *localProcess) Path(host string) string { return host }

func (p *localProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *localProcess) Interrupt() error {
	return p.signal(syscall.SIGINT)
}

// Kill closes stdin so the driver exits cleanly, then kills the whole
// process group if it is still alive after the grace period.
func (p *localProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		p.stdin.Close()
		select {
		case <-p.done:
			return
		case <-time.After(p.grace):
		}
		err = p.signal(syscall.SIGKILL)
		<-p.done
	})
	return err
}

// signal delivers sig to the driver's process group, ignoring processes that already exited.
func (p *localProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
