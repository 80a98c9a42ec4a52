package kernel

import (
	"context"
	_ "embed"
	"io"
)

//go:embed driver.py
var driverSource string

// DriverSource returns the Python driver run by every session runtime.
func DriverSource() string { return driverSource }

// LaunchSpec describes one runtime to start.
type LaunchSpec struct {
	SessionID string
	// StateDir is the host directory holding session state files.
	StateDir string
	// Env holds extra KEY=VALUE pairs for the driver.
	Env []string
}

// Process is a running session driver.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Interrupt asks the driver to abort the running request in place.
	Interrupt() error
	// Kill terminates the runtime and releases its resources.
	Kill() error
	// Done is closed when the runtime exits.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
	// Path maps a host path under the state directory to the path the driver sees.
	Path(host string) string
}

// Launcher starts session drivers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}
