package kernel

import (
	"context"
	"errors"
	"time"
)

// LocalLauncher is unavailable on Windows; use DockerLauncher.
type LocalLauncher struct{}

// LocalOption configures a LocalLauncher.
type LocalOption func(*LocalLauncher)

func WithWorkDir(string) LocalOption          { return func(*LocalLauncher) {} }
func WithEnv(...string) LocalOption           { return func(*LocalLauncher) {} }
func WithKillGrace(time.Duration) LocalOption { return func(*LocalLauncher) {} }

func NewLocalLauncher(string, ...LocalOption) *LocalLauncher { return &LocalLauncher{} }

func (*LocalLauncher) Launch(context.Context, LaunchSpec) (Process, error) {
	return nil, errors.New("local launcher: process groups are not supported on windows")
}
