package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore stores artifacts as files in one directory.
type LocalStore struct {
	dir string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Put writes data to a temp file and renames it into place.
func (s *LocalStore) Put(_ context.Context, name, _ string, data []byte) (string, error) {
	if !validID(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	final := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return name, nil
}

func (s *LocalStore) Get(_ context.Context, id string) (io.ReadCloser, string, error) {
	if !validID(id) {
		return nil, "", ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, id))
	if os.IsNotExist(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("open artifact: %w", err)
	}
	return f, mimeFor(id), nil
}
