// Package artifact stores images produced by code executions so they can be
// referenced by id and fetched later.
package artifact

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("artifact not found")

// Store keeps artifact bytes under caller-chosen names.
type Store interface {
	// Put stores data and returns the artifact id.
	Put(ctx context.Context, name, mimeType string, data []byte) (string, error)
	// Get opens the artifact and returns its MIME type.
	Get(ctx context.Context, id string) (io.ReadCloser, string, error)
}

// validID reports whether id is a plain object name without path elements.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && path.Base(id) == id
}

// mimeFor guesses the MIME type from the id's extension.
func mimeFor(id string) string {
	if t := mime.TypeByExtension(path.Ext(id)); t != "" {
		return t
	}
	return "application/octet-stream"
}
