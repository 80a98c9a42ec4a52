// Package attachments exposes the files attached to a conversation, as
// listed in the call state's file_ids, to code running in a session.
package attachments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/artifact"
	"github.com/nevindra/repl/router"
)

// StateKey is the state field listing the attachment ids visible to a call.
const StateKey = "file_ids"

const maxAttachment = 16 << 20

// Tool serves list_attachments and get_attachment.
type Tool struct {
	store artifact.Store
}

// New creates the attachment tools over an artifact store.
func New(store artifact.Store) *Tool {
	return &Tool{store: store}
}

type listArgs struct{}

type getArgs struct {
	FileID string `json:"file_id" jsonschema:"description=Attachment id from list_attachments"`
}

type injected struct {
	FileIDs []string `json:"file_ids"`
}

// Info describes one attachment.
type Info struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	Missing  bool   `json:"missing,omitempty"`
}

// File is an attachment with its content.
type File struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
	Data     string `json:"data"`
}

func (t *Tool) Definitions() []repl.ToolDefinition {
	inject := map[string]string{StateKey: StateKey}
	return []repl.ToolDefinition{
		{
			Name:        "list_attachments",
			Description: "List the files and images attached to the conversation.",
			Parameters:  router.Params(&listArgs{}),
			Inject:      inject,
		},
		{
			Name:        "get_attachment",
			Description: "Fetch one attachment. Returns its MIME type and base64-encoded content.",
			Parameters:  router.Params(&getArgs{}),
			Inject:      inject,
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (repl.ToolResult, error) {
	var in injected
	if err := json.Unmarshal(args, &in); err != nil {
		return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	var out any
	switch name {
	case "list_attachments":
		out = t.list(ctx, in.FileIDs)
	case "get_attachment":
		var p getArgs
		if err := json.Unmarshal(args, &p); err != nil {
			return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		id := strings.TrimPrefix(strings.TrimSpace(p.FileID), "artifact:")
		if !slices.Contains(in.FileIDs, id) {
			return repl.ToolResult{Error: fmt.Sprintf("attachment %s not found", id)}, nil
		}
		f, err := t.get(ctx, id)
		if err != nil {
			return repl.ToolResult{Error: err.Error()}, nil
		}
		out = f
	default:
		return repl.ToolResult{Error: "unknown tool: " + name}, nil
	}

	b, err := json.Marshal(out)
	if err != nil {
		return repl.ToolResult{}, fmt.Errorf("encode result: %w", err)
	}
	return repl.ToolResult{Content: string(b)}, nil
}

func (t *Tool) list(ctx context.Context, ids []string) []Info {
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		rc, mimeType, err := t.store.Get(ctx, id)
		if err != nil {
			out = append(out, Info{FileID: id, Missing: true})
			continue
		}
		rc.Close()
		out = append(out, Info{FileID: id, MimeType: mimeType})
	}
	return out
}

func (t *Tool) get(ctx context.Context, id string) (File, error) {
	rc, mimeType, err := t.store.Get(ctx, id)
	if errors.Is(err, artifact.ErrNotFound) {
		return File{}, fmt.Errorf("attachment %s not found", id)
	}
	if err != nil {
		return File{}, fmt.Errorf("read attachment %s: %w", id, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxAttachment+1))
	if err != nil {
		return File{}, fmt.Errorf("read attachment %s: %w", id, err)
	}
	if len(data) > maxAttachment {
		return File{}, fmt.Errorf("attachment %s is larger than %d bytes", id, maxAttachment)
	}
	return File{
		FileID:   id,
		MimeType: mimeType,
		Size:     len(data),
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}
