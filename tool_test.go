package repl

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type mockTool struct{}

func (m mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

type otherGreet struct{}

func (otherGreet) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet"}, {Name: "wave"}}
}

func (otherGreet) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "other " + name}, nil
}

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(mockTool{})

	defs := reg.AllDefinitions()
	if len(defs) != 1 || defs[0].Name != "greet" {
		t.Fatalf("expected 1 definition 'greet', got %v", defs)
	}

	res, err := reg.Execute(context.Background(), "greet", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello from greet" {
		t.Errorf("expected 'hello from greet', got %q", res.Content)
	}

	_, err = reg.Execute(context.Background(), "nonexistent", nil)
	var nf *ToolNotFoundError
	if !errors.As(err, &nf) || nf.Tool != "nonexistent" {
		t.Errorf("expected ToolNotFoundError, got %v", err)
	}
}

func TestToolRegistryFirstNameWins(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(mockTool{})
	skipped := reg.Add(otherGreet{})
	if len(skipped) != 1 || skipped[0] != "greet" {
		t.Fatalf("skipped = %v, want [greet]", skipped)
	}

	res, _ := reg.Execute(context.Background(), "greet", nil)
	if res.Content != "hello from greet" {
		t.Errorf("greet served by %q, want first registration", res.Content)
	}
	res, _ = reg.Execute(context.Background(), "wave", nil)
	if res.Content != "other wave" {
		t.Errorf("wave = %q", res.Content)
	}

	defs := reg.AllDefinitions()
	if len(defs) != 2 {
		t.Errorf("expected 2 unique definitions, got %d", len(defs))
	}
}

func TestArtifactRaster(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	tests := []struct {
		name string
		a    Artifact
		mime string
		ok   bool
	}{
		{"chart", Artifact{Type: "application/vnd.plotly.v1+json", Data: []byte("{}"), Image: png}, "image/png", true},
		{"png", Artifact{Type: "image/png", Data: png}, "image/png", true},
		{"html", Artifact{Type: "text/html", Data: []byte("<b>x</b>")}, "", false},
	}
	for _, tt := range tests {
		_, mime, ok := tt.a.Raster()
		if mime != tt.mime || ok != tt.ok {
			t.Errorf("%s: Raster() = %q, %v; want %q, %v", tt.name, mime, ok, tt.mime, tt.ok)
		}
	}
}

func TestOriginString(t *testing.T) {
	if OriginSandbox.String() != "sandbox" || OriginOrchestrator.String() != "orchestrator" {
		t.Errorf("unexpected origin names %q %q", OriginSandbox, OriginOrchestrator)
	}
}
