package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nevindra/repl"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "router", "mcp", "call", "tools", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "repl dev") {
		t.Errorf("version = %q", out.String())
	}
}

func TestParseState(t *testing.T) {
	st, err := parseState(`{"kernel_id":"k1"}`)
	if err != nil || st["kernel_id"] != "k1" {
		t.Errorf("parseState = %v, %v", st, err)
	}
	if st, err := parseState(""); err != nil || st != nil {
		t.Errorf("empty = %v, %v", st, err)
	}
	if _, err := parseState("[1]"); err == nil {
		t.Error("expected error for non-object state")
	}
}

func TestWriteTools(t *testing.T) {
	var out bytes.Buffer
	writeTools(&out, []repl.ToolDefinition{
		{Name: "fetch_url", Description: "Fetch a URL."},
		{Name: "run_session", Description: "Run code.", Composite: true},
	})
	want := "fetch_url\n    Fetch a URL.\nrun_session [composite]\n    Run code.\n"
	if out.String() != want {
		t.Errorf("writeTools = %q", out.String())
	}
}

func TestPrintJSON(t *testing.T) {
	var out bytes.Buffer
	printJSON(&out, []byte(`{"a":1}`))
	if out.String() != "{\n  \"a\": 1\n}\n" {
		t.Errorf("printJSON = %q", out.String())
	}
}
