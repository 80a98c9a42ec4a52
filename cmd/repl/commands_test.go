package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nevindra/repl/mcp"
)

func TestMCPSessionTools(t *testing.T) {
	env := newTestEnv(t, echo)
	env.post(t, "/code", `{"kernel_id":"k","script":"1"}`)

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_sessions","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"close_session","arguments":{"kernel_id":"k"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"close_session","arguments":{"kernel_id":"k"}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"close_session","arguments":{}}}`,
	}, "\n") + "\n"
	var out bytes.Buffer
	srv := mcp.New("repl", "test", mcp.WithIO(strings.NewReader(in), &out))
	for _, h := range sessionTools(env.store) {
		srv.AddTool(h)
	}
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	type callResult struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
		Tools   []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	results := map[int]callResult{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp struct {
			ID     int        `json:"id"`
			Result callResult `json:"result"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("bad response %q: %v", scanner.Text(), err)
		}
		results[resp.ID] = resp.Result
	}

	var names []string
	for _, tool := range results[1].Tools {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); got != "list_sessions,close_session" {
		t.Errorf("tools = %q", got)
	}

	listed := results[2]
	if listed.IsError || len(listed.Content) != 1 || !strings.Contains(listed.Content[0].Text, `"id":"k"`) {
		t.Errorf("list_sessions = %+v", listed)
	}

	closed := results[3]
	if closed.IsError || !strings.Contains(closed.Content[0].Text, `"completed":true`) {
		t.Errorf("close_session = %+v", closed)
	}
	if env.store.Len() != 0 {
		t.Errorf("session still live: %v", env.store.List())
	}

	if again := results[4]; !again.IsError || !strings.Contains(again.Content[0].Text, "not found") {
		t.Errorf("second close_session = %+v", again)
	}
	if missing := results[5]; !missing.IsError || !strings.Contains(missing.Content[0].Text, "kernel_id is required") {
		t.Errorf("close_session without id = %+v", missing)
	}
}
