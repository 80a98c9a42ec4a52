// Package bridge defines the wire protocol between tool stubs inside a
// session and the tool router, and a Go client speaking it.
//
// A stub call is a POST to {router}/{tool} with a Request body. The router
// answers 200 with a Response, 404 with an ErrorPayload for unknown tools,
// and 500 with an ErrorPayload for validation and execution failures.
package bridge

import (
	"encoding/json"
	"sort"

	"github.com/nevindra/repl"
)

// HistoryKey is the state field holding the conversation history. It is
// never forwarded to tools.
const HistoryKey = "messages"

// Request is the body of a stub call.
type Request struct {
	Kwargs json.RawMessage `json:"kwargs"`
	State  map[string]any  `json:"state,omitempty"`
}

// Response is the body of a successful call.
type Response struct {
	Data json.RawMessage `json:"data"`
}

// ErrorPayload is the body of a failed call.
type ErrorPayload struct {
	Error  string          `json:"error"`
	Code   string          `json:"code"`
	Tool   string          `json:"tool"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Snapshot returns a shallow copy of state without the conversation history.
func Snapshot(state map[string]any) map[string]any {
	if len(state) == 0 {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		if k == HistoryKey {
			continue
		}
		out[k] = v
	}
	return out
}

// NewBinding builds the tool binding of a session: the sorted, deduplicated
// tool names and the state snapshot forwarded with every call.
func NewBinding(routerURL string, tools []string, state map[string]any) repl.ToolBinding {
	seen := make(map[string]bool, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		names = append(names, t)
	}
	sort.Strings(names)
	return repl.ToolBinding{RouterURL: routerURL, Tools: names, State: Snapshot(state)}
}

// ContentData converts tool output to the data field of a Response: JSON
// text is passed through, anything else is encoded as a JSON string.
func ContentData(content string) json.RawMessage {
	if content != "" && json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	b, _ := json.Marshal(content)
	return b
}
