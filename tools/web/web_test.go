package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nevindra/repl"
)

func fetch(t *testing.T, args map[string]any) (fetchResult, repl.ToolResult) {
	t.Helper()
	raw, _ := json.Marshal(args)
	result, err := New().Execute(context.Background(), "fetch_url", raw)
	if err != nil {
		t.Fatal(err)
	}
	var res fetchResult
	if result.Error == "" {
		if err := json.Unmarshal([]byte(result.Content), &res); err != nil {
			t.Fatalf("decode content: %v", err)
		}
	}
	return res, result
}

func TestFetchBasic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><title>T</title></head><body><p>Hello from test server</p></body></html>"))
	}))
	defer srv.Close()

	res, result := fetch(t, map[string]any{"url": srv.URL})
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if !strings.Contains(res.Text, "Hello from test server") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestFetchPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("  just text  "))
	}))
	defer srv.Close()

	res, _ := fetch(t, map[string]any{"url": srv.URL})
	if res.Text != "just text" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestFetch404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	_, result := fetch(t, map[string]any{"url": srv.URL})
	if !strings.Contains(result.Error, "404") {
		t.Errorf("error = %q", result.Error)
	}

	_, _, err := New().Fetch(context.Background(), srv.URL)
	var httpErr *repl.ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 404 {
		t.Errorf("Fetch err = %v", err)
	}
}

func TestFetchTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("A", 100)))
	}))
	defer srv.Close()

	res, _ := fetch(t, map[string]any{"url": srv.URL, "max_chars": 10})
	if len(res.Text) != 10 || !res.Truncated {
		t.Errorf("res = %+v", res)
	}
}

func TestFetchInvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "not a url", "http://"} {
		_, result := fetch(t, map[string]any{"url": u})
		if result.Error == "" {
			t.Errorf("url %q: expected error", u)
		}
	}
}

func TestStripHTML(t *testing.T) {
	doc := `<html><head><style>p{}</style><script>var x=1;</script></head>
<body><h1>Title</h1><p>First   paragraph</p><div>Second</div></body></html>`
	got := stripHTML(doc)
	want := "Title\nFirst paragraph\nSecond"
	if got != want {
		t.Errorf("stripHTML = %q, want %q", got, want)
	}
}

func TestDefinitions(t *testing.T) {
	defs := New().Definitions()
	if len(defs) != 1 || defs[0].Name != "fetch_url" {
		t.Fatalf("defs = %+v", defs)
	}
	var schema struct {
		Required []string `json:"required"`
	}
	json.Unmarshal(defs[0].Parameters, &schema)
	if len(schema.Required) != 1 || schema.Required[0] != "url" {
		t.Errorf("required = %v", schema.Required)
	}
}
