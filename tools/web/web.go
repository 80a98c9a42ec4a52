// Package web provides the fetch_url tool.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/router"
)

const (
	defaultMaxChars = 8000
	maxBody         = 1 << 20
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// Option configures a Tool.
type Option func(*Tool)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates a Tool with a 15-second timeout.
func New(opts ...Option) *Tool {
	t := &Tool{client: &http.Client{Timeout: 15 * time.Second}}
	for _, o := range opts {
		o(t)
	}
	return t
}

type fetchArgs struct {
	URL      string `json:"url" jsonschema:"description=Absolute http or https URL to fetch"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters to return (default 8000),minimum=1"`
}

type fetchResult struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (t *Tool) Definitions() []repl.ToolDefinition {
	return []repl.ToolDefinition{{
		Name:        "fetch_url",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  router.Params(&fetchArgs{}),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (repl.ToolResult, error) {
	var params fetchArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	limit := params.MaxChars
	if limit <= 0 {
		limit = defaultMaxChars
	}

	title, text, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return repl.ToolResult{Error: err.Error()}, nil
	}

	res := fetchResult{URL: params.URL, Title: title, Text: text}
	if runes := []rune(text); len(runes) > limit {
		res.Text = string(runes[:limit])
		res.Truncated = true
	}
	out, err := json.Marshal(res)
	if err != nil {
		return repl.ToolResult{}, fmt.Errorf("encode result: %w", err)
	}
	return repl.ToolResult{Content: string(out)}, nil
}

// Fetch downloads a URL and extracts its title and readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (title, text string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", "", fmt.Errorf("invalid URL: %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; repl-fetch/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", &repl.ErrHTTP{Status: resp.StatusCode, Body: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", "", fmt.Errorf("read error: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") {
		return "", strings.TrimSpace(string(body)), nil
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.Title, strings.TrimSpace(article.TextContent), nil
	}

	return "", stripHTML(string(body)), nil
}

// stripHTML returns the visible text of an HTML document, one block per line.
func stripHTML(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapse(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skip++
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func collapse(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
