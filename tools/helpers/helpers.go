// Package helpers provides in-process document helpers that are always
// bound inside sessions but hidden from tool listings.
package helpers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/router"
)

const maxPDF = 32 << 20

// Tool serves markdown_to_html, markdown_outline and pdf_text.
type Tool struct {
	md goldmark.Markdown
}

// New creates the helper tool set.
func New() *Tool {
	return &Tool{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

type markdownArgs struct {
	Markdown string `json:"markdown" jsonschema:"description=Markdown source"`
}

type pdfArgs struct {
	Data     string `json:"data" jsonschema:"description=Base64-encoded PDF document"`
	MaxPages int    `json:"max_pages,omitempty" jsonschema:"description=Stop after this many pages,minimum=1"`
}

// Heading is one entry of a markdown outline.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Page is the text of one PDF page.
type Page struct {
	Number int    `json:"page"`
	Text   string `json:"text"`
}

func (t *Tool) Definitions() []repl.ToolDefinition {
	return []repl.ToolDefinition{
		{
			Name:        "markdown_to_html",
			Description: "Render GitHub-flavoured Markdown to HTML.",
			Parameters:  router.Params(&markdownArgs{}),
			Helper:      true,
		},
		{
			Name:        "markdown_outline",
			Description: "List the headings of a Markdown document with their levels.",
			Parameters:  router.Params(&markdownArgs{}),
			Helper:      true,
		},
		{
			Name:        "pdf_text",
			Description: "Extract plain text from a PDF document, page by page.",
			Parameters:  router.Params(&pdfArgs{}),
			Helper:      true,
		},
	}
}

func (t *Tool) Execute(_ context.Context, name string, args json.RawMessage) (repl.ToolResult, error) {
	var (
		out any
		err error
	)
	switch name {
	case "markdown_to_html":
		var p markdownArgs
		if err := json.Unmarshal(args, &p); err != nil {
			return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		var rendered string
		if rendered, err = t.ToHTML(p.Markdown); err == nil {
			return repl.ToolResult{Content: rendered}, nil
		}
	case "markdown_outline":
		var p markdownArgs
		if err := json.Unmarshal(args, &p); err != nil {
			return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		out = t.Outline(p.Markdown)
	case "pdf_text":
		var p pdfArgs
		if err := json.Unmarshal(args, &p); err != nil {
			return repl.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		data, decErr := base64.StdEncoding.DecodeString(p.Data)
		if decErr != nil {
			return repl.ToolResult{Error: "data is not valid base64: " + decErr.Error()}, nil
		}
		out, err = PDFText(data, p.MaxPages)
	default:
		return repl.ToolResult{Error: "unknown helper: " + name}, nil
	}
	if err != nil {
		return repl.ToolResult{Error: err.Error()}, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return repl.ToolResult{}, fmt.Errorf("encode result: %w", err)
	}
	return repl.ToolResult{Content: string(b)}, nil
}

// ToHTML renders markdown to HTML.
func (t *Tool) ToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// Outline returns the headings of md in document order.
func (t *Tool) Outline(md string) []Heading {
	source := []byte(md)
	doc := t.md.Parser().Parse(text.NewReader(source))
	headings := []Heading{}
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, ok := n.(*ast.Heading)
		if !ok || !entering {
			return ast.WalkContinue, nil
		}
		headings = append(headings, Heading{Level: h.Level, Text: nodeText(h, source)})
		return ast.WalkSkipChildren, nil
	})
	return headings
}

func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
			continue
		}
		b.WriteString(nodeText(c, source))
	}
	return b.String()
}

// PDFText extracts the text of each readable page. maxPages <= 0 reads all pages.
func PDFText(content []byte, maxPages int) ([]Page, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty PDF content")
	}
	if len(content) > maxPDF {
		return nil, fmt.Errorf("PDF too large: %d bytes", len(content))
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := []Page{}
	for i := 1; i <= r.NumPage(); i++ {
		if maxPages > 0 && len(pages) >= maxPages {
			break
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue // skip unreadable pages
		}
		if pageText = strings.TrimSpace(pageText); pageText == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: pageText})
	}
	return pages, nil
}
