package kernel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/repl"
)

// MIME types the decoder treats specially.
const (
	MIMEPlotly = "application/vnd.plotly.v1+json"
	MIMEPNG    = "image/png"
	MIMEJPEG   = "image/jpeg"
	MIMESVG    = "image/svg+xml"
	MIMEText   = "text/plain"
	MIMEJSON   = "application/json"
)

const interruptGuidance = "The code took too long and was interrupted. " +
	"Simplify it, split the work into smaller steps, or use a more efficient approach, then try again."

// Message is one event emitted by the session driver.
type Message struct {
	Parent  string          `json:"parent"`
	Type    string          `json:"msg_type"`
	Content json.RawMessage `json:"content"`
}

type statusContent struct {
	State string `json:"execution_state"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type dataContent struct {
	Data map[string]json.RawMessage `json:"data"`
}

type errorContent struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ChartRenderer rasterizes a chart description into PNG bytes.
type ChartRenderer func(spec []byte) ([]byte, error)

// Decoder folds the messages of one request into an ExecutionResult.
// Messages whose parent is not the request id are ignored.
type Decoder struct {
	parent string
	render ChartRenderer

	stream      strings.Builder
	final       string
	notes       []string
	isError     bool
	errName     string
	errText     string
	interrupted bool
	artifacts   []repl.Artifact
	value       json.RawMessage
	done        bool
}

// NewDecoder creates a decoder for the request with the given id.
// render may be nil, in which case chart artifacts carry no raster image.
func NewDecoder(parent string, render ChartRenderer) *Decoder {
	return &Decoder{parent: parent, render: render}
}

// Feed consumes one message and reports whether the request is finished.
func (d *Decoder) Feed(m Message) bool {
	if d.done {
		return true
	}
	if m.Parent != d.parent {
		return false
	}

	switch m.Type {
	case "status":
		var c statusContent
		if json.Unmarshal(m.Content, &c) == nil && c.State == "idle" {
			d.done = true
		}

	case "stream":
		var c streamContent
		if json.Unmarshal(m.Content, &c) == nil {
			d.stream.WriteString(c.Text)
		}

	case "execute_result":
		var c dataContent
		if json.Unmarshal(m.Content, &c) != nil {
			return false
		}
		if raw, ok := c.Data[MIMEJSON]; ok {
			d.value = raw
		}
		if text, ok := stringField(c.Data, MIMEText); ok {
			d.final = text
		}
		d.addDisplay(c.Data, false)

	case "display_data":
		var c dataContent
		if json.Unmarshal(m.Content, &c) != nil {
			return false
		}
		d.addDisplay(c.Data, true)

	case "error":
		var c errorContent
		if json.Unmarshal(m.Content, &c) != nil {
			return false
		}
		d.isError = true
		d.errName = c.Name
		if c.Name == "KeyboardInterrupt" {
			d.interrupted = true
		}
		tb := strings.Join(c.Traceback, "")
		if strings.TrimSpace(tb) == "" {
			tb = fmt.Sprintf("%s: %s", c.Name, c.Value)
		}
		d.errText = CleanTraceback(tb)
	}
	return d.done
}

// addDisplay turns a MIME bundle into at most one artifact. Bundles without
// a rich representation contribute their text when textFallback is set.
func (d *Decoder) addDisplay(data map[string]json.RawMessage, textFallback bool) {
	if raw, ok := data[MIMEPlotly]; ok {
		a := repl.Artifact{Type: MIMEPlotly, Data: []byte(raw)}
		note := "A chart was generated and attached to the result."
		if d.render != nil {
			img, err := d.render(raw)
			if err != nil {
				note = fmt.Sprintf("A chart was generated but could not be rendered: %v", err)
			} else {
				a.Image = img
			}
		}
		d.artifacts = append(d.artifacts, a)
		d.notes = append(d.notes, note)
		return
	}

	for _, mime := range []string{MIMEPNG, MIMEJPEG} {
		encoded, ok := stringField(data, mime)
		if !ok {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			d.notes = append(d.notes, fmt.Sprintf("An image was produced but its payload was invalid: %v", err))
			return
		}
		d.artifacts = append(d.artifacts, repl.Artifact{Type: mime, Data: payload})
		d.notes = append(d.notes, "An image was generated and attached to the result.")
		return
	}

	if svg, ok := stringField(data, MIMESVG); ok {
		d.artifacts = append(d.artifacts, repl.Artifact{Type: MIMESVG, Data: []byte(svg)})
		d.notes = append(d.notes, "An image was generated and attached to the result.")
		return
	}

	if textFallback {
		if text, ok := stringField(data, MIMEText); ok {
			d.stream.WriteString(text)
			if !strings.HasSuffix(text, "\n") {
				d.stream.WriteByte('\n')
			}
		}
	}
}

// MarkInterrupted records that the soft interrupt was sent.
func (d *Decoder) MarkInterrupted() { d.interrupted = true }

// Done reports whether the terminating idle status was seen.
func (d *Decoder) Done() bool { return d.done }

// Value returns the application/json payload of the result, if any.
func (d *Decoder) Value() json.RawMessage { return d.value }

// Result returns the accumulated execution result.
func (d *Decoder) Result() repl.ExecutionResult {
	var out strings.Builder
	out.WriteString(d.stream.String())
	out.WriteString(d.final)
	for _, n := range d.notes {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteByte('\n')
		}
		out.WriteString(n)
	}

	res := repl.ExecutionResult{
		Output:      out.String(),
		IsError:     d.isError,
		Error:       d.errText,
		Interrupted: d.interrupted,
		Artifacts:   d.artifacts,
	}
	if d.interrupted {
		res.IsError = true
		if res.Error == "" {
			res.Error = "KeyboardInterrupt"
		}
		res.Error = strings.TrimRight(res.Error, "\n") + "\n" + interruptGuidance
	}
	return res
}

func stringField(data map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := data[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
