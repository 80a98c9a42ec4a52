package kernel

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func msg(parent, typ, content string) Message {
	return Message{Parent: parent, Type: typ, Content: json.RawMessage(content)}
}

func TestDecoderStreamAndResult(t *testing.T) {
	d := NewDecoder("r1", nil)
	feed := []Message{
		msg("r1", "status", `{"execution_state":"busy"}`),
		msg("r1", "stream", `{"name":"stdout","text":"a\n"}`),
		msg("r1", "stream", `{"name":"stderr","text":"warn\n"}`),
		msg("r1", "execute_result", `{"data":{"text/plain":"3","application/json":3}}`),
	}
	for _, m := range feed {
		if d.Feed(m) {
			t.Fatalf("finished early on %s", m.Type)
		}
	}
	if !d.Feed(msg("r1", "status", `{"execution_state":"idle"}`)) {
		t.Fatal("idle should finish the request")
	}
	res := d.Result()
	if res.Output != "a\nwarn\n3" {
		t.Errorf("Output = %q", res.Output)
	}
	if string(d.Value()) != "3" {
		t.Errorf("Value = %s", d.Value())
	}
}

func TestDecoderIgnoresOtherParents(t *testing.T) {
	d := NewDecoder("r1", nil)
	if d.Feed(msg("r0", "status", `{"execution_state":"idle"}`)) {
		t.Fatal("idle of another request must not finish this one")
	}
	d.Feed(msg("", "stream", `{"name":"stdout","text":"bg"}`))
	d.Feed(msg("r1", "status", `{"execution_state":"idle"}`))
	if out := d.Result().Output; out != "" {
		t.Errorf("Output = %q, want empty", out)
	}
}

func TestDecoderError(t *testing.T) {
	d := NewDecoder("r1", nil)
	d.Feed(msg("r1", "error", `{"ename":"ValueError","evalue":"bad","traceback":["Traceback (most recent call last):\n","  File \"<cell-1>\", line 1, in <module>\n","ValueError: bad\n"]}`))
	res := d.Result()
	if !res.IsError || res.Interrupted {
		t.Fatalf("flags = %+v", res)
	}
	if !strings.Contains(res.Error, "ValueError: bad") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestDecoderErrorWithoutTraceback(t *testing.T) {
	d := NewDecoder("r1", nil)
	d.Feed(msg("r1", "error", `{"ename":"SyntaxError","evalue":"invalid syntax","traceback":[]}`))
	if got := d.Result().Error; got != "SyntaxError: invalid syntax" {
		t.Errorf("Error = %q", got)
	}
}

func TestDecoderInterrupt(t *testing.T) {
	d := NewDecoder("r1", nil)
	d.Feed(msg("r1", "stream", `{"name":"stdout","text":"step 1\n"}`))
	d.MarkInterrupted()
	d.Feed(msg("r1", "status", `{"execution_state":"idle"}`))

	res := d.Result()
	if !res.Interrupted || !res.IsError {
		t.Fatalf("flags = %+v", res)
	}
	if !strings.HasPrefix(res.Error, "KeyboardInterrupt\n") || !strings.HasSuffix(res.Error, interruptGuidance) {
		t.Errorf("Error = %q", res.Error)
	}
	if res.Output != "step 1\n" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestDecoderKeyboardInterruptError(t *testing.T) {
	d := NewDecoder("r1", nil)
	d.Feed(msg("r1", "error", `{"ename":"KeyboardInterrupt","evalue":"","traceback":["KeyboardInterrupt\n"]}`))
	res := d.Result()
	if !res.Interrupted {
		t.Error("KeyboardInterrupt should mark the result interrupted")
	}
}

func TestDecoderImages(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	encoded := base64.StdEncoding.EncodeToString(png)
	d := NewDecoder("r1", nil)
	d.Feed(msg("r1", "display_data", `{"data":{"image/png":"`+encoded+`\n","text/plain":"<Figure>"}}`))
	d.Feed(msg("r1", "display_data", `{"data":{"image/svg+xml":"<svg/>"}}`))
	d.Feed(msg("r1", "display_data", `{"data":{"text/plain":"just text"}}`))

	res := d.Result()
	if len(res.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(res.Artifacts))
	}
	if res.Artifacts[0].Type != MIMEPNG || string(res.Artifacts[0].Data) != string(png) {
		t.Errorf("png artifact = %+v", res.Artifacts[0])
	}
	if res.Artifacts[1].Type != MIMESVG {
		t.Errorf("svg artifact type = %q", res.Artifacts[1].Type)
	}
	if !strings.Contains(res.Output, "just text\n") {
		t.Errorf("text fallback missing: %q", res.Output)
	}
	if strings.Contains(res.Output, "<Figure>") {
		t.Errorf("text of a rich bundle should be dropped: %q", res.Output)
	}
}

func TestDecoderInvalidImagePayload(t *testing.T) {
	d := NewDecoder("r1", nil)
	d.Feed(msg("r1", "display_data", `{"data":{"image/png":"***"}}`))
	res := d.Result()
	if len(res.Artifacts) != 0 {
		t.Errorf("artifacts = %d, want 0", len(res.Artifacts))
	}
	if !strings.Contains(res.Output, "payload was invalid") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestDecoderChart(t *testing.T) {
	spec := `{"data":[{"type":"scatter","x":[1,2],"y":[3,4]}],"layout":{}}`
	var rendered []byte
	render := func(b []byte) ([]byte, error) {
		rendered = b
		return []byte("png"), nil
	}
	d := NewDecoder("r1", render)
	d.Feed(msg("r1", "display_data", `{"data":{"application/vnd.plotly.v1+json":`+spec+`}}`))

	res := d.Result()
	if len(res.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(res.Artifacts))
	}
	a := res.Artifacts[0]
	if a.Type != MIMEPlotly || string(a.Data) != spec || string(a.Image) != "png" {
		t.Errorf("artifact = %+v", a)
	}
	if string(rendered) != spec {
		t.Errorf("renderer got %s", rendered)
	}
	if !strings.Contains(res.Output, "chart was generated") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestDecoderChartRenderFailure(t *testing.T) {
	d := NewDecoder("r1", func([]byte) ([]byte, error) { return nil, errors.New("unsupported trace") })
	d.Feed(msg("r1", "execute_result", `{"data":{"application/vnd.plotly.v1+json":{"data":[]},"text/plain":"Figure()"}}`))

	res := d.Result()
	if len(res.Artifacts) != 1 || res.Artifacts[0].Image != nil {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
	if !strings.Contains(res.Output, "could not be rendered: unsupported trace") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestDecoderIgnoresAfterDone(t *testing.T) {
	d := NewDecoder("r1", nil)
	d.Feed(msg("r1", "status", `{"execution_state":"idle"}`))
	if !d.Feed(msg("r1", "stream", `{"name":"stdout","text":"late"}`)) {
		t.Error("Feed after idle should report done")
	}
	if d.Result().Output != "" {
		t.Error("messages after idle must be ignored")
	}
}
