package kernel

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	ansiRe  = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)
	frameRe = regexp.MustCompile(`^\s*File "([^"]+)", line \d+`)
)

// StripANSI removes terminal control sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// CleanTraceback strips control sequences and collapses runs of library
// frames so the trace focuses on the submitted code. The innermost library
// frame of each run is kept since it names the failing call.
func CleanTraceback(tb string) string {
	tb = StripANSI(tb)
	lines := strings.Split(tb, "\n")

	type frame struct {
		lines []string
		user  bool
	}
	var (
		out     []string
		pending []frame
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if hidden := len(pending) - 1; hidden > 0 {
			out = append(out, fmt.Sprintf("  ... %d library frames hidden ...", hidden))
		}
		out = append(out, pending[len(pending)-1].lines...)
		pending = nil
	}

	for i := 0; i < len(lines); {
		m := frameRe.FindStringSubmatch(lines[i])
		if m == nil {
			flush()
			out = append(out, lines[i])
			i++
			continue
		}
		f := frame{lines: []string{lines[i]}, user: isUserFile(m[1])}
		i++
		for i < len(lines) && strings.HasPrefix(lines[i], "    ") && !frameRe.MatchString(lines[i]) {
			f.lines = append(f.lines, lines[i])
			i++
		}
		if f.user {
			flush()
			out = append(out, f.lines...)
			continue
		}
		pending = append(pending, f)
	}
	flush()
	return strings.Join(out, "\n")
}

func isUserFile(name string) bool {
	return strings.HasPrefix(name, "<cell") || name == "<stdin>"
}
