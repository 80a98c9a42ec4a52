package kernel

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultPipTarget is the package manager that replaces pip in shell escapes.
const DefaultPipTarget = "uv pip"

var (
	// Any pip invocation in a shell escape: "!pip ...", "%pip ...",
	// "!python -m pip ...".
	escapedPipRe = regexp.MustCompile(`^(\s*)[!%]\s*(?:python3?\s+-m\s+)?pip3?(\s.*)?$`)
	// Bare lines are Python unless they look like a pip subcommand.
	barePipRe = regexp.MustCompile(`^(\s*)(?:python3?\s+-m\s+)?pip3?(\s+(?:install|uninstall|download|wheel|list|show|freeze)\b.*)$`)
	shellRe   = regexp.MustCompile(`^\s*!`)

	targetRes sync.Map // target -> *regexp.Regexp
)

// RewriteShell rewrites package-manager invocations in shell-escape lines to
// use target and reports whether the code installs packages. Such code gets
// the extended timeout and no soft interrupt.
func RewriteShell(code, target string) (string, bool) {
	if target == "" {
		target = DefaultPipTarget
	}
	targetRe := targetPattern(target)

	lines := strings.Split(code, "\n")
	installs := false
	for i, line := range lines {
		m := escapedPipRe.FindStringSubmatch(line)
		if m == nil {
			m = barePipRe.FindStringSubmatch(line)
		}
		if m != nil {
			lines[i] = m[1] + "!" + target + m[2]
			installs = true
			continue
		}
		if targetRe.MatchString(line) {
			installs = true
		}
	}
	return strings.Join(lines, "\n"), installs
}

// targetPattern matches shell escapes that already call target.
func targetPattern(target string) *regexp.Regexp {
	if re, ok := targetRes.Load(target); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := targetRes.LoadOrStore(target, regexp.MustCompile(`^\s*!\s*`+regexp.QuoteMeta(target)+`(\s|$)`))
	return re.(*regexp.Regexp)
}

// HasShellEscape reports whether any line of code is a shell escape.
func HasShellEscape(code string) bool {
	for _, line := range strings.Split(code, "\n") {
		if shellRe.MatchString(line) {
			return true
		}
	}
	return false
}
