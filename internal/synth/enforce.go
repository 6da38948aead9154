package synth

import (
	"fmt"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[^\\n]*\\n(.*?)```")

// ExtractCode returns the body of the first fenced code block, or the whole
// reply when it has no fence. The result is trimmed.
func ExtractCode(reply string) string {
	if m := fencePattern.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	// An unterminated fence: drop the opening line.
	if i := strings.Index(reply, "```"); i >= 0 {
		rest := reply[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			return strings.TrimSpace(rest[nl+1:])
		}
		return ""
	}
	return strings.TrimSpace(reply)
}

var (
	importPattern     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromImportPattern = regexp.MustCompile(`^\s*from\s+(\S+)\s+import\b`)
	exitPattern       = regexp.MustCompile(`(?:^|[^\w.])(?:sys\.exit|os\._exit|exit)\s*\(|\braise\s+SystemExit\b`)
)

// CheckImports returns an error naming the first imported module that is not
// in the standard-library allowlist. Relative imports are rejected too: the
// script runs alone, with no package around it.
func CheckImports(source string) error {
	for n, line := range codeLines(source) {
		var modules []string
		if m := fromImportPattern.FindStringSubmatch(line); m != nil {
			modules = []string{m[1]}
		} else if m := importPattern.FindStringSubmatch(line); m != nil {
			for _, part := range strings.Split(strings.TrimSuffix(m[1], "\\"), ",") {
				fields := strings.Fields(part)
				if len(fields) > 0 {
					modules = append(modules, strings.Trim(fields[0], "()"))
				}
			}
		}

		for _, mod := range modules {
			if strings.HasPrefix(mod, ".") {
				return fmt.Errorf("line %d: relative import %q", n+1, mod)
			}
			top, _, _ := strings.Cut(mod, ".")
			if top == "" {
				continue
			}
			if _, ok := stdlibModules[top]; !ok {
				return fmt.Errorf("line %d: module %q is not in the standard library", n+1, top)
			}
		}
	}
	return nil
}

// HasExplicitExit reports whether the script mentions sys.exit, exit,
// os._exit or raise SystemExit somewhere. It is a syntactic check only: the
// call may sit on a path that never runs, so WithDefaultExit still closes the
// script.
func HasExplicitExit(source string) bool {
	for _, line := range codeLines(source) {
		if exitPattern.MatchString(line) {
			return true
		}
	}
	return false
}

// defaultExit is the epilogue appended to every script. A script that falls
// off the end without reaching one of its own exits reports "not vulnerable".
const defaultExit = "raise SystemExit(1)"

// WithDefaultExit appends the not-vulnerable epilogue at module level.
func WithDefaultExit(source string) string {
	return strings.TrimRight(source, "\n") + "\n\n" + defaultExit + "\n"
}

// codeLines splits source into lines with trailing # comments removed.
// Comment detection ignores quoting; a # inside a string only shortens the
// line, which can hide an exit call but never invent one.
func codeLines(source string) []string {
	lines := strings.Split(source, "\n")
	for i, l := range lines {
		if j := strings.IndexByte(l, '#'); j >= 0 {
			lines[i] = l[:j]
		}
	}
	return lines
}

// WithAlarm prepends a prologue that arms SIGALRM after seconds. The default
// SIGALRM action kills the interpreter, so a script that hangs ends with a
// nonzero status on its own. Shebang, encoding and __future__ lines stay first.
func WithAlarm(source string, seconds int) string {
	if seconds <= 0 {
		return source
	}
	lines := strings.Split(source, "\n")

	insert := 0
	for insert < len(lines) && insert < 2 && strings.HasPrefix(lines[insert], "#") {
		insert++
	}

	for i := insert; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "from __future__ import") {
			continue
		}
		end := i
		if strings.Contains(trimmed, "(") && !strings.Contains(trimmed, ")") {
			for end < len(lines)-1 && !strings.Contains(lines[end], ")") {
				end++
			}
		}
		insert = end + 1
		i = end
	}

	prologue := []string{
		"import signal as _vp_signal",
		fmt.Sprintf("_vp_signal.alarm(%d)", seconds),
	}
	out := make([]string, 0, len(lines)+len(prologue))
	out = append(out, lines[:insert]...)
	out = append(out, prologue...)
	out = append(out, lines[insert:]...)
	return strings.Join(out, "\n")
}
