// SPDX-License-Identifier: MPL-2.0

package generate

import (
	"path"
	"regexp"
	"strings"
)

const (
	// InputMount is where the input directory is mounted in the container.
	InputMount = "/app/input"
	// DataMount is where the data directory is mounted in the container.
	DataMount = "/data"
)

var (
	// stringLiteral matches one single-line Python string literal with its
	// optional prefix. Triple-quoted strings match piecewise, which is
	// enough to find paths in them.
	stringLiteral = regexp.MustCompile(`([rRbBuUfF]{0,2})("(?:[^"\\\n]|\\.)*"|'(?:[^'\\\n]|\\.)*')`)

	// hostPath finds the start of an absolute host path inside a literal.
	// The path runs to the end of the literal so Windows directories with
	// spaces survive.
	hostPath = regexp.MustCompile(`(?:^|[\s=])((?:[A-Za-z]:(?:\\|/)|/home/[^/\\\s]+/|/Users/[^/\\\s]+/|~/).*)$`)

	repeatedSlash = regexp.MustCompile(`/{2,}`)
)

type (
	// SanitizeOptions describes the host layout the script was written for.
	SanitizeOptions struct {
		// ScriptDir is the script's host directory. Paths below it are
		// mapped into InputMount.
		ScriptDir string `json:"scriptDir,omitempty"`
		// HomeDir expands "~/" before comparing against ScriptDir.
		HomeDir string `json:"homeDir,omitempty"`
	}

	// PathRewrite records one host path replaced in the sanitized copy.
	PathRewrite struct {
		Original  string `json:"original"`
		Rewritten string `json:"rewritten"`
		Line      int    `json:"line"`
	}
)

// Sanitize rewrites absolute host paths found in string literals of text to
// their container equivalents. text itself is not modified; the rewritten
// copy and the list of rewrites are returned.
func Sanitize(text string, opts SanitizeOptions) (string, []PathRewrite) {
	var (
		out      strings.Builder
		rewrites []PathRewrite
	)
	out.Grow(len(text))
	for i, line := range strings.SplitAfter(text, "\n") {
		last := 0
		for _, m := range stringLiteral.FindAllStringSubmatchIndex(line, -1) {
			prefix := line[m[2]:m[3]]
			// Content between the quotes.
			start, end := m[4]+1, m[5]-1
			raw := strings.ContainsAny(prefix, "rR")
			off, ok := opts.pathStart(line[start:end], raw)
			if !ok {
				continue
			}
			from := start + off
			original := line[from:end]
			rewritten := opts.rewrite(hostForm(original, raw))

			out.WriteString(line[last:from])
			out.WriteString(rewritten)
			last = end
			rewrites = append(rewrites, PathRewrite{Original: original, Rewritten: rewritten, Line: i + 1})
		}
		out.WriteString(line[last:])
	}
	return out.String(), rewrites
}

// pathStart returns the offset in content where a host path begins: a path
// matching the usual host layouts, or any absolute path inside ScriptDir or
// HomeDir.
func (o SanitizeOptions) pathStart(content string, raw bool) (int, bool) {
	if p := hostPath.FindStringSubmatchIndex(content); p != nil {
		return p[2], true
	}
	var roots []string
	for _, dir := range []string{o.ScriptDir, o.HomeDir} {
		if d := strings.TrimSuffix(hostForm(dir, true), "/"); d != "" {
			roots = append(roots, d)
		}
	}
	if len(roots) == 0 {
		return 0, false
	}
	for off := 0; off < len(content); off++ {
		if off > 0 && !isPathBoundary(content[off-1]) {
			continue
		}
		candidate := hostForm(content[off:], raw)
		for _, root := range roots {
			if _, ok := under(candidate, root); ok {
				return off, true
			}
		}
	}
	return 0, false
}

func isPathBoundary(c byte) bool {
	return c == '=' || c == ' ' || c == '\t'
}

// hostForm turns the literal text of a path into a slash-separated path.
func hostForm(literal string, raw bool) string {
	p := literal
	if !raw {
		p = strings.ReplaceAll(p, `\\`, `\`)
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return repeatedSlash.ReplaceAllString(p, "/")
}

func (o SanitizeOptions) rewrite(p string) string {
	if strings.HasPrefix(p, "~/") && o.HomeDir != "" {
		p = strings.TrimSuffix(hostForm(o.HomeDir, true), "/") + p[1:]
	}
	if dir := strings.TrimSuffix(hostForm(o.ScriptDir, true), "/"); dir != "" {
		if rest, ok := under(p, dir); ok {
			if rest == "" {
				return InputMount
			}
			return InputMount + "/" + rest
		}
	}
	base := path.Base(strings.TrimRight(p, "/"))
	if base == "." || base == "/" || base == "~" || strings.HasSuffix(base, ":") {
		return DataMount
	}
	return DataMount + "/" + base
}

// under reports whether p lies in dir and returns the remainder. Drive
// letter paths compare case-insensitively.
func under(p, dir string) (string, bool) {
	n := len(dir)
	if len(p) < n {
		return "", false
	}
	head := p[:n]
	if isDrivePath(dir) {
		if !strings.EqualFold(head, dir) {
			return "", false
		}
	} else if head != dir {
		return "", false
	}
	rest := p[n:]
	if rest == "" {
		return "", true
	}
	if rest[0] != '/' {
		return "", false
	}
	return strings.Trim(rest, "/"), true
}

func isDrivePath(p string) bool {
	return len(p) >= 2 && p[1] == ':' && (p[0]|0x20 >= 'a' && p[0]|0x20 <= 'z')
}
