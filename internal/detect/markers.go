// SPDX-License-Identifier: MPL-2.0

package detect

import (
	"regexp"
	"sort"
	"strings"
)

// Marker names. Each identifies a construct that only Python 2 accepts.
const (
	MarkerPrintStatement   = "print_statement"
	MarkerPrintChevron     = "print_chevron"
	MarkerExceptComma      = "except_comma"
	MarkerRaiseComma       = "raise_comma"
	MarkerExecStatement    = "exec_statement"
	MarkerNeOperator       = "ne_operator"
	MarkerBacktickRepr     = "backtick_repr"
	MarkerLongSuffix       = "long_suffix"
	MarkerLegacyOctal      = "legacy_octal"
	MarkerUnicodeRawPrefix = "unicode_raw_prefix"
)

type markerRule struct {
	name string
	re   *regexp.Regexp
	// skip rejects a match at loc, for context the regexp cannot express.
	skip func(line string, loc []int) bool
}

func (r markerRule) matches(line string) bool {
	if r.skip == nil {
		return r.re.MatchString(line)
	}
	for _, loc := range r.re.FindAllStringSubmatchIndex(line, -1) {
		if !r.skip(line, loc) {
			return true
		}
	}
	return false
}

// Rules run against lines whose comments are stripped and whose string
// bodies are blanked, so quotes and prefixes survive but contents do not.
var markerRules = []markerRule{
	{MarkerPrintStatement, regexp.MustCompile(`(^|[:;])\s*print\s+[^\s(=.\[,;)>+*/%&|^<!-]`), nil},
	{MarkerPrintChevron, regexp.MustCompile(`(^|[:;])\s*print\s*>>`), nil},
	{MarkerExceptComma, regexp.MustCompile(`^\s*except\s*(\([^)]*\)|[\w.]+)\s*,\s*\w+\s*:`), nil},
	{MarkerRaiseComma, regexp.MustCompile(`(^|[:;])\s*raise\s+[\w.]+(\([^)]*\))?\s*,`), nil},
	{MarkerExecStatement, regexp.MustCompile(`(^|[:;])\s*exec\s+["'\w]`), nil},
	{MarkerNeOperator, regexp.MustCompile(`<>`), nil},
	{MarkerBacktickRepr, regexp.MustCompile("`"), nil},
	{MarkerLongSuffix, regexp.MustCompile(`(^|[^\w.])(0[xX][0-9a-fA-F]+|\d+)[lL]\b`), nil},
	{MarkerLegacyOctal, regexp.MustCompile(`(^|[^\w.])(0[0-7]*[1-7][0-7]*)($|[^\w.])`), inExponent},
	{MarkerUnicodeRawPrefix, regexp.MustCompile(`(^|\W)[uU][rR]["']`), nil},
}

// inExponent reports whether the digits captured as group 2 are the exponent
// of a float literal such as 1e-07 or 2.5E+07.
func inExponent(line string, loc []int) bool {
	i := loc[4]
	if i > 0 && (line[i-1] == '+' || line[i-1] == '-') {
		i--
	}
	if i == 0 || (line[i-1] != 'e' && line[i-1] != 'E') {
		return false
	}
	i--
	return i > 0 && (isDigit(line[i-1]) || line[i-1] == '.')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// ScanMarkers reports every legacy marker in src, ordered by line then
// name. A construct is reported once per line.
func ScanMarkers(src []byte) []Marker {
	var out []Marker
	for i, line := range CleanLines(src) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, r := range markerRules {
			if r.matches(line) {
				out = append(out, Marker{Name: r.name, Line: i + 1})
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Line != out[b].Line {
			return out[a].Line < out[b].Line
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// CleanLines returns src split into physical lines with comments removed and
// the contents of string literals replaced by nothing. Quote characters and
// string prefixes are kept so that rules can still see that a literal was
// there. Line numbering is preserved across multi-line strings.
func CleanLines(src []byte) []string {
	var (
		lines []string
		cur   strings.Builder
		quote byte
		tri   bool
	)
	s := strings.ReplaceAll(string(src), "\r\n", "\n")
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\n' {
			lines = append(lines, cur.String())
			cur.Reset()
			if quote != 0 && !tri {
				quote = 0
			}
			continue
		}
		if quote != 0 {
			switch {
			case c == '\\' && i+1 < len(s) && s[i+1] != '\n':
				i++
			case c == quote && !tri:
				cur.WriteByte(c)
				quote = 0
			case c == quote && tri && strings.HasPrefix(s[i:], strings.Repeat(string(quote), 3)):
				cur.WriteString(strings.Repeat(string(quote), 3))
				i += 2
				quote, tri = 0, false
			}
			continue
		}
		switch c {
		case '#':
			for i+1 < len(s) && s[i+1] != '\n' {
				i++
			}
		case '"', '\'':
			quote = c
			tri = strings.HasPrefix(s[i:], strings.Repeat(string(c), 3))
			if tri {
				cur.WriteString(strings.Repeat(string(c), 3))
				i += 2
			} else {
				cur.WriteByte(c)
			}
		default:
			cur.WriteByte(c)
		}
	}
	return append(lines, cur.String())
}
