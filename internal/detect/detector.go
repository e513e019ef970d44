// SPDX-License-Identifier: MPL-2.0

package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/relicrun/relic/internal/detect/pyparse"
)

const (
	// StructuralName identifies the parser-based strategy.
	StructuralName = "structural"
	// PatternName identifies the line-pattern strategy.
	PatternName = "pattern"

	noStrategyWarning = "no detection strategy recognized the source"
)

var (
	yearRe = regexp.MustCompile(`20[1-2][0-9]`)

	opencvLegacyRe = regexp.MustCompile(`cv2\.cv\.CV_`)
	opencvModernRe = regexp.MustCompile(`cv2\.CV_`)

	keywordRules = []struct {
		keyword string
		re      *regexp.Regexp
	}{
		{"cv2.cv", regexp.MustCompile(`\bcv2\.cv\b|from\s+cv2\s+import\s+cv\b`)},
		{"cv2.bgsegm", regexp.MustCompile(`\bcv2\.bgsegm\b`)},
		{"sklearn.grid_search", regexp.MustCompile(`\bsklearn\.grid_search\b`)},
		{"sklearn.cross_validation", regexp.MustCompile(`\bsklearn\.cross_validation\b`)},
	}
	// libraryKeywords are triggers that fire on a plain import.
	libraryKeywords = []string{"sklearn", "pandas"}

	importRe     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+(\.*)([A-Za-z_][\w.]*)?\s+import\b`)
	dottedRe     = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)*$`)
)

type (
	// Strategy classifies source. ok=false means the strategy could not
	// decide; the Result may still carry warnings explaining why.
	Strategy interface {
		Name() string
		Detect(src []byte) (Result, bool)
	}

	// Chain tries strategies in rank order; the first that succeeds wins.
	Chain []Strategy

	// Detector runs a Chain and annotates the result with hints.
	Detector struct {
		chain Chain
	}

	structural struct{}

	pattern struct{}
)

// Structural returns the parser-based strategy.
func Structural() Strategy { return structural{} }

// Pattern returns the line-pattern strategy that tolerates syntax errors.
func Pattern() Strategy { return pattern{} }

// New returns a Detector. With no strategies it uses Structural then Pattern.
func New(strategies ...Strategy) *Detector {
	if len(strategies) == 0 {
		strategies = Chain{Structural(), Pattern()}
	}
	return &Detector{chain: strategies}
}

// Detect classifies src. It never fails: when no strategy decides, the
// result is Unknown with confidence None and a warning.
func (d *Detector) Detect(src []byte) Result {
	res, ok := d.chain.Detect(src)
	if !ok {
		res.Dialect, res.Confidence, res.Libraries = Unknown, None, []string{}
		res.Warnings = append(res.Warnings, noStrategyWarning)
	}
	res.Hints = hints(src, res)
	return res
}

// Detect runs each strategy in order. Warnings from strategies that could
// not decide are carried into the final result.
func (c Chain) Detect(src []byte) (Result, bool) {
	var warnings []string
	for _, s := range c {
		res, ok := s.Detect(src)
		warnings = append(warnings, res.Warnings...)
		if ok {
			res.Strategy = s.Name()
			res.Warnings = warnings
			if res.Libraries == nil {
				res.Libraries = []string{}
			}
			return res, true
		}
	}
	return Result{Warnings: warnings}, false
}

func (structural) Name() string { return StructuralName }

func (structural) Detect(src []byte) (Result, bool) {
	mod, err := pyparse.Parse(src)
	if err != nil {
		return Result{Warnings: []string{fmt.Sprintf("structural parse failed: %v", err)}}, false
	}
	var libs []string
	for _, imp := range mod.Imports {
		if imp.Relative() || imp.Module == "" {
			continue
		}
		libs = append(libs, imp.Root())
	}
	res := Result{
		Dialect:    Modern,
		Confidence: High,
		Libraries:  sortedUnique(libs),
		Markers:    ScanMarkers(src),
	}
	if len(res.Markers) > 0 {
		res.Dialect, res.Confidence = Legacy, Medium
	}
	return res, true
}

func (pattern) Name() string { return PatternName }

func (pattern) Detect(src []byte) (Result, bool) {
	markers := ScanMarkers(src)
	libs := regexImports(src)
	switch {
	case len(markers) > 0:
		return Result{Dialect: Legacy, Confidence: Low, Libraries: libs, Markers: markers}, true
	case len(libs) > 0:
		return Result{Dialect: Unknown, Confidence: Low, Libraries: libs}, true
	default:
		return Result{}, false
	}
}

// regexImports extracts import roots line by line so that a syntax error
// elsewhere in the file does not hide them.
func regexImports(src []byte) []string {
	var libs []string
	for _, line := range CleanLines(src) {
		for _, stmt := range strings.Split(line, ";") {
			if m := fromImportRe.FindStringSubmatch(stmt); m != nil {
				if m[1] == "" && m[2] != "" {
					libs = append(libs, rootOf(m[2]))
				}
				continue
			}
			m := importRe.FindStringSubmatch(stmt)
			if m == nil {
				continue
			}
			for _, part := range strings.Split(m[1], ",") {
				name, _, _ := strings.Cut(strings.TrimSpace(part), " ")
				if dottedRe.MatchString(name) {
					libs = append(libs, rootOf(name))
				}
			}
		}
	}
	return sortedUnique(libs)
}

func rootOf(dotted string) string {
	root, _, _ := strings.Cut(dotted, ".")
	return root
}

func hints(src []byte, res Result) Hints {
	h := Hints{PythonVersion: res.Dialect.PythonVersion()}
	text := string(src)

	for _, y := range yearRe.FindAllString(text, -1) {
		n, err := strconv.Atoi(y)
		if err == nil && (h.ValidationYear == 0 || n < h.ValidationYear) {
			h.ValidationYear = n
		}
	}

	switch {
	case opencvLegacyRe.MatchString(text):
		h.OpenCV = "2.x"
	case opencvModernRe.MatchString(text):
		h.OpenCV = "3.x+"
	}

	var kws []string
	for _, r := range keywordRules {
		if r.re.MatchString(text) {
			kws = append(kws, r.keyword)
		}
	}
	for _, lib := range libraryKeywords {
		if res.HasLibrary(lib) {
			kws = append(kws, lib)
		}
	}
	h.Keywords = sortedUnique(kws)
	if len(h.Keywords) == 0 {
		h.Keywords = nil
	}
	return h
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
