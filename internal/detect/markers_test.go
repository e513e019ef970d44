// SPDX-License-Identifier: MPL-2.0

package detect

import (
	"slices"
	"testing"
)

func TestScanMarkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"print statement", `print "hi"`, []string{MarkerPrintStatement}},
		{"print after colon", `if x: print x`, []string{MarkerPrintStatement}},
		{"print call", `print("hi")`, nil},
		{"print spaced call", `print ("hi")`, nil},
		{"print chevron", `print >>sys.stderr, "x"`, []string{MarkerPrintChevron}},
		{"except comma", `except ValueError, e:`, []string{MarkerExceptComma}},
		{"except tuple comma", `except (IOError, OSError), err:`, []string{MarkerExceptComma}},
		{"except tuple as", `except (IOError, OSError) as err:`, nil},
		{"raise comma", `raise ValueError, "bad"`, []string{MarkerRaiseComma}},
		{"raise call with commas", `raise ValueError("a, b", 1)`, nil},
		{"exec statement", `exec "x = 1"`, []string{MarkerExecStatement}},
		{"exec call", `exec(code)`, nil},
		{"ne operator", `if a <> b:`, []string{MarkerNeOperator}},
		{"backtick", "s = `x`", []string{MarkerBacktickRepr}},
		{"long suffix", `n = 10L`, []string{MarkerLongSuffix}},
		{"hex long suffix", `n = 0xFFL`, []string{MarkerLongSuffix}},
		{"identifier ending in L", `x1L = 2`, nil},
		{"legacy octal", `os.chmod(p, 0755)`, []string{MarkerLegacyOctal}},
		{"float with zeros", `x = 0.07`, nil},
		{"negative exponent", `eps = 1e-07`, nil},
		{"signed upper exponent", `x = 2.5E+07`, nil},
		{"dotted exponent", `x = 3.e-05`, nil},
		{"octal after exponent", `f(1e-07, 0755)`, []string{MarkerLegacyOctal}},
		{"negated octal", `x = -0755`, []string{MarkerLegacyOctal}},
		{"zero literal", `x = 00`, nil},
		{"ur prefix", `x = ur"abc"`, []string{MarkerUnicodeRawPrefix}},
		{"markers inside strings ignored", `s = "print x <> y` + "`" + `"`, nil},
		{"markers inside comments ignored", `x = 1  # print "old" 0755`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got []string
			for _, m := range ScanMarkers([]byte(tt.src)) {
				got = append(got, m.Name)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("ScanMarkers(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

func TestScanMarkers_LinesSurviveMultilineStrings(t *testing.T) {
	t.Parallel()

	src := "doc = '''\nprint \"not code\"\n'''\nprint \"code\"\n"
	got := ScanMarkers([]byte(src))
	if len(got) != 1 || got[0].Line != 4 {
		t.Errorf("ScanMarkers() = %v, want one marker on line 4", got)
	}
}

func TestCleanLines(t *testing.T) {
	t.Parallel()

	got := CleanLines([]byte("a = 'x#y'  # comment\nb = \"\"\"q\nr\"\"\"\n"))
	want := []string{"a = ''  ", `b = """`, `"""`, ""}
	if !slices.Equal(got, want) {
		t.Errorf("CleanLines() = %q, want %q", got, want)
	}
}
