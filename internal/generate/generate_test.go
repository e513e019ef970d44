// SPDX-License-Identifier: MPL-2.0

package generate

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/knowledge"
	"github.com/relicrun/relic/internal/resolve"
	"github.com/relicrun/relic/internal/script"
)

func legacyProfile() *resolve.Profile {
	return &resolve.Profile{
		Dialect:          detect.Legacy,
		PythonVersion:    "2.7",
		ImageRule:        "py27-cv2",
		BaseImage:        "python:2.7-slim-stretch",
		OSRelease:        "stretch",
		ArchiveRepo:      true,
		EntrypointPython: true,
		Apt:              []string{"libglib2.0-0", "libsm6"},
		Libraries: []resolve.Library{
			{Import: "cv2", Package: "opencv-python", Version: "4.2.0.32", Source: resolve.FromKnowledge, Status: resolve.Resolved},
			{Import: "numpy", Package: "numpy", Version: "1.16.6", ArchiveSource: "https://archive.example.org/wheels", Source: resolve.FromKnowledge, Status: resolve.Resolved},
			{Import: "os", Source: resolve.FromStdlib, Status: resolve.Resolved},
			{Import: "tqdm", Package: "tqdm", Source: resolve.FromIndex, Status: resolve.Resolved},
		},
	}
}

func src(t *testing.T, content string) script.Source {
	t.Helper()
	s, err := script.New("calc.py", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func quietGenerator() *Generator {
	return NewGenerator(WithLogger(log.New(&strings.Builder{})))
}

func TestGenerate_Dockerfile(t *testing.T) {
	t.Parallel()

	def, err := quietGenerator().Generate(legacyProfile(), src(t, "import cv2\n"), Options{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	df := def.Dockerfile
	for _, want := range []string{
		"FROM python:2.7-slim-stretch\n",
		"archive.debian.org/debian stretch main",
		"libsm6",
		"opencv-python==4.2.0.32",
		"--find-links",
		"numpy==1.16.6",
		"pip install --no-cache-dir tqdm",
		"ENV PYTHONUNBUFFERED=1\n",
		"WORKDIR /app/output\n",
		"ENTRYPOINT [\"python\"]\n",
	} {
		if !strings.Contains(df, want) {
			t.Errorf("Dockerfile missing %q:\n%s", want, df)
		}
	}
	if strings.Contains(df, "--index-url") || strings.Contains(df, "syntax=") {
		t.Errorf("Dockerfile has registry config without a registry:\n%s", df)
	}
	if strings.Count(df, "pip install") != 3 {
		t.Errorf("want one pip line per installable library:\n%s", df)
	}
	if !strings.HasPrefix(def.ImageTag, "relic-env:") || len(def.ImageTag) != len("relic-env:")+12 {
		t.Errorf("ImageTag = %q", def.ImageTag)
	}
}

func TestGenerate_Registry(t *testing.T) {
	t.Parallel()

	p := legacyProfile()
	p.Registry = &knowledge.Registry{
		IndexURL:       "https://pypi.my-company.com/simple",
		TrustedHosts:   []string{"pypi.my-company.com"},
		CredentialsRef: "pip-index-credentials",
	}
	def, err := quietGenerator().Generate(p, src(t, ""), Options{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	for _, want := range []string{
		"# syntax=docker/dockerfile:1\n",
		"--index-url",
		"https://pypi.my-company.com/simple",
		"--trusted-host pypi.my-company.com",
		"--mount=type=secret,id=pip-index-credentials",
	} {
		if !strings.Contains(def.Dockerfile, want) {
			t.Errorf("Dockerfile missing %q:\n%s", want, def.Dockerfile)
		}
	}
}

func TestGenerate_RejectsUnsafeSecretID(t *testing.T) {
	t.Parallel()

	p := legacyProfile()
	p.Registry = &knowledge.Registry{
		IndexURL:       "https://pypi.my-company.com/simple",
		CredentialsRef: "creds,src=/etc/shadow",
	}
	if _, err := quietGenerator().Generate(p, src(t, ""), Options{}); err == nil {
		t.Fatal("Generate() accepted a secret id that breaks out of the mount flag")
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()

	g := quietGenerator()
	s := src(t, "data = open('/home/alice/proj/in.csv')\n")
	opts := Options{Sanitize: SanitizeOptions{ScriptDir: "/home/alice/proj"}}

	a, err := g.Generate(legacyProfile(), s, opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Generate(legacyProfile(), s, opts)
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash != b.Hash || a.Dockerfile != b.Dockerfile || a.SanitizedScript != b.SanitizedScript {
		t.Error("equal inputs produced different definitions")
	}
	if a.Hash != Hash(a.Dockerfile, a.SanitizedScript) {
		t.Error("hash does not cover the rendered content")
	}

	other, err := g.Generate(legacyProfile(), src(t, "print 1\n"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if other.Hash == a.Hash {
		t.Error("different scripts share a hash")
	}
}

func TestGenerate_Errors(t *testing.T) {
	t.Parallel()

	g := quietGenerator()

	unresolved := legacyProfile()
	unresolved.Libraries = append(unresolved.Libraries, resolve.Library{Import: "mycompanylib", Status: resolve.Unresolved})
	if _, err := g.Generate(unresolved, src(t, ""), Options{}); !errors.Is(err, issue.UnresolvedDependency) {
		t.Errorf("unresolved error = %v, want UnresolvedDependency", err)
	}
	def, err := g.Generate(unresolved, src(t, ""), Options{AllowUnresolved: true})
	if err != nil {
		t.Fatalf("AllowUnresolved: %v", err)
	}
	if strings.Contains(def.Dockerfile, "mycompanylib") {
		t.Error("unresolved library rendered into the Dockerfile")
	}

	badImage := legacyProfile()
	badImage.BaseImage = "Not A Valid::Ref"
	if _, err := g.Generate(badImage, src(t, ""), Options{}); !errors.Is(err, issue.GenerationError) {
		t.Errorf("bad image error = %v, want GenerationError", err)
	}

	noRelease := legacyProfile()
	noRelease.OSRelease = ""
	if _, err := g.Generate(noRelease, src(t, ""), Options{}); !errors.Is(err, issue.GenerationError) {
		t.Errorf("archive without release error = %v, want GenerationError", err)
	}

	broken := NewGenerator(WithLogger(log.New(&strings.Builder{})), WithTemplate("FROM {{ .Missing }}"))
	if _, err := broken.Generate(legacyProfile(), src(t, ""), Options{}); !errors.Is(err, issue.GenerationError) {
		t.Errorf("render error = %v, want GenerationError", err)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	opts := SanitizeOptions{ScriptDir: `C:\Users\bob\project`, HomeDir: "/home/bob"}
	tests := []struct {
		name string
		in   string
		out  string
	}{
		{"drive path under script dir", `df = read("C:\\Users\\bob\\project\\in\\a.csv")`, `df = read("/app/input/in/a.csv")`},
		{"raw drive path case-insensitive", `p = r'c:\users\BOB\project\b.txt'`, `p = r'/app/input/b.txt'`},
		{"drive path elsewhere", `open("D:/exports/results 2019.xlsx")`, `open("/data/results 2019.xlsx")`},
		{"home path", `load('/home/alice/data/model.pkl')`, `load('/data/model.pkl')`},
		{"mac home path", `x = "/Users/carol/Desktop/"`, `x = "/data/Desktop"`},
		{"tilde", `cfg = "~/settings.ini"`, `cfg = "/data/settings.ini"`},
		{"relative untouched", `open("data/in.csv")`, `open("data/in.csv")`},
		{"outside literal untouched", `# see /home/alice/notes`, `# see /home/alice/notes`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := Sanitize(tt.in, opts)
			if got != tt.out {
				t.Errorf("Sanitize(%s) = %s, want %s", tt.in, got, tt.out)
			}
		})
	}
}

func TestSanitize_ScriptAndHomeDirs(t *testing.T) {
	t.Parallel()

	opts := SanitizeOptions{ScriptDir: "/srv/lab", HomeDir: "/root"}
	tests := []struct {
		name string
		in   string
		out  string
	}{
		{"under script dir", `df = read_csv("/srv/lab/in.csv")`, `df = read_csv("/app/input/in.csv")`},
		{"script dir itself", `os.chdir('/srv/lab')`, `os.chdir('/app/input')`},
		{"under home", `w = load("/root/models/w.h5")`, `w = load("/data/w.h5")`},
		{"after equals", `arg = "--in=/srv/lab/a.txt"`, `arg = "--in=/app/input/a.txt"`},
		{"sibling prefix untouched", `open("/srv/labels.txt")`, `open("/srv/labels.txt")`},
		{"other absolute untouched", `open("/etc/hosts")`, `open("/etc/hosts")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := Sanitize(tt.in, opts)
			if got != tt.out {
				t.Errorf("Sanitize(%s) = %s, want %s", tt.in, got, tt.out)
			}
		})
	}
}

func TestSanitize_RecordsRewrites(t *testing.T) {
	t.Parallel()

	in := "import os\nA = '/home/bob/proj/a.txt'\nB = 'C:/x/b.txt'\n"
	out, rw := Sanitize(in, SanitizeOptions{ScriptDir: "/home/bob/proj"})
	want := []PathRewrite{
		{Original: "/home/bob/proj/a.txt", Rewritten: "/app/input/a.txt", Line: 2},
		{Original: "C:/x/b.txt", Rewritten: "/data/b.txt", Line: 3},
	}
	if !slices.Equal(rw, want) {
		t.Errorf("rewrites = %+v, want %+v", rw, want)
	}
	if out != "import os\nA = '/app/input/a.txt'\nB = '/data/b.txt'\n" {
		t.Errorf("sanitized = %q", out)
	}
	if strings.Contains(in, "/app/input") {
		t.Error("input modified")
	}
}

func TestStore(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), ".relic", "definitions")
	store := NewStore(dir)
	def, err := quietGenerator().Generate(legacyProfile(), src(t, "print 1\n"), Options{})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := store.SaveProvisional(def)
	if err != nil {
		t.Fatalf("SaveProvisional() error: %v", err)
	}
	if !strings.HasSuffix(pending, def.Hash.Encoded()+".pending") {
		t.Errorf("pending path = %s", pending)
	}
	committed, err := store.Commit(def)
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	data, err := os.ReadFile(committed)
	if err != nil || string(data) != def.Dockerfile {
		t.Errorf("committed content mismatch: %v", err)
	}
	if _, err := os.Stat(pending); !errors.Is(err, os.ErrNotExist) {
		t.Error("pending file left behind")
	}
	if !store.Committed(def) {
		t.Error("Committed() = false")
	}

	if _, err := store.SaveProvisional(def); err != nil {
		t.Fatal(err)
	}
	if err := store.Rollback(def); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
	if _, err := os.Stat(pending); !errors.Is(err, os.ErrNotExist) {
		t.Error("rollback left the pending file")
	}
	if err := store.Rollback(def); err != nil {
		t.Errorf("second Rollback() error: %v", err)
	}
}
