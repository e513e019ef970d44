// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/relicrun/relic/internal/config"
	"github.com/relicrun/relic/internal/container"
	"github.com/relicrun/relic/internal/history"
	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/testutil"
)

const legacyScript = "import cv2\nimport numpy as np\nprint \"frame\"\n"

type staticConfig struct {
	cfg *config.Config
}

func (p staticConfig) Load(context.Context, config.LoadOptions) (*config.Config, error) {
	return p.cfg, nil
}

type harness struct {
	app    *App
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

// offlineConfig never reaches a package index.
func offlineConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Index.Offline = true
	cfg.Knowledge.User = ""
	return cfg
}

func newHarness(cfg *config.Config, engine container.Engine) *harness {
	h := &harness{stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	h.app = NewApp(Dependencies{
		Config: staticConfig{cfg: cfg},
		Engines: func(config.ContainerEngine) (container.Engine, error) {
			if engine == nil {
				return nil, &container.EngineNotAvailableError{Engine: container.EngineTypeDocker, Reason: "not installed"}
			}
			return engine, nil
		},
		Stdout: h.stdout,
		Stderr: h.stderr,
	})
	return h
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	h.stdout.Reset()
	h.stderr.Reset()
	root := NewRootCommand(h.app)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

func TestGetVersionString(t *testing.T) {
	// Not parallel: subtests mutate package-level Version/Commit/BuildDate vars.

	t.Run("ldflags version", func(t *testing.T) {
		origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
		t.Cleanup(func() {
			Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
		})

		Version = "v1.2.3"
		Commit = "abc1234"
		BuildDate = "2026-01-15T10:00:00Z"

		want := "v1.2.3 (commit: abc1234, built: 2026-01-15T10:00:00Z)"
		if got := getVersionString(); got != want {
			t.Errorf("getVersionString() = %q, want %q", got, want)
		}
	})

	t.Run("dev build", func(t *testing.T) {
		origVersion := Version
		t.Cleanup(func() { Version = origVersion })

		Version = "dev"
		if got := getVersionString(); got != "dev (built from source)" {
			t.Errorf("getVersionString() = %q", got)
		}
	})
}

func TestAnalyze_JSON(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	path := writeScript(t, t.TempDir(), "job.py", legacyScript)
	if err := h.run(t, "analyze", path, "--json"); err != nil {
		t.Fatalf("analyze: %v\n%s", err, h.stderr)
	}

	var out struct {
		Detection struct {
			Dialect   string   `json:"dialect"`
			Libraries []string `json:"libraries"`
		} `json:"detection"`
	}
	if err := json.Unmarshal(h.stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, h.stdout)
	}
	if out.Detection.Dialect != "legacy" {
		t.Errorf("dialect = %q, want legacy", out.Detection.Dialect)
	}
	if !slices.Equal(out.Detection.Libraries, []string{"cv2", "numpy"}) {
		t.Errorf("libraries = %v, want [cv2 numpy]", out.Detection.Libraries)
	}
}

func TestAnalyze_Stdin(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	root := NewRootCommand(h.app)
	root.SetIn(strings.NewReader("print(\"hi\")\n"))
	root.SetArgs([]string{"analyze", "-"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(h.stdout.String(), stdinScriptName) || !strings.Contains(h.stdout.String(), "modern") {
		t.Errorf("output = %q", h.stdout)
	}
}

func TestAnalyze_MissingScript(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	err := h.run(t, "analyze", filepath.Join(t.TempDir(), "absent.py"))
	if exitCode(err) != 1 {
		t.Fatalf("exit code = %d (%v), want 1", exitCode(err), err)
	}
	if !strings.Contains(h.stderr.String(), "Error:") {
		t.Errorf("stderr = %q, want an error line", h.stderr)
	}
}

func TestResolve_ListsResolvedAndUnresolved(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	path := writeScript(t, t.TempDir(), "job.py", legacyScript+"import frobnicatorx\n")
	if err := h.run(t, "resolve", path); err != nil {
		t.Fatalf("resolve: %v\n%s", err, h.stderr)
	}
	out := h.stdout.String()
	for _, want := range []string{"opencv-python", "numpy", "frobnicatorx", "1 unresolved"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestResolve_RejectsBadDialect(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	path := writeScript(t, t.TempDir(), "job.py", legacyScript)
	if err := h.run(t, "resolve", path, "--dialect", "cobol"); exitCode(err) != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode(err))
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		script   string
		extra    []string
		wantCode int
	}{
		{"resolved script", legacyScript, nil, 0},
		{"unresolved import fails", legacyScript + "import frobnicatorx\n", nil, 1},
		{"unresolved import allowed", legacyScript + "import frobnicatorx\n", []string{"--allow-unresolved"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(offlineConfig(), nil)
			dir := t.TempDir()
			path := writeScript(t, dir, "job.py", tt.script)
			out := filepath.Join(dir, "build")
			err := h.run(t, append([]string{"generate", path, "--out", out}, tt.extra...)...)
			if got := exitCode(err); got != tt.wantCode {
				t.Fatalf("exit code = %d (%v), want %d", got, err, tt.wantCode)
			}
			if tt.wantCode != 0 {
				if !strings.Contains(h.stderr.String(), "UnresolvedDependency") && !strings.Contains(h.stderr.String(), "frobnicatorx") {
					t.Errorf("stderr does not name the unresolved library: %q", h.stderr)
				}
				return
			}
			dockerfile, err := os.ReadFile(filepath.Join(out, "Dockerfile"))
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(dockerfile), "FROM ") {
				t.Errorf("Dockerfile has no FROM line:\n%s", dockerfile)
			}
			if _, err := os.Stat(filepath.Join(out, "job.py")); err != nil {
				t.Errorf("sanitized script not written: %v", err)
			}
		})
	}
}

func TestRun_ExitCodeAndHistory(t *testing.T) {
	// Not parallel: the default build root lives under the home directory.
	testutil.SetHomeDir(t, t.TempDir())

	engine := newScriptedEngine(3, "frame 1", "frame 2")
	h := newHarness(offlineConfig(), engine)
	project := t.TempDir()
	path := writeScript(t, project, filepath.Join("scripts", "job.py"), legacyScript)

	err := h.run(t, "run", path, "--project", project)
	if got := exitCode(err); got != 3 {
		t.Fatalf("exit code = %d (%v), want 3\n%s", got, err, h.stderr)
	}
	if got := h.stdout.String(); got != "frame 1\nframe 2\n" {
		t.Errorf("stdout = %q", got)
	}
	if engine.builds != 1 {
		t.Errorf("builds = %d, want 1", engine.builds)
	}

	if err := h.run(t, "history", "list", "--project", project, "--json"); err != nil {
		t.Fatalf("history list: %v", err)
	}
	var records []history.Record
	if err := json.Unmarshal(h.stdout.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v\n%s", err, h.stdout)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.ExitCode != 3 || rec.Status != history.StatusCompleted {
		t.Errorf("record = exit %d status %s, want exit 3 completed", rec.ExitCode, rec.Status)
	}

	if err := h.run(t, "history", "show", rec.ID, "--project", project, "--logs"); err != nil {
		t.Fatalf("history show: %v", err)
	}
	if !strings.Contains(h.stdout.String(), "frame 2") {
		t.Errorf("history show --logs missing output:\n%s", h.stdout)
	}

	if err := h.run(t, "history", "verify", "--project", project); err != nil {
		t.Fatalf("history verify: %v\n%s", err, h.stdout)
	}

	// A second run reuses the image.
	if err := h.run(t, "run", path, "--project", project); exitCode(err) != 3 {
		t.Fatalf("second run: %v", err)
	}
	if engine.builds != 1 {
		t.Errorf("builds after second run = %d, want 1", engine.builds)
	}
}

func TestRun_JSONStream(t *testing.T) {
	testutil.SetHomeDir(t, t.TempDir())

	h := newHarness(offlineConfig(), newScriptedEngine(0, "done"))
	project := t.TempDir()
	path := writeScript(t, project, "job.py", "print(\"done\")\n")
	if err := h.run(t, "run", path, "--project", project, "--output-root", filepath.Join(project, "out"), "--json"); err != nil {
		t.Fatalf("run: %v\n%s", err, h.stderr)
	}

	var lines []streamLine
	sc := bufio.NewScanner(h.stdout)
	for sc.Scan() {
		var l streamLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		t.Fatal("no output")
	}
	last := lines[len(lines)-1]
	if last.Type != "end" || last.Record == nil || last.Record.ExitCode != 0 {
		t.Fatalf("last line = %+v, want end record with exit 0", last)
	}
	var sawOutput bool
	for _, l := range lines[:len(lines)-1] {
		if l.Type != "event" || l.Event == nil {
			t.Errorf("line = %+v, want event", l)
			continue
		}
		if l.Event.Line == "done" {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Error("script output missing from event stream")
	}
}

func TestRun_EngineUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	path := writeScript(t, t.TempDir(), "job.py", legacyScript)
	if err := h.run(t, "run", path); exitCode(err) != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode(err))
	}
}

func TestRunEnv(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := writeScript(t, dir, "base.env", "A=1\nB=base\n")
	extra := writeScript(t, dir, "extra.env", "B=extra\nC=3\n")

	tests := []struct {
		name    string
		file    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{"configured only", "", nil, map[string]string{"A": "1", "B": "base"}, false},
		{"file overrides configured", extra, nil, map[string]string{"A": "1", "B": "extra", "C": "3"}, false},
		{"pairs override files", extra, []string{"C=flag", "D="}, map[string]string{"A": "1", "B": "extra", "C": "flag", "D": ""}, false},
		{"pair without equals", "", []string{"NOPE"}, nil, true},
		{"pair without key", "", []string{"=x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := runEnv(base, tt.file, tt.pairs)
			if tt.wantErr {
				if !errors.Is(err, errInvalidEnvPair) {
					t.Fatalf("runEnv() error = %v, want errInvalidEnvPair", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("runEnv() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("runEnv() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("runEnv()[%s] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestKnowledge_Validate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writeScript(t, dir, "good.yaml", "packages:\n  cv2: opencv-python\n")
	bad := writeScript(t, dir, "bad.cue", "unexpected: true\n")

	h := newHarness(offlineConfig(), nil)
	if err := h.run(t, "kb", "validate", good); err != nil {
		t.Fatalf("validate good: %v", err)
	}
	err := h.run(t, "kb", "validate", good, bad, "--json")
	if exitCode(err) != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode(err))
	}
	var results []layerResult
	if err := json.Unmarshal(h.stdout.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || !results[0].OK || results[1].OK || results[1].Error == "" {
		t.Errorf("results = %+v", results)
	}
}

func TestKnowledge_Show(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	if err := h.run(t, "kb", "show"); err != nil {
		t.Fatalf("kb show: %v", err)
	}
	if !strings.Contains(h.stdout.String(), "builtin") {
		t.Errorf("summary does not list the builtin layer:\n%s", h.stdout)
	}

	if err := h.run(t, "kb", "show", "cv2", "--json"); err != nil {
		t.Fatalf("kb show cv2: %v", err)
	}
	var lib libraryOutput
	if err := json.Unmarshal(h.stdout.Bytes(), &lib); err != nil {
		t.Fatal(err)
	}
	if lib.Name != "opencv-python" || lib.Import != "cv2" || len(lib.Releases) == 0 {
		t.Errorf("library = %+v", lib)
	}

	if err := h.run(t, "kb", "show", "frobnicatorx"); exitCode(err) != 1 {
		t.Errorf("unknown library exit code = %d, want 1", exitCode(err))
	}
}

func TestDoctor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		engine   container.Engine
		wantCode int
		want     checkStatus
	}{
		{"engine reachable", newScriptedEngine(0), 0, checkOK},
		{"engine down", &scriptedEngine{down: true}, 1, checkFail},
		{"engine missing", nil, 1, checkFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(offlineConfig(), tt.engine)
			err := h.run(t, "doctor", "--json")
			if got := exitCode(err); got != tt.wantCode {
				t.Fatalf("exit code = %d (%v), want %d", got, err, tt.wantCode)
			}
			var checks []doctorCheck
			if err := json.Unmarshal(h.stdout.Bytes(), &checks); err != nil {
				t.Fatal(err)
			}
			idx := slices.IndexFunc(checks, func(c doctorCheck) bool { return c.Name == "engine" })
			if idx < 0 {
				t.Fatalf("no engine check in %+v", checks)
			}
			if checks[idx].Status != tt.want {
				t.Errorf("engine check = %+v, want %s", checks[idx], tt.want)
			}
		})
	}
}

func TestExplain(t *testing.T) {
	t.Parallel()

	h := newHarness(offlineConfig(), nil)
	if err := h.run(t, "explain", "--json"); err != nil {
		t.Fatalf("explain: %v", err)
	}
	var kinds []issue.Kind
	if err := json.Unmarshal(h.stdout.Bytes(), &kinds); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(kinds, issue.UnresolvedDependency) {
		t.Errorf("kinds = %v", kinds)
	}

	if err := h.run(t, "explain", string(issue.GenerationError), "--json"); err != nil {
		t.Fatalf("explain GenerationError: %v", err)
	}
	var out explainOutput
	if err := json.Unmarshal(h.stdout.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != issue.GenerationError || out.Markdown == "" {
		t.Errorf("explain = %+v", out)
	}

	if err := h.run(t, "explain", "NoSuchKind"); exitCode(err) != 1 {
		t.Errorf("unknown kind exit code = %d, want 1", exitCode(err))
	}
}

func TestFormatErrorForDisplay(t *testing.T) {
	t.Parallel()

	plain := errors.New("plain failure")
	if got := formatErrorForDisplay(plain, false); got != "plain failure" {
		t.Errorf("plain = %q", got)
	}

	ae := issue.NewErrorContext().
		WithKind(issue.OrchestrationError).
		WithOperation("start container").
		WithSuggestion("Start the docker daemon").
		Wrap(plain).
		Build()
	got := formatErrorForDisplay(ae, false)
	if !strings.Contains(got, "start container") || !strings.Contains(got, "Start the docker daemon") {
		t.Errorf("actionable = %q", got)
	}
}
