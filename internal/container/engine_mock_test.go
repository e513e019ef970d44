// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// cliRecorder stands in for the engine binary. Every command it creates
// re-executes the test binary as TestHelperProcess, which prints the
// configured output and exits with the configured code.
type cliRecorder struct {
	Stdout   string
	Stderr   string
	ExitCode int

	mu    sync.Mutex
	calls [][]string
}

func newCLIRecorder() *cliRecorder {
	return &cliRecorder{}
}

// ContextCommandFunc plugs the recorder into WithExecCommand.
func (r *cliRecorder) ContextCommandFunc(t *testing.T) ExecCommandFunc {
	t.Helper()
	return func(_ context.Context, _ string, args ...string) *exec.Cmd {
		r.mu.Lock()
		r.calls = append(r.calls, slices.Clone(args))
		stdout, stderr, code := r.Stdout, r.Stderr, r.ExitCode
		r.mu.Unlock()

		//nolint:gosec // re-executes the test binary
		cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$") //nolint:noctx // helper process outlives no context
		cmd.Env = []string{
			"RELIC_HELPER_PROCESS=1",
			"RELIC_HELPER_STDOUT=" + stdout,
			"RELIC_HELPER_STDERR=" + stderr,
			"RELIC_HELPER_EXIT=" + strconv.Itoa(code),
		}
		return cmd
	}
}

// LastArgs returns the arguments of the most recent command.
func (r *cliRecorder) LastArgs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func (r *cliRecorder) AssertInvocationCount(t *testing.T, want int) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) != want {
		t.Errorf("engine invoked %d times, want %d: %v", len(r.calls), want, r.calls)
	}
}

func (r *cliRecorder) AssertFirstArg(t *testing.T, want string) {
	t.Helper()
	if args := r.LastArgs(); len(args) == 0 || args[0] != want {
		t.Errorf("subcommand = %v, want %q", args, want)
	}
}

func (r *cliRecorder) AssertArgsContain(t *testing.T, want string) {
	t.Helper()
	r.AssertArgsContainAll(t, []string{want})
}

func (r *cliRecorder) AssertArgsContainAll(t *testing.T, want []string) {
	t.Helper()
	joined := strings.Join(r.LastArgs(), " ")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("args %q missing %q", joined, w)
		}
	}
}

// TestHelperProcess is the fake engine binary run by cliRecorder.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("RELIC_HELPER_PROCESS") != "1" {
		return
	}
	_, _ = os.Stdout.WriteString(os.Getenv("RELIC_HELPER_STDOUT"))
	_, _ = os.Stderr.WriteString(os.Getenv("RELIC_HELPER_STDERR"))
	code, _ := strconv.Atoi(os.Getenv("RELIC_HELPER_EXIT"))
	os.Exit(code)
}
