// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"errors"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/relicrun/relic/internal/history"
)

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateAnalyzing, "analyzing"},
		{StateResolving, "resolving"},
		{StateBuilding, "building"},
		{StateRunning, "running"},
		{StateCompleted, "completed"},
		{StateFailed, "failed"},
		{StateCancelled, "cancelled"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if err := tt.state.Validate(); err != nil {
			t.Errorf("State(%d).Validate() = %v", tt.state, err)
		}
	}
	if err := State(42).Validate(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Validate(42) = %v, want ErrInvalidState", err)
	}
}

func TestState_Status(t *testing.T) {
	t.Parallel()

	if StateCompleted.Status() != history.StatusCompleted ||
		StateFailed.Status() != history.StatusFailed ||
		StateCancelled.Status() != history.StatusCancelled {
		t.Error("terminal states map to the wrong history status")
	}
	for _, s := range []State{StatePending, StateRunning} {
		if s.IsTerminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
}

func TestStateMachine_ForwardOnly(t *testing.T) {
	t.Parallel()

	var m stateMachine
	if !m.advance(StateAnalyzing) || !m.advance(StateBuilding) {
		t.Fatal("forward moves rejected")
	}
	if m.advance(StateResolving) || m.advance(StateBuilding) {
		t.Error("backward or repeated move accepted")
	}
	if !m.advance(StateFailed) {
		t.Fatal("move to terminal state rejected")
	}
	if m.advance(StateCancelled) {
		t.Error("terminal state left")
	}
	if m.load() != StateFailed {
		t.Errorf("state = %s, want failed", m.load())
	}
}

func TestStateMachine_ConcurrentTerminal(t *testing.T) {
	t.Parallel()

	var (
		m    stateMachine
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []State
	)
	m.advance(StateRunning)
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		wg.Go(func() {
			if m.advance(s) {
				mu.Lock()
				wins = append(wins, s)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if len(wins) == 0 || !m.load().IsTerminal() {
		t.Fatalf("no terminal state reached: %v", wins)
	}
	if !slices.Contains(wins, m.load()) {
		t.Errorf("final state %s not among winners %v", m.load(), wins)
	}
}

func TestSink_CutoffAndLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "x.log")
	s, err := newSink(4, path, time.Now)
	if err != nil {
		t.Fatal(err)
	}

	w, wait := s.lineWriter(StreamStdout)
	_, _ = io.WriteString(w, "first\nsecond\npartial")
	_ = w.Close()
	wait()

	s.cutoff()
	s.cutoff()
	if s.emit(StreamSystem, "late") {
		t.Error("emit after cutoff delivered")
	}
	if s.delivered() != 3 {
		t.Errorf("delivered = %d, want 3", s.delivered())
	}
	s.close()

	var got []string
	for ev := range s.events {
		got = append(got, ev.Line)
	}
	if !slices.Equal(got, []string{"first", "second", "partial"}) {
		t.Errorf("events = %v", got)
	}
	logged, err := ReadLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 3 || logged[2].Seq != 3 || logged[0].Stream != StreamStdout {
		t.Errorf("log = %+v", logged)
	}
}

func TestSink_CutoffUnblocksFullChannel(t *testing.T) {
	t.Parallel()

	s, err := newSink(1, filepath.Join(t.TempDir(), "x.log"), time.Now)
	if err != nil {
		t.Fatal(err)
	}
	s.emit(StreamStdout, "fills the buffer")

	blocked := make(chan bool, 1)
	go func() { blocked <- s.emit(StreamStdout, "waits") }()
	time.Sleep(20 * time.Millisecond)
	s.cutoff()
	select {
	case ok := <-blocked:
		if ok {
			t.Error("blocked emit delivered after cutoff")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cutoff did not release a blocked emit")
	}
	s.close()
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	err := Request{Timeout: -1}.Validate()
	var invalid *InvalidRequestError
	if !errors.As(err, &invalid) || len(invalid.FieldErrs) != 4 {
		t.Fatalf("Validate() = %v, want four field errors", err)
	}
	if !errors.Is(err, ErrInvalidRequest) {
		t.Error("error does not match ErrInvalidRequest")
	}
}
