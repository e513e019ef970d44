// SPDX-License-Identifier: MPL-2.0

package orchestrate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// StreamStdout carries the script's standard output.
	StreamStdout Stream = "stdout"
	// StreamStderr carries the script's standard error.
	StreamStderr Stream = "stderr"
	// StreamBuild carries image build output.
	StreamBuild Stream = "build"
	// StreamSystem carries relic's own progress messages.
	StreamSystem Stream = "system"

	// DefaultLogBuffer is the event channel capacity.
	DefaultLogBuffer = 256

	maxLineLength = 1 << 20
)

type (
	// Stream names the source of a log line.
	Stream string

	// LogEvent is one line of execution output.
	LogEvent struct {
		Seq    int64     `json:"seq"`
		Time   time.Time `json:"time"`
		Stream Stream    `json:"stream"`
		Line   string    `json:"line"`
	}

	// sink numbers events, delivers them on a bounded channel and mirrors
	// every delivered event to the execution's log file. Once cut, nothing
	// more is delivered.
	sink struct {
		mu     sync.Mutex
		seq    int64
		events chan LogEvent
		cut    chan struct{}
		cutMu  sync.Once
		log    *os.File
		enc    *json.Encoder
		now    func() time.Time
	}
)

func newSink(capacity int, logPath string, now func() time.Time) (*sink, error) {
	if capacity <= 0 {
		capacity = DefaultLogBuffer
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create execution log: %w", err)
	}
	return &sink{
		events: make(chan LogEvent, capacity),
		cut:    make(chan struct{}),
		log:    f,
		enc:    json.NewEncoder(f),
		now:    now,
	}, nil
}

// emit delivers one line. It blocks while the channel is full and gives up
// once the cutoff is set, reporting whether the event was delivered.
func (s *sink) emit(stream Stream, line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.cut:
		return false
	default:
	}

	ev := LogEvent{Seq: s.seq + 1, Time: s.now().UTC(), Stream: stream, Line: line}
	select {
	case s.events <- ev:
	case <-s.cut:
		return false
	}
	s.seq = ev.Seq
	_ = s.enc.Encode(ev) // the log file mirrors the channel; a failed write loses only the mirror
	return true
}

func (s *sink) emitf(stream Stream, format string, args ...any) {
	s.emit(stream, fmt.Sprintf(format, args...))
}

// cutoff stops delivery. Safe to call more than once.
func (s *sink) cutoff() {
	s.cutMu.Do(func() { close(s.cut) })
}

// delivered returns the sequence number of the last delivered event.
func (s *sink) delivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// close closes the channel and the log file. No emit may run concurrently.
func (s *sink) close() {
	close(s.events)
	_ = s.log.Close()
}

// lineWriter returns a writer whose lines become events on stream, and a
// wait function that returns once the writer is closed and every line has
// been emitted. A reader goroutine scans the pipe with bufio.
func (s *sink) lineWriter(stream Stream) (io.WriteCloser, func()) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64<<10), maxLineLength)
		for scanner.Scan() {
			s.emit(stream, scanner.Text())
		}
		// Drain so the writer never blocks on an abandoned pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()
	return pw, func() { <-done }
}

// ReadLog decodes an execution log file written by a sink.
func ReadLog(path string) ([]LogEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []LogEvent
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev LogEvent
		if err := dec.Decode(&ev); err != nil {
			return events, fmt.Errorf("decode log %s: %w", path, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
