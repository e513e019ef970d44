// SPDX-License-Identifier: MPL-2.0

// Package watch fires a debounced callback when knowledge files change.
//
// Watches are placed on the parent directory of every path so that editors
// which save by writing a temporary file and renaming it over the original are
// still observed. Events for files outside the watched set are dropped, and
// events within the debounce window are coalesced so the callback fires once
// with the full set of changed paths.
package watch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is the quiet period after the last filesystem event before
// the callback fires.
const defaultDebounce = 500 * time.Millisecond

var (
	// defaultPatterns select knowledge layers inside a watched directory.
	defaultPatterns = []string{"*.cue", "*.yaml", "*.yml", "*.json", "*.conf", "*.ini"}

	// defaultIgnores are editor swap and backup files that never trigger a reload.
	defaultIgnores = []string{"*.swp", "*.swo", "*~", ".#*", "#*#", ".DS_Store"}

	// ErrInvalidWatchConfig is the sentinel error wrapped by InvalidWatchConfigError.
	ErrInvalidWatchConfig = errors.New("invalid watch config")
)

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Paths are the files or directories to watch. A directory selects
		// every file in it matching Patterns.
		Paths []string

		// Patterns are doublestar globs matched against file names inside a
		// watched directory. Empty means knowledge and pip config formats.
		Patterns []string

		// Ignore are additional globs for file names that never fire,
		// merged with the editor swap file defaults.
		Ignore []string

		// Debounce is the quiet period after the last event before the callback
		// fires. Zero or negative values fall back to defaultDebounce.
		Debounce time.Duration

		// OnChange receives the absolute paths that changed. A nil callback
		// is a no-op.
		OnChange func(ctx context.Context, changed []string) error

		// Logger defaults to log.Default().
		Logger *log.Logger
	}

	// InvalidWatchConfigError is returned when Config fails validation.
	InvalidWatchConfigError struct {
		FieldErrors []error
	}

	// Watcher monitors knowledge files and fires a debounced callback when
	// they change. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		files    map[string]struct{}
		dirs     map[string]struct{}
		patterns []string
		ignores  []string
		debounce time.Duration
		logger   *log.Logger
		started  atomic.Bool
	}
)

// Error implements the error interface.
func (e *InvalidWatchConfigError) Error() string {
	return fmt.Sprintf("invalid watch config (%d field errors): %v", len(e.FieldErrors), errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidWatchConfig for errors.Is() compatibility.
func (e *InvalidWatchConfigError) Unwrap() error { return ErrInvalidWatchConfig }

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	for i, p := range c.Paths {
		if p == "" {
			errs = append(errs, fmt.Errorf("path %d must not be empty", i))
		}
	}
	for _, pat := range c.Patterns {
		if !doublestar.ValidatePattern(pat) || pat == "" {
			errs = append(errs, fmt.Errorf("invalid watch pattern %q", pat))
		}
	}
	for _, pat := range c.Ignore {
		if !doublestar.ValidatePattern(pat) || pat == "" {
			errs = append(errs, fmt.Errorf("invalid ignore pattern %q", pat))
		}
	}
	if len(errs) > 0 {
		return &InvalidWatchConfigError{FieldErrors: errs}
	}
	return nil
}

// New validates cfg and registers a watch on the parent directory of every
// file and on every directory in cfg.Paths. Paths whose directory does not
// exist are logged and skipped.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		patterns: cfg.Patterns,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
	}
	if len(w.patterns) == 0 {
		w.patterns = defaultPatterns
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	if w.logger == nil {
		w.logger = log.Default()
	}

	if err := w.addPaths(); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			w.logger.Warn("watch: close after init failure", "error", closeErr)
		}
		return nil, err
	}
	return w, nil
}

// Watched returns the directories under watch, sorted.
func (w *Watcher) Watched() []string {
	return slices.Sorted(slices.Values(w.fsw.WatchList()))
}

// Run blocks until ctx is cancelled, dispatching debounced callbacks. It
// returns nil on cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watch: Run called more than once")
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire runs on the timer goroutine. A callback still in progress when
	// the next window closes reschedules instead of overlapping.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		w.logger.Debug("knowledge files changed", "paths", changed)
		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx, changed); err != nil {
				w.logger.Error("watch: callback failed", "error", err)
			}
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if closeErr := w.fsw.Close(); closeErr != nil {
			w.logger.Warn("watch: close fsnotify", "error", closeErr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) {
				continue
			}
			if !w.selected(evt.Name) {
				continue
			}

			mu.Lock()
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("watch: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) addPaths() error {
	for _, p := range w.cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("watch: resolve %q: %w", p, err)
		}

		dir := filepath.Dir(abs)
		if info, statErr := os.Stat(abs); statErr == nil && info.IsDir() {
			dir = abs
			w.dirs[abs] = struct{}{}
		} else {
			w.files[abs] = struct{}{}
		}

		if _, statErr := os.Stat(dir); statErr != nil {
			w.logger.Warn("watch: skipping path with missing directory", "path", abs)
			continue
		}
		if slices.Contains(w.fsw.WatchList(), dir) {
			continue
		}
		if addErr := w.fsw.Add(dir); addErr != nil {
			return fmt.Errorf("watch: add directory %q: %w", dir, addErr)
		}
	}
	return nil
}

// selected reports whether an event path is a watched file, or a
// non-ignored file matching the patterns inside a watched directory.
func (w *Watcher) selected(path string) bool {
	name := filepath.Base(path)
	if matchAny(w.ignores, name) {
		return false
	}
	if _, ok := w.files[path]; ok {
		return true
	}
	if _, ok := w.dirs[filepath.Dir(path)]; ok {
		return matchAny(w.patterns, name)
	}
	return false
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if matched, err := doublestar.Match(pat, name); err == nil && matched {
			return true
		}
	}
	return false
}
