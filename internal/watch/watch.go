// Package watch turns local filesystem activity under a sync root into
// run triggers.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/logging"
)

const (
	// DefaultQuiet is how long the tree must stay still before a run is
	// triggered.
	DefaultQuiet = 2 * time.Second

	// DefaultMaxDelay bounds how long a stream of changes can hold back
	// the trigger.
	DefaultMaxDelay = 30 * time.Second
)

// Config holds the settings of a Watcher.
type Config struct {
	// Dir is the absolute root directory.
	Dir string
	// Allow filters root-relative paths. Nil allows everything.
	Allow func(rel string) bool
	// Trigger is called once per settled burst of changes.
	Trigger  func()
	Quiet    time.Duration
	MaxDelay time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Watcher watches a root directory recursively.
type Watcher struct {
	cfg      Config
	debounce *Debouncer
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultQuiet
	}

	if cfg.MaxDelay < cfg.Quiet {
		cfg.MaxDelay = DefaultMaxDelay
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Allow == nil {
		cfg.Allow = func(string) bool { return true }
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Watcher{
		cfg:      cfg,
		debounce: NewDebouncer(cfg.Clock, cfg.Quiet, cfg.MaxDelay, cfg.Trigger),
	}
}

// Watch blocks until ctx is done. New directories are added as they
// appear; watch errors are logged and do not stop the watcher.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.cfg.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.cfg.Dir, err)
	}

	defer w.debounce.Stop()

	w.cfg.Logger.Info("file watcher started", slog.String("dir", w.cfg.Dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handle(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.cfg.Logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(watcher *fsnotify.Watcher, event fsnotify.Event) {
	rel, ok := w.relevant(event.Name)
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) {
		// Lstat so a symlinked directory outside the root is not followed.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(watcher, event.Name); err != nil {
				w.cfg.Logger.Warn("watching new directory",
					slog.String("path", rel),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// Harmless when the path was not a watched directory.
		_ = watcher.Remove(event.Name)
	}

	if event.Op == fsnotify.Chmod {
		return
	}

	w.cfg.Logger.Debug("local change", slog.String("path", rel), slog.String("op", event.Op.String()))
	w.debounce.Notify()
}

// relevant maps an absolute event path to a root-relative one and
// reports whether the engine cares about it.
func (w *Watcher) relevant(abs string) (string, bool) {
	rel, err := filepath.Rel(w.cfg.Dir, abs)
	if err != nil {
		return "", false
	}

	rel = localfs.NormalizePath(rel)
	if rel == "" || localfs.IsPartial(rel) {
		return "", false
	}

	return rel, w.cfg.Allow(rel)
}

func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.cfg.Dir {
			if _, ok := w.relevant(path); !ok {
				return filepath.SkipDir
			}
		}

		return watcher.Add(path)
	})
}

// Debouncer collapses bursts of notifications into one call of fn, made
// once no notification arrived for quiet, or maxDelay after the first
// notification of the burst, whichever comes first.
type Debouncer struct {
	clock    clockwork.Clock
	quiet    time.Duration
	maxDelay time.Duration
	fn       func()

	mu    sync.Mutex
	first time.Time
	timer clockwork.Timer
	gen   uint64
}

// NewDebouncer creates a Debouncer.
func NewDebouncer(clock clockwork.Clock, quiet, maxDelay time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: clock, quiet: quiet, maxDelay: maxDelay, fn: fn}
}

// Notify records activity.
func (d *Debouncer) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if d.first.IsZero() {
		d.first = now
	}

	wait := d.quiet
	if left := d.first.Add(d.maxDelay).Sub(now); left < wait {
		wait = left
	}

	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(wait, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}

	d.first = time.Time{}
	d.timer = nil
	d.mu.Unlock()

	if d.fn != nil {
		d.fn()
	}
}

// Stop cancels a pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.gen++
	d.first = time.Time{}
}
