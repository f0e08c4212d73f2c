package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/retry"
)

// ManagerConfig tunes the scheduling of roots.
type ManagerConfig struct {
	// RootConcurrency bounds how many roots run at the same time.
	RootConcurrency int
	// PollInterval triggers a run on every root even without local or
	// remote notifications.
	PollInterval time.Duration
	// Backoff spaces the retries of a root whose run failed transiently.
	Backoff retry.Config
}

// DefaultBackoff matches the reconnect policy of the remote notifier:
// 5s doubling up to 5m.
func DefaultBackoff() retry.Config {
	return retry.Config{
		InitialWait: 5 * time.Second,
		MaxWait:     5 * time.Minute,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// Manager schedules independent per-root run loops.
type Manager struct {
	cfg    ManagerConfig
	roots  map[string]*Root
	names  []string
	sem    *semaphore.Weighted
	clock  clockwork.Clock
	logger *slog.Logger

	triggers map[string]chan struct{}
}

// NewManager creates a Manager for roots. Root names must be unique.
func NewManager(roots []*Root, cfg ManagerConfig, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if cfg.RootConcurrency < 1 {
		cfg.RootConcurrency = 1
	}

	if cfg.Backoff.InitialWait <= 0 {
		cfg.Backoff = DefaultBackoff()
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	m := &Manager{
		cfg:      cfg,
		roots:    make(map[string]*Root, len(roots)),
		sem:      semaphore.NewWeighted(int64(cfg.RootConcurrency)),
		clock:    clock,
		logger:   logger,
		triggers: make(map[string]chan struct{}, len(roots)),
	}

	for _, r := range roots {
		m.roots[r.Name()] = r
		m.names = append(m.names, r.Name())
		m.triggers[r.Name()] = make(chan struct{}, 1)
	}

	sort.Strings(m.names)

	return m
}

// Root returns the named root.
func (m *Manager) Root(name string) (*Root, error) {
	r, ok := m.roots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", syncerr.ErrUnknownRoot, name)
	}

	return r, nil
}

// Names returns the root names in sorted order.
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

// Trigger asks the named root's loop for a run. Triggers arriving while
// one is already queued are merged.
func (m *Manager) Trigger(name string) error {
	ch, ok := m.triggers[name]
	if !ok {
		return fmt.Errorf("%w: %q", syncerr.ErrUnknownRoot, name)
	}

	select {
	case ch <- struct{}{}:
	default:
	}

	return nil
}

// TriggerFunc returns a callback for watchers and notifiers.
func (m *Manager) TriggerFunc(name string) func() {
	return func() {
		_ = m.Trigger(name)
	}
}

// Run starts one loop per root and blocks until ctx is done. Each loop
// runs once at start, then on triggers, on the poll interval and on
// backoff after a transient failure.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, name := range m.names {
		g.Go(func() error {
			m.loop(gctx, m.roots[name], m.triggers[name])
			return nil
		})
	}

	_ = g.Wait()

	return ctx.Err()
}

func (m *Manager) loop(ctx context.Context, r *Root, trigger <-chan struct{}) {
	var pollC <-chan time.Time

	if m.cfg.PollInterval > 0 {
		ticker := m.clock.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		pollC = ticker.Chan()
	}

	var (
		failures int
		backoff  clockwork.Timer
		retryC   <-chan time.Time
	)

	defer func() {
		if backoff != nil {
			backoff.Stop()
		}
	}()

	runOnce := func() {
		report, err := m.syncRoot(ctx, r)
		if ctx.Err() != nil {
			return
		}

		if backoff != nil {
			backoff.Stop()
			backoff, retryC = nil, nil
		}

		if !needsRetry(report, err) {
			failures = 0
			return
		}

		failures++
		wait := retry.Delay(m.cfg.Backoff, failures)

		m.logger.Info("scheduling retry",
			slog.String("root", r.Name()),
			slog.Int("failures", failures),
			slog.Duration("wait", wait),
		)

		backoff = m.clock.NewTimer(wait)
		retryC = backoff.Chan()
	}

	runOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			runOnce()
		case <-pollC:
			runOnce()
		case <-retryC:
			backoff, retryC = nil, nil
			runOnce()
		}
	}
}

// needsRetry reports whether a run should be repeated on backoff rather
// than waiting for the next trigger.
func needsRetry(report *Report, err error) bool {
	if err != nil {
		return syncerr.IsRetryable(err) || errors.Is(err, syncerr.ErrCircuitOpen)
	}

	return report != nil && report.HasRetryableFailures()
}

// syncRoot runs r under the root concurrency limit.
func (m *Manager) syncRoot(ctx context.Context, r *Root) (*Report, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	report, err := r.Sync(ctx)

	switch {
	case errors.Is(err, syncerr.ErrRunInProgress), errors.Is(err, syncerr.ErrPaused):
		m.logger.Debug("run not started", slog.String("root", r.Name()), slog.String("reason", err.Error()))
	case err != nil && syncerr.KindOf(err) == syncerr.KindIdentityMismatch:
		m.logger.Error("sync root blocked", slog.String("root", r.Name()), slog.String("error", err.Error()))
	}

	return report, err
}

// Result pairs a root with the outcome of one run.
type Result struct {
	Root   string
	Report *Report
	Err    error
}

// SyncAll runs every root once, in parallel up to RootConcurrency, and
// returns the results in name order.
func (m *Manager) SyncAll(ctx context.Context) []Result {
	results := make([]Result, len(m.names))

	var g errgroup.Group

	for i, name := range m.names {
		g.Go(func() error {
			report, err := m.syncRoot(ctx, m.roots[name])
			results[i] = Result{Root: name, Report: report, Err: err}

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// Status returns every root's status in name order.
func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.roots[name].Status())
	}

	return out
}

// Pause pauses the named root.
func (m *Manager) Pause(name string) error {
	r, err := m.Root(name)
	if err != nil {
		return err
	}

	r.Pause()

	return nil
}

// Resume resumes the named root and queues a run.
func (m *Manager) Resume(name string) error {
	r, err := m.Root(name)
	if err != nil {
		return err
	}

	r.Resume()

	return m.Trigger(name)
}

// Abort cancels the named root's active run. It reports whether a run
// was active.
func (m *Manager) Abort(name string) (bool, error) {
	r, err := m.Root(name)
	if err != nil {
		return false, err
	}

	return r.Abort(), nil
}

// Resync queues a run of the named root.
func (m *Manager) Resync(name string) error {
	r, err := m.Root(name)
	if err != nil {
		return err
	}

	if r.Status().Paused {
		return fmt.Errorf("%s: %w", name, syncerr.ErrPaused)
	}

	return m.Trigger(name)
}

// Conflicts returns the named root's kept conflicts.
func (m *Manager) Conflicts(name string) ([]journal.ConflictRecord, error) {
	r, err := m.Root(name)
	if err != nil {
		return nil, err
	}

	return r.Conflicts()
}

// SetExclusions replaces the named root's selective-sync list and queues
// a run to apply it.
func (m *Manager) SetExclusions(name string, paths []string) ([]string, error) {
	r, err := m.Root(name)
	if err != nil {
		return nil, err
	}

	exclusions, err := r.SetExclusions(paths)
	if err != nil {
		return nil, err
	}

	return exclusions, m.Trigger(name)
}
