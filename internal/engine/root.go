// Package engine runs sync roots: one run at a time per root, each run a
// pipeline of identity guard, scan and listing, reconcile and propagate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/treesync/internal/credentials"
	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/filter"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/logging"
	"github.com/alexjbarnes/treesync/internal/metrics"
	"github.com/alexjbarnes/treesync/internal/propagate"
	"github.com/alexjbarnes/treesync/internal/reconcile"
	"github.com/alexjbarnes/treesync/internal/remote"
	"github.com/alexjbarnes/treesync/internal/retry"
	"github.com/alexjbarnes/treesync/internal/scanner"
)

// State is the lifecycle state of a root.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	// StateBlocked means the journal belongs to another account or remote
	// folder. Every run is refused until an operator rebinds the journal.
	StateBlocked State = "blocked"
	StateAborted State = "aborted"
	StateFailed  State = "failed"
)

// RootConfig binds one local tree to one remote folder.
type RootConfig struct {
	Name         string
	AccountID    string
	RemoteFolder string
	JournalPath  string
	// Exclude seeds the selective-sync list of a newly created journal.
	Exclude []string
	Ignore  []string

	Tree *localfs.Tree
	API  remote.API
	// Credentials is optional. When set, a run starts by checking that
	// it yields a token for AccountID.
	Credentials credentials.Provider

	Sink   events.Sink
	Clock  clockwork.Clock
	Logger *slog.Logger

	Retry            retry.Config
	Concurrency      int
	Timeout          time.Duration
	BreakerThreshold int
	Rename           scanner.RenamePolicy
}

// Root is one sync root. Runs on a root are serialized; different roots
// are independent.
type Root struct {
	cfg     RootConfig
	planner *reconcile.Planner
	lister  *remote.Lister
	logger  *slog.Logger

	// run is held for the whole of a run and while commands touch the
	// journal outside one.
	run sync.Mutex

	mu        sync.Mutex
	state     State
	paused    bool
	cancel    context.CancelCauseFunc
	last      *Report
	lastErr   error
	pending   []string
	hasPend   bool
	conflicts []journal.ConflictRecord
	filter    *filter.Filter
}

// NewRoot creates a Root. Missing sink, clock, logger and rename policy
// get defaults.
func NewRoot(cfg RootConfig) *Root {
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	if cfg.Rename.MinConfidence == 0 {
		cfg.Rename = scanner.DefaultRenamePolicy()
	}

	logger := logging.ForRoot(cfg.Logger, cfg.Name)
	cfg.Logger = logger

	return &Root{
		cfg:     cfg,
		planner: reconcile.NewPlanner(cfg.Clock, logger),
		lister:  remote.NewLister(cfg.API, cfg.Retry, cfg.Clock, cfg.Timeout, logger),
		logger:  logger,
		state:   StateIdle,
	}
}

// Name returns the root name.
func (r *Root) Name() string {
	return r.cfg.Name
}

// Allows reports whether a change at rel can matter to the next run. It
// uses the filter of the last run, or the configured patterns before
// the first one.
func (r *Root) Allows(rel string) bool {
	r.mu.Lock()
	f := r.filter
	r.mu.Unlock()

	if f == nil {
		var err error

		f, err = filter.New(r.cfg.Exclude, r.cfg.Ignore)
		if err != nil {
			return true
		}
	}

	return f.Allow(rel)
}

// Status is a snapshot of a root for operators.
type Status struct {
	Name         string  `json:"name"`
	State        State   `json:"state"`
	Paused       bool    `json:"paused"`
	AccountID    string  `json:"account_id"`
	RemoteFolder string  `json:"remote_folder"`
	LocalDir     string  `json:"local_dir"`
	LastRun      *Report `json:"last_run,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
}

// Status returns the current state and the last run's report.
func (r *Root) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Name:         r.cfg.Name,
		State:        r.state,
		Paused:       r.paused,
		AccountID:    r.cfg.AccountID,
		RemoteFolder: r.cfg.RemoteFolder,
		LastRun:      r.last,
	}

	if r.cfg.Tree != nil {
		s.LocalDir = r.cfg.Tree.Dir()
	}

	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}

	return s
}

// Pause cancels the active run, if any, and refuses new runs until
// Resume.
func (r *Root) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused = true

	if r.cancel != nil {
		r.cancel(syncerr.ErrPaused)
		return
	}

	r.state = StatePaused
}

// Resume allows runs again.
func (r *Root) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused = false

	if r.state == StatePaused {
		r.state = StateIdle
	}
}

// Abort cancels the active run, which ends Aborted. It reports whether a
// run was active.
func (r *Root) Abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return false
	}

	r.cancel(syncerr.ErrAborted)

	return true
}

// Sync performs one run. It returns ErrRunInProgress when a run is
// already active and ErrPaused while the root is paused. A run that
// executed returns its report even when it also returns an error.
func (r *Root) Sync(ctx context.Context) (*Report, error) {
	if !r.run.TryLock() {
		return nil, syncerr.ErrRunInProgress
	}
	defer r.run.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return nil, syncerr.ErrPaused
	}

	r.cancel = cancel
	r.state = StateRunning
	r.mu.Unlock()

	report := &Report{
		RunID:     uuid.NewString(),
		Root:      r.cfg.Name,
		StartedAt: r.cfg.Clock.Now(),
		Planned:   map[string]int{},
	}

	metrics.SetRunning(r.cfg.Name, true)
	r.publish(events.Event{Type: events.RunStarted, RunID: report.RunID})
	r.logger.Info("sync run starting", slog.String("run_id", report.RunID))

	err := r.sync(ctx, report)
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}

	if errors.Is(err, syncerr.ErrAuth) {
		if inv, ok := r.cfg.Credentials.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
	}

	report.FinishedAt = r.cfg.Clock.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	report.State = finalState(err)

	if err != nil {
		report.Error = err.Error()
	}

	r.mu.Lock()
	r.cancel = nil
	r.state = report.State
	if r.paused && r.state != StateBlocked {
		r.state = StatePaused
	}
	r.last = report
	r.lastErr = err
	r.mu.Unlock()

	metrics.SetRunning(r.cfg.Name, false)
	metrics.RecordRun(r.cfg.Name, string(report.State), report.Duration)

	ev := events.Event{Type: events.RunFinished, RunID: report.RunID, Detail: string(report.State)}
	if err != nil {
		ev.Error = err.Error()
	}

	r.publish(ev)

	attrs := []any{
		slog.String("run_id", report.RunID),
		slog.String("state", string(report.State)),
		slog.Duration("duration", report.Duration),
		slog.Int("instructions", report.Instructions()),
		slog.Int("succeeded", report.Succeeded+report.Retried),
		slog.Int("failed", report.Failed),
		slog.Int("conflicts", len(report.Conflicts)),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		r.logger.Warn("sync run finished", attrs...)
	} else {
		r.logger.Info("sync run finished", attrs...)
	}

	return report, err
}

// sync is the run pipeline. The journal handle lives exactly as long as
// the run.
func (r *Root) sync(ctx context.Context, report *Report) error {
	if err := r.checkAccount(ctx); err != nil {
		return err
	}

	j, err := r.openJournal()
	if err != nil {
		return err
	}

	defer func() {
		if err := j.Close(); err != nil {
			r.logger.Warn("closing journal", slog.String("error", err.Error()))
		}
	}()

	if err := r.guard(j, report.RunID); err != nil {
		return err
	}

	if err := r.applyPendingExclusions(j); err != nil {
		return err
	}

	exclusions, err := j.Exclusions()
	if err != nil {
		return fmt.Errorf("reading exclusions: %w", err)
	}

	f, err := filter.New(exclusions, r.cfg.Ignore)
	if err != nil {
		return syncerr.Config(err)
	}

	r.mu.Lock()
	r.filter = f
	r.mu.Unlock()

	records, err := j.All()
	if err != nil {
		return fmt.Errorf("reading journal records: %w", err)
	}

	var (
		scan    *scanner.Result
		listing *remote.Listing
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		scan, err = scanner.New(r.cfg.Tree, f, r.cfg.Rename, r.logger).Scan(gctx, records)
		if err != nil {
			return fmt.Errorf("scanning local tree: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		var err error
		listing, err = r.lister.List(gctx, records, f)
		if err != nil {
			return fmt.Errorf("listing remote tree: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	plan := r.planner.Reconcile(reconcile.Input{
		Local:      scan.Changes,
		Remote:     listing.Changes,
		Journal:    records,
		LocalTree:  scan.Current,
		RemoteTree: listing.Current,
		Filter:     f,
	})

	report.Planned = plan.Counts()
	metrics.RecordPlanned(r.cfg.Name, report.Planned)

	if plan.Empty() {
		r.refreshConflicts(j)
		metrics.SetJournalRecords(r.cfg.Name, len(records))

		return nil
	}

	res := propagate.New(propagate.Config{
		Root:             r.cfg.Name,
		Tree:             r.cfg.Tree,
		API:              r.cfg.API,
		Journal:          j,
		Filter:           f,
		Sink:             r.cfg.Sink,
		Clock:            r.cfg.Clock,
		Logger:           r.logger,
		Retry:            r.cfg.Retry,
		Concurrency:      r.cfg.Concurrency,
		Timeout:          r.cfg.Timeout,
		BreakerThreshold: r.cfg.BreakerThreshold,
	}).Propagate(ctx, report.RunID, plan)

	report.apply(res)
	r.refreshConflicts(j)

	if all, err := j.All(); err == nil {
		metrics.SetJournalRecords(r.cfg.Name, len(all))
	}

	return res.Err
}

// checkAccount fails the run when the credentials or the backend belong
// to an account other than the root's.
func (r *Root) checkAccount(ctx context.Context) error {
	if r.cfg.Credentials != nil {
		creds, err := r.cfg.Credentials.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("obtaining credentials: %w", err)
		}

		if creds.AccountID != "" && creds.AccountID != r.cfg.AccountID {
			return syncerr.Fatal(fmt.Errorf("credentials for %s, root bound to %s: %w",
				creds.AccountID, r.cfg.AccountID, syncerr.ErrWrongAccount))
		}
	}

	reporter, ok := r.cfg.API.(remote.AccountReporter)
	if !ok {
		return nil
	}

	account, err := reporter.Account(ctx)
	if err != nil {
		return fmt.Errorf("checking remote account: %w", err)
	}

	if account != "" && account != r.cfg.AccountID {
		return syncerr.Fatal(fmt.Errorf("remote reports account %s, root bound to %s: %w",
			account, r.cfg.AccountID, syncerr.ErrWrongAccount))
	}

	return nil
}

func (r *Root) binding() journal.Binding {
	return journal.Binding{AccountID: r.cfg.AccountID, FolderPath: r.cfg.RemoteFolder}
}

// openJournal loads the root's journal, creating it on the first run
// with the configured exclusions.
func (r *Root) openJournal() (*journal.Journal, error) {
	now := r.cfg.Clock.Now()

	j, err := journal.Load(r.cfg.JournalPath, r.binding(), now)
	if err == nil {
		return j, nil
	}

	if !errors.Is(err, syncerr.ErrJournalNotFound) {
		return nil, err
	}

	j, err = journal.Create(r.cfg.JournalPath, r.binding(), now)
	if err != nil {
		return nil, err
	}

	exclusions, err := NormalizeExclusions(r.cfg.Exclude)
	if err == nil {
		err = j.SetExclusions(exclusions)
	}

	if err != nil {
		j.Close()
		return nil, fmt.Errorf("seeding exclusions: %w", err)
	}

	r.logger.Info("journal created",
		slog.String("path", r.cfg.JournalPath),
		slog.Int("exclusions", len(exclusions)),
	)

	return j, nil
}

// guard refuses the run when the journal's identity token does not match
// this root's account and remote folder.
func (r *Root) guard(j *journal.Journal, runID string) error {
	ok, err := j.VerifyIdentity(r.cfg.AccountID, r.cfg.RemoteFolder)
	if err != nil {
		return fmt.Errorf("verifying journal identity: %w", err)
	}

	if ok {
		return nil
	}

	id, err := j.Identity()
	if err != nil {
		return fmt.Errorf("reading journal identity: %w", err)
	}

	metrics.RecordIdentityMismatch(r.cfg.Name)
	r.publish(events.Event{
		Type:   events.IdentityMismatch,
		RunID:  runID,
		Detail: fmt.Sprintf("journal bound to account %s folder %s", id.AccountID, id.FolderPath),
	})

	return syncerr.IdentityMismatch(fmt.Errorf("journal %s bound to account %s folder %s, root uses account %s folder %s: %w",
		r.cfg.JournalPath, id.AccountID, id.FolderPath, r.cfg.AccountID, r.cfg.RemoteFolder, syncerr.ErrFolderSharing))
}

func (r *Root) refreshConflicts(j *journal.Journal) {
	conflicts, err := j.Conflicts()
	if err != nil {
		r.logger.Warn("reading conflicts", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	r.conflicts = conflicts
	r.mu.Unlock()
}

func (r *Root) publish(e events.Event) {
	e.Root = r.cfg.Name
	e.Time = r.cfg.Clock.Now()
	r.cfg.Sink.Publish(e)
}

// Conflicts returns the conflicts kept in the journal. While a run is
// active it returns those known at the end of the previous run.
func (r *Root) Conflicts() ([]journal.ConflictRecord, error) {
	if !r.run.TryLock() {
		r.mu.Lock()
		defer r.mu.Unlock()

		return slices.Clone(r.conflicts), nil
	}
	defer r.run.Unlock()

	j, err := journal.Load(r.cfg.JournalPath, r.binding(), r.cfg.Clock.Now())
	if errors.Is(err, syncerr.ErrJournalNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}
	defer j.Close()

	r.refreshConflicts(j)

	return j.Conflicts()
}

// SetExclusions replaces the selective-sync list. Outside a run it is
// written to the journal at once; otherwise the next run applies it
// before scanning. Newly excluded paths are removed locally by that run.
func (r *Root) SetExclusions(paths []string) ([]string, error) {
	exclusions, err := NormalizeExclusions(paths)
	if err != nil {
		return nil, err
	}

	if !r.run.TryLock() {
		r.setPending(exclusions)
		return exclusions, nil
	}
	defer r.run.Unlock()

	j, err := journal.Load(r.cfg.JournalPath, r.binding(), r.cfg.Clock.Now())
	if errors.Is(err, syncerr.ErrJournalNotFound) {
		r.setPending(exclusions)
		return exclusions, nil
	}

	if err != nil {
		return nil, err
	}
	defer j.Close()

	if err := r.guard(j, ""); err != nil {
		return nil, err
	}

	if err := j.SetExclusions(exclusions); err != nil {
		return nil, fmt.Errorf("writing exclusions: %w", err)
	}

	r.logger.Info("exclusions updated", slog.Int("count", len(exclusions)))

	return exclusions, nil
}

func (r *Root) setPending(exclusions []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = exclusions
	r.hasPend = true
}

func (r *Root) applyPendingExclusions(j *journal.Journal) error {
	r.mu.Lock()
	exclusions, ok := r.pending, r.hasPend
	r.pending, r.hasPend = nil, false
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if err := j.SetExclusions(exclusions); err != nil {
		r.setPending(exclusions)
		return fmt.Errorf("writing exclusions: %w", err)
	}

	r.logger.Info("exclusions updated", slog.Int("count", len(exclusions)))

	return nil
}

// NormalizeExclusions cleans, deduplicates and sorts selective-sync
// paths. Paths escaping the root are a config error.
func NormalizeExclusions(paths []string) ([]string, error) {
	for _, p := range paths {
		for _, seg := range strings.Split(localfs.NormalizePath(p), "/") {
			if seg == ".." {
				return nil, syncerr.Config(fmt.Errorf("exclusion %q leaves the sync root", p))
			}
		}
	}

	f, err := filter.New(paths, nil)
	if err != nil {
		return nil, syncerr.Config(err)
	}

	return f.Exclusions(), nil
}

func finalState(err error) State {
	switch {
	case err == nil:
		return StateIdle
	case syncerr.KindOf(err) == syncerr.KindIdentityMismatch:
		return StateBlocked
	case errors.Is(err, syncerr.ErrPaused):
		return StatePaused
	case errors.Is(err, syncerr.ErrAborted), errors.Is(err, context.Canceled):
		return StateAborted
	default:
		return StateFailed
	}
}
