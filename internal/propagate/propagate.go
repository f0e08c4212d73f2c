package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/events"
	"github.com/alexjbarnes/treesync/internal/filter"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/metrics"
	"github.com/alexjbarnes/treesync/internal/reconcile"
	"github.com/alexjbarnes/treesync/internal/remote"
	"github.com/alexjbarnes/treesync/internal/retry"
)

// Status is the outcome of one instruction.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusRetried means the instruction succeeded after more than one
	// attempt.
	StatusRetried Status = "retried"
	StatusFailed  Status = "failed"
	// StatusSkipped means the run stopped before or while the
	// instruction ran.
	StatusSkipped Status = "skipped"
)

// Outcome records what happened to one instruction.
type Outcome struct {
	Instruction reconcile.Instruction
	Status      Status
	Attempts    int
	Err         error
}

// Result is the outcome of a whole plan.
type Result struct {
	// Outcomes are in plan order.
	Outcomes  []Outcome
	Conflicts []journal.ConflictRecord
	// Aborted is set when the caller cancelled the run.
	Aborted bool
	// Err is the reason the run stopped early: a fatal error, an open
	// circuit breaker or the caller's cancellation cause.
	Err error
}

// Count returns the number of outcomes with status s.
func (r *Result) Count(s Status) int {
	n := 0

	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}

	return n
}

// Failures returns the failed outcomes.
func (r *Result) Failures() []Outcome {
	var out []Outcome

	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}

	return out
}

// Journal is the part of the journal store the propagator writes to.
type Journal interface {
	Lookup(path string) (*journal.Record, error)
	Commit(rec journal.Record, now time.Time) error
	CommitRename(from string, rec journal.Record, now time.Time) error
	SetFlag(path string, flag journal.SyncFlag) error
	Remove(path string) error
	RemoveTree(path string) error
	SaveConflict(c journal.ConflictRecord) error
}

// Config holds the dependencies of a Propagator.
type Config struct {
	Root    string
	Tree    *localfs.Tree
	API     remote.API
	Journal Journal
	// Filter decides which leftovers a local folder delete may remove.
	// Nil treats every leftover as user data.
	Filter      *filter.Filter
	Sink        events.Sink
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Retry       retry.Config
	Concurrency int
	// Timeout bounds each remote call. Zero disables it.
	Timeout time.Duration
	// BreakerThreshold is the number of consecutive failures with the
	// same cause that stops the run. Zero disables the breaker.
	BreakerThreshold int
}

// Propagator executes plans for one sync root.
type Propagator struct {
	cfg   Config
	locks *pathLocks
}

// New creates a Propagator.
func New(cfg Config) *Propagator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Propagator{cfg: cfg, locks: newPathLocks()}
}

// run is the state of one Propagate call.
type run struct {
	p      *Propagator
	runID  string
	total  int
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	outcomes  []Outcome
	done      int
	conflicts map[string]journal.ConflictRecord
	order     []string
	lastCause string
	streak    int

	stopOnce sync.Once
	stopErr  error
}

// Propagate runs plan phase by phase. Only the transfer phase runs in
// parallel. The journal is committed per instruction, after its side
// effect succeeded.
func (p *Propagator) Propagate(ctx context.Context, runID string, plan *reconcile.Plan) *Result {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{
		p:         p,
		runID:     runID,
		total:     plan.Len(),
		cancel:    cancel,
		outcomes:  make([]Outcome, plan.Len()),
		conflicts: make(map[string]journal.ConflictRecord),
	}

	for start := 0; start < len(plan.Instructions); {
		phase := plan.Instructions[start].Phase

		end := start
		for end < len(plan.Instructions) && plan.Instructions[end].Phase == phase {
			end++
		}

		if phase == reconcile.PhaseTransfer {
			r.parallel(ctx, plan.Instructions, start, end)
		} else {
			for i := start; i < end; i++ {
				r.execute(ctx, i, plan.Instructions[i])
			}
		}

		start = end
	}

	res := &Result{Outcomes: r.outcomes}

	for _, path := range r.order {
		res.Conflicts = append(res.Conflicts, r.conflicts[path])
	}

	switch {
	case r.stopErr != nil:
		res.Err = r.stopErr
	case ctx.Err() != nil:
		res.Aborted = true
		res.Err = context.Cause(ctx)
	}

	p.cfg.Logger.Info("propagation complete",
		slog.String("root", p.cfg.Root),
		slog.Int("instructions", r.total),
		slog.Int("succeeded", res.Count(StatusSuccess)+res.Count(StatusRetried)),
		slog.Int("failed", res.Count(StatusFailed)),
		slog.Int("skipped", res.Count(StatusSkipped)),
	)

	return res
}

func (r *run) parallel(ctx context.Context, ins []reconcile.Instruction, start, end int) {
	var g errgroup.Group
	g.SetLimit(r.p.cfg.Concurrency)

	for i := start; i < end; i++ {
		if ctx.Err() != nil {
			r.finish(i, ins[i], StatusSkipped, 0, context.Cause(ctx))
			continue
		}

		g.Go(func() error {
			r.execute(ctx, i, ins[i])
			return nil
		})
	}

	_ = g.Wait()
}

func (r *run) execute(ctx context.Context, i int, in reconcile.Instruction) {
	if ctx.Err() != nil {
		r.finish(i, in, StatusSkipped, 0, context.Cause(ctx))
		return
	}

	unlock := r.p.locks.lock(in.Path, in.From)
	defer unlock()

	attempts, err := retry.Do(ctx, r.p.cfg.Clock, r.p.cfg.Retry, func(ctx context.Context) error {
		return r.apply(ctx, in)
	})

	switch {
	case err == nil && attempts > 1:
		r.finish(i, in, StatusRetried, attempts, nil)
	case err == nil:
		r.finish(i, in, StatusSuccess, attempts, nil)
	case ctx.Err() != nil:
		r.finish(i, in, StatusSkipped, attempts, context.Cause(ctx))
	default:
		r.finish(i, in, StatusFailed, attempts, err)
	}
}

func (r *run) finish(i int, in reconcile.Instruction, status Status, attempts int, err error) {
	r.mu.Lock()
	r.outcomes[i] = Outcome{Instruction: in, Status: status, Attempts: attempts, Err: err}
	r.done++
	done := r.done

	var trip error

	switch status {
	case StatusSuccess, StatusRetried:
		r.streak, r.lastCause = 0, ""
	case StatusFailed:
		cause := syncerr.Cause(err).Error()
		if cause == r.lastCause {
			r.streak++
		} else {
			r.streak, r.lastCause = 1, cause
		}

		if t := r.p.cfg.BreakerThreshold; t > 0 && r.streak >= t {
			trip = fmt.Errorf("%w: %s", syncerr.ErrCircuitOpen, cause)
		}
	}
	r.mu.Unlock()

	cfg := r.p.cfg
	kind := in.Kind.String()

	metrics.RecordInstruction(cfg.Root, kind, string(status))

	ev := events.Event{
		Type:   events.Progress,
		Root:   cfg.Root,
		RunID:  r.runID,
		Time:   cfg.Clock.Now(),
		Path:   in.Path,
		Kind:   kind,
		Status: string(status),
		Done:   done,
		Total:  r.total,
	}

	if err != nil {
		ev.Error = err.Error()
	}

	switch status {
	case StatusFailed:
		cfg.Logger.Warn("instruction failed",
			slog.String("root", cfg.Root),
			slog.String("path", in.Path),
			slog.String("kind", kind),
			slog.String("direction", in.Direction.String()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
	case StatusSkipped:
		cfg.Logger.Debug("instruction skipped", slog.String("path", in.Path), slog.String("kind", kind))
	default:
		cfg.Logger.Debug("instruction applied",
			slog.String("path", in.Path),
			slog.String("kind", kind),
			slog.String("direction", in.Direction.String()),
		)
	}

	cfg.Sink.Publish(ev)

	if status != StatusFailed {
		return
	}

	if syncerr.IsFatal(err) {
		r.stop(err)
		return
	}

	if trip != nil {
		r.stop(trip)
	}
}

// stop cancels the rest of the plan. The first reason wins.
func (r *run) stop(err error) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopErr = err
		r.mu.Unlock()

		r.p.cfg.Logger.Error("stopping sync run",
			slog.String("root", r.p.cfg.Root),
			slog.String("error", err.Error()),
		)

		r.cancel(err)
	})
}

// remoteCall bounds fn by the configured timeout.
func (r *run) remoteCall(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.p.cfg.Timeout)

		defer cancel()
	}

	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return syncerr.Retryable(err)
	}

	return err
}
