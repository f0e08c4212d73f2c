package engine

import (
	"time"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/journal"
	"github.com/alexjbarnes/treesync/internal/propagate"
)

// Report summarizes one run.
type Report struct {
	RunID      string        `json:"run_id"`
	Root       string        `json:"root"`
	State      State         `json:"state"` // root state after the run; idle means completed
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	// Planned counts instructions per kind.
	Planned map[string]int `json:"planned"`

	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	Failures  []Failure                `json:"failures,omitempty"`
	Conflicts []journal.ConflictRecord `json:"conflicts,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Failure is one path the run could not bring in sync.
type Failure struct {
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Direction string `json:"direction"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Instructions returns the size of the run's plan.
func (r *Report) Instructions() int {
	n := 0
	for _, c := range r.Planned {
		n += c
	}

	return n
}

// HasRetryableFailures reports whether any failed path is worth retrying
// soon.
func (r *Report) HasRetryableFailures() bool {
	for _, f := range r.Failures {
		if f.Retryable {
			return true
		}
	}

	return false
}

func (r *Report) apply(res *propagate.Result) {
	r.Succeeded = res.Count(propagate.StatusSuccess)
	r.Retried = res.Count(propagate.StatusRetried)
	r.Failed = res.Count(propagate.StatusFailed)
	r.Skipped = res.Count(propagate.StatusSkipped)
	r.Conflicts = res.Conflicts

	for _, o := range res.Failures() {
		r.Failures = append(r.Failures, Failure{
			Path:      o.Instruction.Path,
			Kind:      o.Instruction.Kind.String(),
			Direction: o.Instruction.Direction.String(),
			Attempts:  o.Attempts,
			Error:     o.Err.Error(),
			Retryable: syncerr.IsRetryable(o.Err),
		})
	}
}
