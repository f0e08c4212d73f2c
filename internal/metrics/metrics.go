// Package metrics provides Prometheus metrics for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_runs_total",
			Help: "Total number of sync runs by final state",
		},
		[]string{"root", "state"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treesync_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"root"},
	)

	plannedInstructions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_planned_instructions_total",
			Help: "Instructions produced by the reconciler",
		},
		[]string{"root", "kind"},
	)

	// Propagation metrics
	instructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_instructions_total",
			Help: "Executed instructions by kind and outcome",
		},
		[]string{"root", "kind", "status"},
	)

	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_bytes_transferred_total",
			Help: "Bytes moved by uploads and downloads",
		},
		[]string{"root", "direction"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_conflicts_total",
			Help: "Conflicts resolved by keeping both versions",
		},
		[]string{"root"},
	)

	identityMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_identity_mismatches_total",
			Help: "Runs blocked because the journal belongs to another account or folder",
		},
		[]string{"root"},
	)

	// Journal metrics
	journalRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treesync_journal_records",
			Help: "Number of records in the journal after the last run",
		},
		[]string{"root"},
	)

	rootState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treesync_root_running",
			Help: "1 while a sync run is active for the root",
		},
		[]string{"root"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records a finished run.
func RecordRun(root, state string, duration time.Duration) {
	runsTotal.WithLabelValues(root, state).Inc()
	runDuration.WithLabelValues(root).Observe(duration.Seconds())
}

// RecordPlanned records the instruction counts of a plan.
func RecordPlanned(root string, counts map[string]int) {
	for kind, n := range counts {
		plannedInstructions.WithLabelValues(root, kind).Add(float64(n))
	}
}

// RecordInstruction records one executed instruction.
func RecordInstruction(root, kind, status string) {
	instructionsTotal.WithLabelValues(root, kind, status).Inc()
}

// RecordTransfer records bytes moved in direction ("upload" or
// "download").
func RecordTransfer(root, direction string, n int64) {
	if n > 0 {
		bytesTransferred.WithLabelValues(root, direction).Add(float64(n))
	}
}

// RecordConflict records a kept-both conflict.
func RecordConflict(root string) {
	conflictsTotal.WithLabelValues(root).Inc()
}

// RecordIdentityMismatch records a blocked run.
func RecordIdentityMismatch(root string) {
	identityMismatches.WithLabelValues(root).Inc()
}

// SetJournalRecords sets the journal size gauge.
func SetJournalRecords(root string, n int) {
	journalRecords.WithLabelValues(root).Set(float64(n))
}

// SetRunning flags whether a run is active.
func SetRunning(root string, running bool) {
	v := 0.0
	if running {
		v = 1
	}

	rootState.WithLabelValues(root).Set(v)
}
