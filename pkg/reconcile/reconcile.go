// Package reconcile implements C11's background repair walker: a
// periodic pass over the relational store of record that re-derives
// and re-upserts every reference's search projection, catching drift
// between the relational and search stores that a single missed bus job
// would otherwise leave unrepaired (spec §4.6). Grounded on the
// ticker-loop shape of pkg/queue/orphan.go's runOrphanDetection/
// detectAndRecoverOrphans, generalized from "scan for stale sessions"
// to "scan for references due a repair pass."
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openbiblio/corpus/pkg/indexmgr"
)

// state tracks repair-run metrics (thread-safe), mirroring the
// teacher's orphanState.
type state struct {
	mu        sync.Mutex
	lastRun   time.Time
	totalRuns int
}

// Worker periodically triggers indexmgr.Manager.Repair.
type Worker struct {
	manager  *indexmgr.Manager
	interval time.Duration
	stopCh   chan struct{}
	state    state
	log      *slog.Logger
}

// NewWorker constructs a Worker that repairs every interval.
func NewWorker(manager *indexmgr.Manager, interval time.Duration, log *slog.Logger) *Worker {
	return &Worker{manager: manager, interval: interval, stopCh: make(chan struct{}), log: log}
}

// Run blocks, repairing every interval until ctx is cancelled or Stop
// is called. All instances run this independently; Repair is
// idempotent, so concurrent or overlapping runs are harmless.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop signals Run to return.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) runOnce(ctx context.Context) {
	if err := w.manager.Repair(ctx); err != nil {
		w.log.Error("reconcile pass failed", "error", err)
		return
	}
	w.state.mu.Lock()
	w.state.lastRun = time.Now()
	w.state.totalRuns++
	w.state.mu.Unlock()
}

// Status reports the worker's last-run metrics, for a health/debug
// endpoint (mirroring the teacher's orphan-recovery reporting shape).
type Status struct {
	LastRun   time.Time
	TotalRuns int
}

// Status returns the current repair-run metrics.
func (w *Worker) Status() Status {
	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	return Status{LastRun: w.state.lastRun, TotalRuns: w.state.totalRuns}
}
