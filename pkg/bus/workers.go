package bus

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/openbiblio/corpus/pkg/dedup"
	"github.com/openbiblio/corpus/pkg/percolate"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// ReindexWorker rebuilds and upserts a reference's search document,
// resolving its active-canonical flag from the dedup engine's latest
// decision (spec §4.2/§4.6).
type ReindexWorker struct {
	river.WorkerDefaults[ReindexArgs]
	Refs      *store.ReferenceStore
	Enhs      *store.EnhancementStore
	Decisions *store.DecisionStore
	Search    *search.Client
	Logger    *slog.Logger
}

// Work implements river.Worker.
func (w ReindexWorker) Work(ctx context.Context, job *river.Job[ReindexArgs]) error {
	log := logOrDefault(w.Logger)
	referenceID := job.Args.ReferenceID

	ref, err := w.Refs.Get(ctx, referenceID)
	if err != nil {
		return err
	}
	enhancements, err := w.Enhs.ListByReference(ctx, referenceID)
	if err != nil {
		return err
	}
	ref.Enhancements = enhancements

	activeCanonical := true
	if decision, err := w.Decisions.ActiveForReference(ctx, referenceID); err == nil {
		activeCanonical = !decision.IsDuplicate()
	}

	doc := search.FromReference(*ref, activeCanonical)
	if err := w.Search.IndexDocument(ctx, doc); err != nil {
		return err
	}
	log.Info("reindexed reference", "reference_id", referenceID, "active_canonical", activeCanonical)
	return nil
}

// DedupWorker runs the deduplication engine for a reference.
type DedupWorker struct {
	river.WorkerDefaults[DedupArgs]
	Engine *dedup.Engine
	Logger *slog.Logger
}

// Work implements river.Worker.
func (w DedupWorker) Work(ctx context.Context, job *river.Job[DedupArgs]) error {
	log := logOrDefault(w.Logger)
	decision, err := w.Engine.Run(ctx, job.Args.ReferenceID)
	if err != nil {
		return err
	}
	log.Info("dedup decision recorded",
		"reference_id", job.Args.ReferenceID, "determination", decision.DuplicateDetermination)
	return nil
}

// PercolateWorker runs the percolation engine for a reference's
// changeset against registered robot automations.
type PercolateWorker struct {
	river.WorkerDefaults[PercolateArgs]
	Engine *percolate.Engine
	Logger *slog.Logger
}

// Work implements river.Worker.
func (w PercolateWorker) Work(ctx context.Context, job *river.Job[PercolateArgs]) error {
	log := logOrDefault(w.Logger)
	units, err := w.Engine.Run(ctx, job.Args.ReferenceID, percolate.Changeset(job.Args.Changeset))
	if err != nil {
		return err
	}
	log.Info("percolation complete", "reference_id", job.Args.ReferenceID, "units_emitted", len(units))
	return nil
}

// RobotNotifier is the subset of pkg/robot's Dispatcher used by
// RobotNotifyWorker, kept as an interface here to avoid pkg/bus
// importing pkg/robot's HTTP client concerns directly.
type RobotNotifier interface {
	NotifyBatchReady(ctx context.Context, robotID, batchID, referenceStorageURL string) error
}

// RobotNotifyWorker pushes a "batch ready" webhook to a robot (spec §6).
type RobotNotifyWorker struct {
	river.WorkerDefaults[RobotNotifyArgs]
	Notifier RobotNotifier
	Logger   *slog.Logger
}

// Work implements river.Worker.
func (w RobotNotifyWorker) Work(ctx context.Context, job *river.Job[RobotNotifyArgs]) error {
	log := logOrDefault(w.Logger)
	if err := w.Notifier.NotifyBatchReady(ctx, job.Args.RobotID, job.Args.BatchID, job.Args.ReferenceStorageURL); err != nil {
		log.Warn("robot notify failed, will retry per job backoff",
			"robot_id", job.Args.RobotID, "batch_id", job.Args.BatchID, "error", err)
		return err
	}
	log.Info("robot notified of ready batch", "robot_id", job.Args.RobotID, "batch_id", job.Args.BatchID)
	return nil
}

func logOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// NewWorkers builds the river.Workers registry wiring every job kind to
// its handler. Passing a nil RobotNotifier disables robot-notify job
// processing (e.g. in tests that never enqueue that kind).
func NewWorkers(refs *store.ReferenceStore, enhs *store.EnhancementStore, decisions *store.DecisionStore, searchClient *search.Client, dedupEngine *dedup.Engine, percolateEngine *percolate.Engine, notifier RobotNotifier, log *slog.Logger) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[ReindexArgs](workers, ReindexWorker{Refs: refs, Enhs: enhs, Decisions: decisions, Search: searchClient, Logger: log})
	river.AddWorker[DedupArgs](workers, DedupWorker{Engine: dedupEngine, Logger: log})
	river.AddWorker[PercolateArgs](workers, PercolateWorker{Engine: percolateEngine, Logger: log})
	if notifier != nil {
		river.AddWorker[RobotNotifyArgs](workers, RobotNotifyWorker{Notifier: notifier, Logger: log})
	}
	return workers
}
