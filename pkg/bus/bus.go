// Package bus implements C4 Message Bus: river job kinds, workers, and
// Enqueue helpers for per-reference work (projection indexing,
// percolation, dedup, robot notification) (spec §5). Built on
// riverqueue/river over the same Postgres database as the relational
// store. Jobs are inserted through river's own client, outside the
// pkg/store transactions, so a job insert and a reference write do not
// commit together. The ingest, dispatch and enhancement write paths in
// this repository do not call the Enqueue helpers.
package bus

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/openbiblio/corpus/pkg/errstax"
)

// ReindexArgs requests that a reference's merged projection be
// (re)indexed into the search store after an ingest or enhancement write
// (spec §4.2/§4.6).
type ReindexArgs struct {
	ReferenceID string `json:"reference_id"`
}

// Kind identifies the job kind for river's worker registry.
func (ReindexArgs) Kind() string { return "reindex_reference" }

// PercolateArgs requests a percolation pass for a reference against
// registered robot automations (spec §4.3).
type PercolateArgs struct {
	ReferenceID string         `json:"reference_id"`
	Changeset   map[string]any `json:"changeset"`
}

// Kind identifies the job kind for river's worker registry.
func (PercolateArgs) Kind() string { return "percolate_reference" }

// DedupArgs requests a deduplication pass for a newly ingested or
// re-scored reference (spec §4.2).
type DedupArgs struct {
	ReferenceID string `json:"reference_id"`
}

// Kind identifies the job kind for river's worker registry.
func (DedupArgs) Kind() string { return "dedup_reference" }

// RobotNotifyArgs pushes a "batch ready" notification to a robot's base
// URL once a batch has been claimed and its reference file uploaded
// (spec §4.4/§6).
type RobotNotifyArgs struct {
	RobotID              string `json:"robot_id"`
	BatchID              string `json:"batch_id"`
	ReferenceStorageURL  string `json:"reference_storage_url"`
}

// Kind identifies the job kind for river's worker registry.
func (RobotNotifyArgs) Kind() string { return "notify_robot" }

// Bus wraps a river.Client[pgx.Tx] for insertion; workers are built via
// NewWorkers and registered at client construction in cmd/corpusd.
type Bus struct {
	client *river.Client[pgx.Tx]
}

// NewBus constructs a Bus backed by pool, running the given workers.
func NewBus(pool *pgxpool.Pool, workers *river.Workers) (*Bus, error) {
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, errstax.WrapSDK("bus.NewClient", err)
	}
	return &Bus{client: riverClient}, nil
}

// Start begins river's internal job-fetching loop.
func (b *Bus) Start(ctx context.Context) error {
	return errstax.WrapSDK("bus.Start", b.client.Start(ctx))
}

// Stop gracefully drains in-flight jobs and stops the client.
func (b *Bus) Stop(ctx context.Context) error {
	return errstax.WrapSDK("bus.Stop", b.client.Stop(ctx))
}

// EnqueueReindex enqueues a ReindexArgs job for referenceID.
func (b *Bus) EnqueueReindex(ctx context.Context, referenceID string) error {
	_, err := b.client.Insert(ctx, ReindexArgs{ReferenceID: referenceID}, nil)
	return errstax.WrapSDK("bus.EnqueueReindex", err)
}

// EnqueuePercolate enqueues a PercolateArgs job.
func (b *Bus) EnqueuePercolate(ctx context.Context, referenceID string, changeset map[string]any) error {
	_, err := b.client.Insert(ctx, PercolateArgs{ReferenceID: referenceID, Changeset: changeset}, nil)
	return errstax.WrapSDK("bus.EnqueuePercolate", err)
}

// EnqueueDedup enqueues a DedupArgs job for referenceID.
func (b *Bus) EnqueueDedup(ctx context.Context, referenceID string) error {
	_, err := b.client.Insert(ctx, DedupArgs{ReferenceID: referenceID}, nil)
	return errstax.WrapSDK("bus.EnqueueDedup", err)
}

// EnqueueRobotNotify enqueues a RobotNotifyArgs job.
func (b *Bus) EnqueueRobotNotify(ctx context.Context, robotID, batchID, referenceStorageURL string) error {
	_, err := b.client.Insert(ctx, RobotNotifyArgs{RobotID: robotID, BatchID: batchID, ReferenceStorageURL: referenceStorageURL}, nil)
	return errstax.WrapSDK("bus.EnqueueRobotNotify", err)
}
