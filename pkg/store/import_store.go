package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// ImportStore persists ImportRecords, ImportBatches, and ImportResults
// for C7 (spec §4.1).
type ImportStore struct {
	db *sqlx.DB
}

// NewImportStore constructs an ImportStore over db.
func NewImportStore(db *sqlx.DB) *ImportStore {
	return &ImportStore{db: db}
}

// CreateRecord inserts a new ImportRecord.
func (s *ImportStore) CreateRecord(ctx context.Context, rec *models.ImportRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_records (id, source_name, collision_policy, searchable, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		rec.ID, rec.SourceName, rec.CollisionPolicy, rec.Searchable)
	return errstax.WrapSDK("store.Import.CreateRecord", err)
}

// GetRecord loads an ImportRecord by id.
func (s *ImportStore) GetRecord(ctx context.Context, id string) (*models.ImportRecord, error) {
	var rec models.ImportRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT id, source_name, collision_policy, searchable, created_at FROM import_records WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Import.GetRecord", err)
	}
	return &rec, nil
}

// CreateBatch inserts a new ImportBatch in the "started" state.
func (s *ImportStore) CreateBatch(ctx context.Context, batch *models.ImportBatch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_batches (id, import_record_id, status, entry_count, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		batch.ID, batch.ImportRecordID, batch.Status, batch.EntryCount)
	return errstax.WrapSDK("store.Import.CreateBatch", err)
}

// SetBatchStatus updates a batch's rolled-up status.
func (s *ImportStore) SetBatchStatus(ctx context.Context, batchID string, status models.ImportBatchStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE import_batches SET status = $1 WHERE id = $2`, status, batchID)
	return errstax.WrapSDK("store.Import.SetBatchStatus", err)
}

// GetBatch loads an ImportBatch by id.
func (s *ImportStore) GetBatch(ctx context.Context, id string) (*models.ImportBatch, error) {
	var b models.ImportBatch
	err := s.db.GetContext(ctx, &b,
		`SELECT id, import_record_id, status, entry_count, created_at FROM import_batches WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Import.GetBatch", err)
	}
	return &b, nil
}

// RecordResult inserts (or, on conflict at the same entry_index,
// replaces) one entry's outcome — a retried line overwrites its own
// prior attempt rather than accumulating duplicates.
func (s *ImportStore) RecordResult(ctx context.Context, r *models.ImportResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_results (id, import_batch_id, entry_index, outcome, reference_id, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (import_batch_id, entry_index) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			reference_id = EXCLUDED.reference_id,
			failure_reason = EXCLUDED.failure_reason,
			created_at = now()`,
		r.ID, r.ImportBatchID, r.EntryIndex, r.Outcome, r.ReferenceID, r.FailureReason)
	return errstax.WrapSDK("store.Import.RecordResult", err)
}

// ListResults returns every result recorded for a batch, ordered by
// entry_index, for the get-results operation (spec §4.1).
func (s *ImportStore) ListResults(ctx context.Context, batchID string) ([]models.ImportResult, error) {
	var results []models.ImportResult
	err := s.db.SelectContext(ctx, &results,
		`SELECT id, import_batch_id, entry_index, outcome, reference_id, failure_reason, created_at
		FROM import_results WHERE import_batch_id = $1 ORDER BY entry_index ASC`, batchID)
	if err != nil {
		return nil, errstax.WrapSDK("store.Import.ListResults", err)
	}
	return results, nil
}

// PurgeOldRecords deletes ImportRecords (cascading to their batches and
// results) created before cutoff, skipping any record that still has a
// batch in a non-terminal state. It returns the number of records
// removed.
func (s *ImportStore) PurgeOldRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM import_records
		WHERE created_at < $1
		AND id NOT IN (
			SELECT import_record_id FROM import_batches
			WHERE status NOT IN ('completed', 'failed', 'partially_failed')
		)`, cutoff)
	if err != nil {
		return 0, errstax.WrapSDK("store.Import.PurgeOldRecords", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errstax.WrapSDK("store.Import.PurgeOldRecords.rowsAffected", err)
	}
	return n, nil
}
