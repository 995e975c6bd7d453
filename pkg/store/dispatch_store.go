package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// ErrNoPendingWork is returned by ClaimBatch when a robot has no
// outstanding pending enhancements to claim — mirrors the teacher's
// ErrNoSessionsAvailable sentinel so callers branch on it the same way.
var ErrNoPendingWork = errors.New("no pending enhancements available")

// DispatchStore persists EnhancementRequests, PendingEnhancements, and
// RobotEnhancementBatches for C9 (spec §4.4/§4.5).
type DispatchStore struct {
	db *sqlx.DB
}

// NewDispatchStore constructs a DispatchStore over db.
func NewDispatchStore(db *sqlx.DB) *DispatchStore {
	return &DispatchStore{db: db}
}

// CreateRequest inserts an EnhancementRequest and a PendingEnhancement
// for each reference id, all in the "pending" state, in one transaction.
func (s *DispatchStore) CreateRequest(ctx context.Context, req *models.EnhancementRequest, unitIDFn func() string) ([]models.PendingEnhancement, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.CreateRequest.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO enhancement_requests (id, robot_id, source, created_at) VALUES ($1, $2, $3, now())`,
		req.ID, req.RobotID, req.Source); err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.CreateRequest.insert", err)
	}

	units := make([]models.PendingEnhancement, 0, len(req.ReferenceIDs))
	for _, refID := range req.ReferenceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enhancement_request_references (enhancement_request_id, reference_id) VALUES ($1, $2)`,
			req.ID, refID); err != nil {
			return nil, errstax.WrapSDK("store.Dispatch.CreateRequest.ref", err)
		}
		unit := models.PendingEnhancement{
			ID:          unitIDFn(),
			ReferenceID: refID,
			RobotID:     req.RobotID,
			RequestID:   req.ID,
			Status:      models.PendingStatusPending,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_enhancements (id, reference_id, robot_id, enhancement_request_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())`,
			unit.ID, unit.ReferenceID, unit.RobotID, unit.RequestID, unit.Status); err != nil {
			return nil, errstax.WrapSDK("store.Dispatch.CreateRequest.unit", err)
		}
		units = append(units, unit)
	}

	if err := tx.Commit(); err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.CreateRequest.commit", err)
	}
	return units, nil
}

// ClaimBatch atomically claims up to limit pending units for robotID
// using SELECT ... FOR UPDATE SKIP LOCKED, moves them to "processing",
// and assigns them to a new RobotEnhancementBatch with the given lease
// expiry — the same claim shape as the teacher's claimNextSession, sized
// to a whole batch instead of one row at a time.
func (s *DispatchStore) ClaimBatch(ctx context.Context, robotID, batchID string, limit int, leaseFor time.Duration) (*models.RobotEnhancementBatch, []models.PendingEnhancement, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ids []string
	err = tx.SelectContext(ctx, &ids,
		`SELECT id FROM pending_enhancements
		WHERE robot_id = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		robotID, models.PendingStatusPending, limit)
	if err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.select", err)
	}
	if len(ids) == 0 {
		return nil, nil, ErrNoPendingWork
	}

	expiresAt := time.Now().Add(leaseFor)
	batch := &models.RobotEnhancementBatch{
		ID:        batchID,
		RobotID:   robotID,
		ExpiresAt: expiresAt,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO robot_enhancement_batches (id, robot_id, reference_file_url, expires_at, created_at)
		VALUES ($1, $2, '', $3, now())`,
		batch.ID, batch.RobotID, batch.ExpiresAt); err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.insertBatch", err)
	}

	query, args, err := sqlx.In(
		`UPDATE pending_enhancements SET status = ?, batch_id = ?, updated_at = now() WHERE id IN (?)`,
		models.PendingStatusProcessing, batch.ID, ids)
	if err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.buildUpdate", err)
	}
	query = tx.Rebind(query)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.update", err)
	}

	var units []models.PendingEnhancement
	selQuery, selArgs, err := sqlx.In(
		`SELECT id, reference_id, robot_id, enhancement_request_id, status, batch_id, retry_of, failure_reason, created_at, updated_at
		FROM pending_enhancements WHERE id IN (?)`, ids)
	if err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.buildSelect", err)
	}
	selQuery = tx.Rebind(selQuery)
	if err := tx.SelectContext(ctx, &units, selQuery, selArgs...); err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.reload", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errstax.WrapSDK("store.Dispatch.ClaimBatch.commit", err)
	}
	return batch, units, nil
}

// SetReferenceFileURL records where the claimed batch's NDJSON reference
// export was uploaded (pkg/blob), after the claim transaction commits.
func (s *DispatchStore) SetReferenceFileURL(ctx context.Context, batchID, url string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE robot_enhancement_batches SET reference_file_url = $1 WHERE id = $2`, url, batchID)
	return errstax.WrapSDK("store.Dispatch.SetReferenceFileURL", err)
}

// GetBatch loads a batch by id.
func (s *DispatchStore) GetBatch(ctx context.Context, id string) (*models.RobotEnhancementBatch, error) {
	var b models.RobotEnhancementBatch
	err := s.db.GetContext(ctx, &b,
		`SELECT id, robot_id, reference_file_url, result_file_url, expires_at, created_at
		FROM robot_enhancement_batches WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Dispatch.GetBatch", err)
	}
	return &b, nil
}

// RenewLease extends a batch's expiry, but only if it still has at
// least one unit in "processing" — otherwise there's nothing left to
// renew a lease for (spec's "This batch has no pending enhancements."
// conflict, resolved from original_source's dispatcher semantics).
func (s *DispatchStore) RenewLease(ctx context.Context, batchID string, newExpiry time.Time) error {
	var processingCount int
	if err := s.db.GetContext(ctx, &processingCount,
		`SELECT count(*) FROM pending_enhancements WHERE batch_id = $1 AND status = $2`,
		batchID, models.PendingStatusProcessing); err != nil {
		return errstax.WrapSDK("store.Dispatch.RenewLease.count", err)
	}
	if processingCount == 0 {
		return errstax.ErrNotCancellable
	}
	res, err := s.db.ExecContext(ctx, `UPDATE robot_enhancement_batches SET expires_at = $1 WHERE id = $2`, newExpiry, batchID)
	if err != nil {
		return errstax.WrapSDK("store.Dispatch.RenewLease.update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errstax.ErrNotFound
	}
	return nil
}

// CompleteUnit marks one pending enhancement as completed.
func (s *DispatchStore) CompleteUnit(ctx context.Context, unitID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_enhancements SET status = $1, updated_at = now() WHERE id = $2`,
		models.PendingStatusCompleted, unitID)
	return errstax.WrapSDK("store.Dispatch.CompleteUnit", err)
}

// FailUnit marks one pending enhancement as failed with a reason.
func (s *DispatchStore) FailUnit(ctx context.Context, unitID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_enhancements SET status = $1, failure_reason = $2, updated_at = now() WHERE id = $3`,
		models.PendingStatusFailed, reason, unitID)
	return errstax.WrapSDK("store.Dispatch.FailUnit", err)
}

// FailUnitIndexing marks one pending enhancement "indexing_failed": its
// Enhancement was created, but the subsequent re-index attempt errored.
func (s *DispatchStore) FailUnitIndexing(ctx context.Context, unitID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_enhancements SET status = $1, failure_reason = $2, updated_at = now() WHERE id = $3`,
		models.PendingStatusIndexingFailed, reason, unitID)
	return errstax.WrapSDK("store.Dispatch.FailUnitIndexing", err)
}

// SetUnitStatus transitions a unit to status without touching its
// failure reason, used for the non-terminal importing/indexing
// way-points a unit passes through while its submitted result is
// processed.
func (s *DispatchStore) SetUnitStatus(ctx context.Context, unitID string, status models.PendingEnhancementStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_enhancements SET status = $1, updated_at = now() WHERE id = $2`,
		status, unitID)
	return errstax.WrapSDK("store.Dispatch.SetUnitStatus", err)
}

// SetResultFileURL records the storage key of a batch's submitted result
// artifact, once it is fetched for import.
func (s *DispatchStore) SetResultFileURL(ctx context.Context, batchID, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE robot_enhancement_batches SET result_file_url = $1 WHERE id = $2`, key, batchID)
	return errstax.WrapSDK("store.Dispatch.SetResultFileURL", err)
}

// CreateRetry inserts a new pending unit linked via RetryOf to the unit
// it replaces, marking the original "expired" — it is no longer active,
// whether because its batch's lease lapsed or its result was reported
// unsuccessful — and the new row "pending" (spec §4.4/§4.5's
// retry-depth-capped sibling creation).
func (s *DispatchStore) CreateRetry(ctx context.Context, original *models.PendingEnhancement, newID string) (*models.PendingEnhancement, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.CreateRetry.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_enhancements SET status = $1, updated_at = now() WHERE id = $2`,
		models.PendingStatusExpired, original.ID); err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.CreateRetry.markOriginal", err)
	}

	retry := &models.PendingEnhancement{
		ID:          newID,
		ReferenceID: original.ReferenceID,
		RobotID:     original.RobotID,
		RequestID:   original.RequestID,
		Status:      models.PendingStatusPending,
		RetryOf:     &original.ID,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_enhancements (id, reference_id, robot_id, enhancement_request_id, status, retry_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		retry.ID, retry.ReferenceID, retry.RobotID, retry.RequestID, retry.Status, retry.RetryOf); err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.CreateRetry.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.CreateRetry.commit", err)
	}
	return retry, nil
}

// RetryDepth walks a unit's RetryOf chain and returns its length, used
// to cap retries at a configured maximum (spec §4.5).
func (s *DispatchStore) RetryDepth(ctx context.Context, unitID string) (int, error) {
	depth := 0
	current := unitID
	for {
		var retryOf *string
		err := s.db.GetContext(ctx, &retryOf, `SELECT retry_of FROM pending_enhancements WHERE id = $1`, current)
		if err != nil {
			if errors.Is(err, sqlErrNoRows) {
				break
			}
			return 0, errstax.WrapSDK("store.Dispatch.RetryDepth", err)
		}
		if retryOf == nil {
			break
		}
		depth++
		current = *retryOf
	}
	return depth, nil
}

// ListExpiredBatches returns batches whose lease has lapsed with units
// still in "processing" — the sweeper's work queue (spec §4.4).
func (s *DispatchStore) ListExpiredBatches(ctx context.Context, now time.Time) ([]models.RobotEnhancementBatch, error) {
	var batches []models.RobotEnhancementBatch
	err := s.db.SelectContext(ctx, &batches,
		`SELECT DISTINCT b.id, b.robot_id, b.reference_file_url, b.result_file_url, b.expires_at, b.created_at
		FROM robot_enhancement_batches b
		JOIN pending_enhancements p ON p.batch_id = b.id
		WHERE b.expires_at < $1 AND p.status = $2`,
		now, models.PendingStatusProcessing)
	if err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.ListExpiredBatches", err)
	}
	return batches, nil
}

// GetUnit loads a single pending enhancement by id.
func (s *DispatchStore) GetUnit(ctx context.Context, unitID string) (*models.PendingEnhancement, error) {
	var unit models.PendingEnhancement
	err := s.db.GetContext(ctx, &unit,
		`SELECT id, reference_id, robot_id, enhancement_request_id, status, batch_id, retry_of, failure_reason, created_at, updated_at
		FROM pending_enhancements WHERE id = $1`, unitID)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Dispatch.GetUnit", err)
	}
	return &unit, nil
}

// UnitsForBatch returns every pending unit belonging to a batch.
func (s *DispatchStore) UnitsForBatch(ctx context.Context, batchID string) ([]models.PendingEnhancement, error) {
	var units []models.PendingEnhancement
	err := s.db.SelectContext(ctx, &units,
		`SELECT id, reference_id, robot_id, enhancement_request_id, status, batch_id, retry_of, failure_reason, created_at, updated_at
		FROM pending_enhancements WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.UnitsForBatch", err)
	}
	return units, nil
}

// UnitStatusesForRequest returns the status of every unit belonging to
// an EnhancementRequest, for models.DeriveStatus (spec §4.5).
func (s *DispatchStore) UnitStatusesForRequest(ctx context.Context, requestID string) ([]models.PendingEnhancementStatus, error) {
	var statuses []models.PendingEnhancementStatus
	err := s.db.SelectContext(ctx, &statuses,
		`SELECT status FROM pending_enhancements WHERE enhancement_request_id = $1`, requestID)
	if err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.UnitStatusesForRequest", err)
	}
	return statuses, nil
}

// GetRequest loads an EnhancementRequest's static fields (its derived
// Status is computed separately via UnitStatusesForRequest +
// models.DeriveStatus).
func (s *DispatchStore) GetRequest(ctx context.Context, id string) (*models.EnhancementRequest, error) {
	var req models.EnhancementRequest
	err := s.db.GetContext(ctx, &req,
		`SELECT id, robot_id, source, created_at FROM enhancement_requests WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Dispatch.GetRequest", err)
	}
	if err := s.db.SelectContext(ctx, &req.ReferenceIDs,
		`SELECT reference_id FROM enhancement_request_references WHERE enhancement_request_id = $1`, id); err != nil {
		return nil, errstax.WrapSDK("store.Dispatch.GetRequest.refs", err)
	}
	return &req, nil
}

// ExistingUnit returns the most recent non-terminal pending unit for a
// (reference, robot) pair, or (nil, nil) if none exists — used by
// pkg/percolate to avoid emitting a duplicate unit for a reference
// already queued or in flight for the same robot (spec §4.3).
func (s *DispatchStore) ExistingUnit(ctx context.Context, referenceID, robotID string) (*models.PendingEnhancement, error) {
	var unit models.PendingEnhancement
	err := s.db.GetContext(ctx, &unit,
		`SELECT id, reference_id, robot_id, enhancement_request_id, status, batch_id, retry_of, failure_reason, created_at, updated_at
		FROM pending_enhancements
		WHERE reference_id = $1 AND robot_id = $2 AND status IN ($3, $4, $5)
		ORDER BY created_at DESC LIMIT 1`,
		referenceID, robotID, models.PendingStatusPending, models.PendingStatusProcessing, models.PendingStatusExpired)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, nil
		}
		return nil, errstax.WrapSDK("store.Dispatch.ExistingUnit", err)
	}
	return &unit, nil
}

// PurgeOldUnits deletes terminal (completed, failed, or indexing_failed)
// pending units last updated before cutoff, and returns the number
// removed. "expired" is deliberately excluded: it marks a superseded
// attempt still linked from a live retry sibling.
func (s *DispatchStore) PurgeOldUnits(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_enhancements
		WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		models.PendingStatusCompleted, models.PendingStatusFailed, models.PendingStatusIndexingFailed, cutoff)
	if err != nil {
		return 0, errstax.WrapSDK("store.Dispatch.PurgeOldUnits", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errstax.WrapSDK("store.Dispatch.PurgeOldUnits.rowsAffected", err)
	}
	return n, nil
}

// PurgeExpiredBatches deletes robot enhancement batches that expired
// before cutoff and have no unit still pending or processing against
// them, and returns the number removed.
func (s *DispatchStore) PurgeExpiredBatches(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM robot_enhancement_batches
		WHERE expires_at < $1
		AND id NOT IN (
			SELECT batch_id FROM pending_enhancements
			WHERE batch_id IS NOT NULL AND status IN ($2, $3)
		)`,
		cutoff, models.PendingStatusPending, models.PendingStatusProcessing)
	if err != nil {
		return 0, errstax.WrapSDK("store.Dispatch.PurgeExpiredBatches", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errstax.WrapSDK("store.Dispatch.PurgeExpiredBatches.rowsAffected", err)
	}
	return n, nil
}
