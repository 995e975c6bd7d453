package store

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// DecisionStore persists ReferenceDuplicateDecisions (spec §4.2).
type DecisionStore struct {
	db *sqlx.DB
}

// NewDecisionStore constructs a DecisionStore over db.
func NewDecisionStore(db *sqlx.DB) *DecisionStore {
	return &DecisionStore{db: db}
}

// Record inserts a new decision and deactivates whatever decision was
// previously active for the same reference, in one transaction — only
// one decision per reference is ever active (spec §4.2).
func (s *DecisionStore) Record(ctx context.Context, d *models.ReferenceDuplicateDecision) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errstax.WrapSDK("store.Decision.Record.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE reference_duplicate_decisions SET active_decision = false
		WHERE reference_id = $1 AND active_decision`, d.ReferenceID); err != nil {
		return errstax.WrapSDK("store.Decision.Record.deactivate", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reference_duplicate_decisions
		(id, reference_id, duplicate_determination, canonical_reference_id, active_decision, created_at)
		VALUES ($1, $2, $3, $4, true, now())`,
		d.ID, d.ReferenceID, d.DuplicateDetermination, d.CanonicalReferenceID); err != nil {
		return errstax.WrapSDK("store.Decision.Record.insert", err)
	}

	for _, candidate := range d.CandidateCanonicalIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reference_duplicate_decision_candidates (decision_id, candidate_reference_id)
			VALUES ($1, $2)`, d.ID, candidate); err != nil {
			return errstax.WrapSDK("store.Decision.Record.candidate", err)
		}
	}

	return errstax.WrapSDK("store.Decision.Record.commit", tx.Commit())
}

// ActiveForReference returns the currently active decision for a
// reference, or errstax.ErrNotFound if dedup has never run for it.
func (s *DecisionStore) ActiveForReference(ctx context.Context, referenceID string) (*models.ReferenceDuplicateDecision, error) {
	var d models.ReferenceDuplicateDecision
	err := s.db.GetContext(ctx, &d,
		`SELECT id, reference_id, duplicate_determination, canonical_reference_id, active_decision, created_at
		FROM reference_duplicate_decisions WHERE reference_id = $1 AND active_decision`, referenceID)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Decision.ActiveForReference", err)
	}

	if err := s.db.SelectContext(ctx, &d.CandidateCanonicalIDs,
		`SELECT candidate_reference_id FROM reference_duplicate_decision_candidates WHERE decision_id = $1`, d.ID); err != nil {
		return nil, errstax.WrapSDK("store.Decision.ActiveForReference.candidates", err)
	}
	return &d, nil
}

// ListDuplicatesOf returns the ids of references whose active decision
// names canonicalID as their canonical reference — the "what duplicates
// this one" view used by the reference-get operation's lineage display.
func (s *DecisionStore) ListDuplicatesOf(ctx context.Context, canonicalID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT reference_id FROM reference_duplicate_decisions
		WHERE canonical_reference_id = $1 AND active_decision`, canonicalID)
	if err != nil {
		return nil, errstax.WrapSDK("store.Decision.ListDuplicatesOf", err)
	}
	return ids, nil
}
