// Package store holds the hand-written sqlx repositories that play the
// role the teacher's generated ent client used to play: one file per
// entity, each a thin layer over parameterized SQL against the schema
// embedded in pkg/database/migrations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// ReferenceStore persists References and their Identifiers.
type ReferenceStore struct {
	db *sqlx.DB
}

// NewReferenceStore constructs a ReferenceStore over db.
func NewReferenceStore(db *sqlx.DB) *ReferenceStore {
	return &ReferenceStore{db: db}
}

// Create inserts ref and its identifiers in one transaction. ref must
// already have at least one identifier — that invariant is enforced by
// pkg/ingest's schema validation, not here.
func (s *ReferenceStore) Create(ctx context.Context, ref *models.Reference) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errstax.WrapSDK("store.Reference.Create.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO "references" (id, visibility, created_at, updated_at) VALUES ($1, $2, now(), now())`,
		ref.ID, ref.Visibility); err != nil {
		return errstax.WrapSDK("store.Reference.Create.insert", err)
	}

	for _, id := range ref.Identifiers {
		if err := insertIdentifier(ctx, tx, ref.ID, id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errstax.WrapSDK("store.Reference.Create.commit", err)
	}
	return nil
}

func insertIdentifier(ctx context.Context, tx *sqlx.Tx, referenceID string, id models.Identifier) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO identifiers (id, reference_id, identifier_type, identifier_value, other_identifier_name)
		VALUES ($1, $2, $3, $4, $5)`,
		id.ID, referenceID, id.Type, id.Value, id.OtherName)
	if err != nil {
		// Two concurrent imports racing to attach the same (type, value,
		// other_name) identifier to different references collide here —
		// a transient condition the caller retries, not the caller's fault.
		if isUniqueViolation(err) {
			return errstax.ErrIntegrity
		}
		return errstax.WrapSDK("store.Reference.insertIdentifier", err)
	}
	return nil
}

// AddIdentifier attaches a new identifier to an existing reference (used
// by the ingest merge path when an incoming record adds an identifier
// that the stored record lacks).
func (s *ReferenceStore) AddIdentifier(ctx context.Context, referenceID string, id models.Identifier) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errstax.WrapSDK("store.Reference.AddIdentifier.begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertIdentifier(ctx, tx, referenceID, id); err != nil {
		return err
	}
	return errstax.WrapSDK("store.Reference.AddIdentifier.commit", tx.Commit())
}

// Get loads a Reference by id with its identifiers, but not its
// enhancements (see EnhancementStore.ListByReference for those).
func (s *ReferenceStore) Get(ctx context.Context, id string) (*models.Reference, error) {
	var ref models.Reference
	err := s.db.GetContext(ctx, &ref,
		`SELECT id, visibility, created_at, updated_at FROM "references" WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Reference.Get", err)
	}

	var ids []models.Identifier
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id, reference_id, identifier_type, identifier_value, other_identifier_name
		FROM identifiers WHERE reference_id = $1`, id); err != nil {
		return nil, errstax.WrapSDK("store.Reference.Get.identifiers", err)
	}
	ref.Identifiers = ids
	return &ref, nil
}

// FindByIdentifier returns the reference carrying the given identifier
// key, used by pkg/ingest's exact-identifier-match lookup (spec §4.1).
func (s *ReferenceStore) FindByIdentifier(ctx context.Context, key models.IdentifierKey) (*models.Reference, error) {
	var referenceID string
	err := s.db.GetContext(ctx, &referenceID,
		`SELECT reference_id FROM identifiers
		WHERE identifier_type = $1 AND identifier_value = $2 AND other_identifier_name = $3
		LIMIT 1`,
		key.Type, key.Value, key.OtherName)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Reference.FindByIdentifier", err)
	}
	return s.Get(ctx, referenceID)
}

// ExistsAll reports whether every id in ids has a matching reference,
// returning the subset that's missing (used by dispatch request
// validation, spec's supplemented "batch validation" feature).
func (s *ReferenceStore) ExistsAll(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM "references" WHERE id IN (?)`, ids)
	if err != nil {
		return nil, errstax.WrapSDK("store.Reference.ExistsAll.build", err)
	}
	query = s.db.Rebind(query)
	var found []string
	if err := s.db.SelectContext(ctx, &found, query, args...); err != nil {
		return nil, errstax.WrapSDK("store.Reference.ExistsAll", err)
	}
	foundSet := make(map[string]bool, len(found))
	for _, id := range found {
		foundSet[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !foundSet[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Touch bumps a reference's updated_at, called whenever its enhancement
// set changes (new enhancement, merge, etc.) so downstream consumers
// (percolation, reconcile) can detect it via a timestamp scan.
func (s *ReferenceStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE "references" SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return errstax.WrapSDK("store.Reference.Touch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errstax.WrapSDK("store.Reference.Touch.rows", err)
	}
	if n == 0 {
		return errstax.ErrNotFound
	}
	return nil
}

// ListUpdatedSince returns reference ids whose updated_at is after
// since and whose id is after cursor, ordered by id so the caller can
// page with the last id as the next cursor, for the reconcile worker's
// repair walk (spec §4.6).
func (s *ReferenceStore) ListUpdatedSince(ctx context.Context, since, cursor string, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM "references"
		WHERE updated_at > $1 AND id > $2
		ORDER BY id
		LIMIT $3`,
		since, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("store.Reference.ListUpdatedSince: %w", err)
	}
	return ids, nil
}
