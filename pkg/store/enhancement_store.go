package store

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// EnhancementStore persists Enhancements and their typed content tables.
type EnhancementStore struct {
	db *sqlx.DB
}

// NewEnhancementStore constructs an EnhancementStore over db.
func NewEnhancementStore(db *sqlx.DB) *EnhancementStore {
	return &EnhancementStore{db: db}
}

// Create inserts e and its content row. Violates uniqueness on
// (reference_id, content_type, source) if a matching enhancement
// already exists — the ingest collision policy decides whether that's
// an error the caller should surface or a signal to merge instead.
func (s *EnhancementStore) Create(ctx context.Context, e *models.Enhancement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errstax.WrapSDK("store.Enhancement.Create.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO enhancements (id, reference_id, source, visibility, robot_version, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		e.ID, e.ReferenceID, e.Source, e.Visibility, e.RobotVersion, e.Content.Type); err != nil {
		return errstax.WrapSDK("store.Enhancement.Create.insert", err)
	}

	if err := insertContent(ctx, tx, e); err != nil {
		return err
	}

	for _, parent := range e.DerivedFrom {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enhancement_derivations (enhancement_id, derived_from_enhancement_id) VALUES ($1, $2)`,
			e.ID, parent); err != nil {
			return errstax.WrapSDK("store.Enhancement.Create.derivation", err)
		}
	}

	return errstax.WrapSDK("store.Enhancement.Create.commit", tx.Commit())
}

// Delete removes an enhancement (used by merge-collision overwrite and
// merge_aggressive policies before inserting the replacement).
func (s *EnhancementStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enhancements WHERE id = $1`, id)
	return errstax.WrapSDK("store.Enhancement.Delete", err)
}

// FindByCollisionKey looks up the most recent enhancement sharing ref's
// (content.type, source) key, returning (nil, nil) if none exists.
// Append leaves multiple enhancements under the same key, so this picks
// the latest rather than assuming at most one row matches.
func (s *EnhancementStore) FindByCollisionKey(ctx context.Context, referenceID string, key models.EnhancementKey) (*models.Enhancement, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM enhancements WHERE reference_id = $1 AND content_type = $2 AND source = $3
		ORDER BY created_at DESC LIMIT 1`,
		referenceID, key.Type, key.Source)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, nil
		}
		return nil, errstax.WrapSDK("store.Enhancement.FindByCollisionKey", err)
	}
	return s.Get(ctx, id)
}

// Get loads a single enhancement with its typed content.
func (s *EnhancementStore) Get(ctx context.Context, id string) (*models.Enhancement, error) {
	type row struct {
		models.Enhancement
		ContentType models.EnhancementType `db:"content_type"`
	}
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT id, reference_id, source, visibility, robot_version, content_type, created_at
		FROM enhancements WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Enhancement.Get", err)
	}
	e := r.Enhancement
	e.Content.Type = r.ContentType
	if err := loadContent(ctx, s.db, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListByReference loads every enhancement attached to a reference, with
// content, ordered by created_at (oldest first — callers needing
// "latest" pick the tail, matching models.LatestBibliographic).
func (s *EnhancementStore) ListByReference(ctx context.Context, referenceID string) ([]models.Enhancement, error) {
	type row struct {
		models.Enhancement
		ContentType models.EnhancementType `db:"content_type"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, reference_id, source, visibility, robot_version, content_type, created_at
		FROM enhancements WHERE reference_id = $1 ORDER BY created_at ASC`, referenceID)
	if err != nil {
		return nil, errstax.WrapSDK("store.Enhancement.ListByReference", err)
	}
	out := make([]models.Enhancement, 0, len(rows))
	for _, r := range rows {
		e := r.Enhancement
		e.Content.Type = r.ContentType
		if err := loadContent(ctx, s.db, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func insertContent(ctx context.Context, tx *sqlx.Tx, e *models.Enhancement) error {
	c := e.Content
	switch c.Type {
	case models.EnhancementBibliographic:
		b := c.Bibliographic
		if b == nil {
			return errstax.NewValidationError("content.bibliographic", "required for content type bibliographic")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO enhancement_bibliographic
			(id, reference_id, title, year, publication_date, authors, publisher_name, journal_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.ReferenceID, b.Title, b.Year, b.PublicationDate, pq.Array(b.Authors), b.PublisherName, b.JournalName)
		return errstax.WrapSDK("store.Enhancement.insertContent.bibliographic", err)
	case models.EnhancementAbstract:
		a := c.Abstract
		if a == nil {
			return errstax.NewValidationError("content.abstract", "required for content type abstract")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO enhancement_abstract (id, reference_id, text, process) VALUES ($1, $2, $3, $4)`,
			e.ID, e.ReferenceID, a.Text, a.Process)
		return errstax.WrapSDK("store.Enhancement.insertContent.abstract", err)
	case models.EnhancementAnnotation:
		an := c.Annotation
		if an == nil {
			return errstax.NewValidationError("content.annotation", "required for content type annotation")
		}
		for _, a := range an.Annotations {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO enhancement_annotation (enhancement_id, scheme, label, value, score)
				VALUES ($1, $2, $3, $4, $5)`,
				e.ID, a.Scheme, a.Label, a.Value, a.Score); err != nil {
				return errstax.WrapSDK("store.Enhancement.insertContent.annotation", err)
			}
		}
		return nil
	case models.EnhancementLocation:
		l := c.Location
		if l == nil {
			return errstax.NewValidationError("content.location", "required for content type location")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO enhancement_location (id, is_oa, landing_page_url, pdf_url, license, version)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, l.IsOA, l.LandingPage, l.PDFURL, l.License, l.Version)
		return errstax.WrapSDK("store.Enhancement.insertContent.location", err)
	default:
		return errstax.NewValidationError("content.enhancement_type", "unknown enhancement type")
	}
}

func loadContent(ctx context.Context, db *sqlx.DB, e *models.Enhancement) error {
	switch e.Content.Type {
	case models.EnhancementBibliographic:
		var b models.BibliographicContent
		var authors pq.StringArray
		row := db.QueryRowxContext(ctx,
			`SELECT title, year, publication_date, authors, publisher_name, journal_name
			FROM enhancement_bibliographic WHERE id = $1`, e.ID)
		if err := row.Scan(&b.Title, &b.Year, &b.PublicationDate, &authors, &b.PublisherName, &b.JournalName); err != nil {
			return errstax.WrapSDK("store.Enhancement.loadContent.bibliographic", err)
		}
		b.Authors = authors
		e.Content.Bibliographic = &b
	case models.EnhancementAbstract:
		var a models.AbstractContent
		if err := db.GetContext(ctx, &a, `SELECT text, process FROM enhancement_abstract WHERE id = $1`, e.ID); err != nil {
			return errstax.WrapSDK("store.Enhancement.loadContent.abstract", err)
		}
		e.Content.Abstract = &a
	case models.EnhancementAnnotation:
		var anns []models.Annotation
		if err := db.SelectContext(ctx, &anns,
			`SELECT scheme, label, value, score FROM enhancement_annotation WHERE enhancement_id = $1`, e.ID); err != nil {
			return errstax.WrapSDK("store.Enhancement.loadContent.annotation", err)
		}
		e.Content.Annotation = &models.AnnotationContent{Annotations: anns}
	case models.EnhancementLocation:
		var l models.LocationContent
		if err := db.GetContext(ctx, &l,
			`SELECT is_oa, landing_page_url, pdf_url, license, version FROM enhancement_location WHERE id = $1`, e.ID); err != nil {
			return errstax.WrapSDK("store.Enhancement.loadContent.location", err)
		}
		e.Content.Location = &l
	}
	return nil
}
