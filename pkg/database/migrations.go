package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateGINIndexes creates full-text search GIN indexes over
// bibliographic titles and abstract text. No package in this repository
// queries the relational store with to_tsvector: pkg/dedup retrieves
// candidates from the Elasticsearch index in pkg/search only.
func CreateGINIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_bibliographic_title_gin
		ON enhancement_bibliographic USING gin(to_tsvector('english', title))`)
	if err != nil {
		return fmt.Errorf("failed to create bibliographic title GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_abstract_text_gin
		ON enhancement_abstract USING gin(to_tsvector('english', COALESCE(text, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create abstract text GIN index: %w", err)
	}

	return nil
}
