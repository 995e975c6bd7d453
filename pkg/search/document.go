// Package search wraps the Elasticsearch-backed search/percolation
// store (C3, spec §4.2's candidate retrieval and §6's q= search).
// Grounded on original_source's app/domain/references/models/es.py
// document shape; go-elasticsearch/v8 has no teacher precedent in the
// pack, so the client wrapper below follows that library's own
// idiomatic typed-request style instead.
package search

import (
	"github.com/openbiblio/corpus/pkg/models"
)

// IndexName is the alias every query and write targets; pkg/indexmgr is
// the only package that ever points it at a concrete versioned index.
const IndexName = "corpus-references"

// PercolatorIndexName holds registered RobotAutomation queries,
// co-located in the same aliased index as reference documents so a
// percolate query can match against both in one request (DESIGN.md,
// grounded on original_source's index_manager.py).
const PercolatorIndexName = IndexName

// Document is the Elasticsearch document shape for one Reference: its
// merged projection plus the raw identifiers/enhancements needed for
// re-percolation and for the dedup engine's candidate scoring.
type Document struct {
	ReferenceID string              `json:"reference_id"`
	Visibility  models.Visibility   `json:"visibility"`
	Title       string              `json:"title,omitempty"`
	Abstract    string              `json:"abstract,omitempty"`
	Authors     []string            `json:"authors,omitempty"`
	Year        *int                `json:"year,omitempty"`
	Identifiers []models.Identifier `json:"identifiers,omitempty"`
	Annotations []models.Annotation `json:"annotations,omitempty"`
	ActiveCanonical bool            `json:"active_canonical"`

	// Score is Elasticsearch's BM25 relevance score (`_score`) for this
	// hit. It is never part of the stored document body; Search
	// populates it from the hit envelope after unmarshaling _source.
	Score float64 `json:"-"`
}

// FromReference builds the indexable Document for ref, deriving its
// searchable fields the same way models.BuildProjection does, plus the
// active-canonical flag the candidate-retrieval query filters on.
func FromReference(ref models.Reference, activeCanonical bool) Document {
	proj := models.BuildProjection(ref)
	return Document{
		ReferenceID:     ref.ID,
		Visibility:      ref.Visibility,
		Title:           proj.Title,
		Abstract:        proj.Abstract,
		Authors:         proj.Authors,
		Year:            proj.Year,
		Identifiers:     ref.Identifiers,
		Annotations:     proj.Annotations,
		ActiveCanonical: activeCanonical,
	}
}

// PercolatorDocument is the document shape for a registered
// RobotAutomation query, stored alongside reference documents in the
// same aliased index (spec §4.3). The `query` field holds the
// percolator query itself, opaque outside this package.
type PercolatorDocument struct {
	RobotAutomationID string         `json:"robot_automation_id"`
	RobotID            string        `json:"robot_id"`
	Query              map[string]any `json:"query"`
}

// ChangesetDocument is percolated against the registered automation
// queries whenever a reference is ingested or updated (spec §4.3's
// "{reference, changeset}" percolation shape, resolved in
// SPEC_FULL.md's ambiguity resolution §2).
type ChangesetDocument struct {
	Reference Document       `json:"reference"`
	Changeset map[string]any `json:"changeset"`
}
