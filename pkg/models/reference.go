package models

import "time"

// Reference is the central entity: a bibliographic record identified by
// one or more Identifiers and enriched by zero or more Enhancements
// (spec §3). A Reference must carry at least one Identifier — enforced
// by pkg/ingest's schema validation, not by this type itself.
type Reference struct {
	ID          string       `json:"id" db:"id"`
	Visibility  Visibility   `json:"visibility" db:"visibility"`
	Identifiers []Identifier `json:"identifiers" db:"-"`
	Enhancements []Enhancement `json:"enhancements" db:"-"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// HasIdentifier reports whether r carries an identifier matching key.
func (r Reference) HasIdentifier(key IdentifierKey) bool {
	for _, id := range r.Identifiers {
		if id.Key() == key {
			return true
		}
	}
	return false
}

// EnhancementsByType returns the subset of r's enhancements whose content
// type is t, in the order stored.
func (r Reference) EnhancementsByType(t EnhancementType) []Enhancement {
	var out []Enhancement
	for _, e := range r.Enhancements {
		if e.Content.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Projection is the merged, flattened read-model for a Reference, as
// returned by search and by the reference-get operation (spec §4.2's
// "merged projection"). It is intentionally NOT the same shape as the
// stored Reference: it resolves the "latest wins" and "list concat"
// merge rules upfront so callers never re-derive them.
type Projection struct {
	ReferenceID string       `json:"reference_id"`
	Visibility  Visibility   `json:"visibility"`
	Identifiers []Identifier `json:"identifiers"`
	Title       string       `json:"title,omitempty"`
	Year        *int         `json:"year,omitempty"`
	Authors     []string     `json:"authors,omitempty"`
	Abstract    string       `json:"abstract,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Locations   []LocationContent `json:"locations,omitempty"`
}

// BuildProjection merges a Reference's enhancements into its read-model
// projection: bibliographic fields come from the latest bibliographic
// enhancement by created_at, abstracts take the latest abstract, and
// annotations/locations concatenate across all contributing enhancements
// (spec §4.2).
func BuildProjection(ref Reference) Projection {
	p := Projection{
		ReferenceID: ref.ID,
		Visibility:  ref.Visibility,
		Identifiers: ref.Identifiers,
	}
	if bib := LatestBibliographic(ref.Enhancements); bib != nil {
		p.Title = bib.Title
		p.Year = bib.Year
		p.Authors = bib.Authors
	}

	var latestAbstract *Enhancement
	for i := range ref.Enhancements {
		e := &ref.Enhancements[i]
		switch e.Content.Type {
		case EnhancementAbstract:
			if e.Content.Abstract == nil {
				continue
			}
			if latestAbstract == nil || e.CreatedAt.After(latestAbstract.CreatedAt) {
				latestAbstract = e
			}
		case EnhancementAnnotation:
			if e.Content.Annotation != nil {
				p.Annotations = append(p.Annotations, e.Content.Annotation.Annotations...)
			}
		case EnhancementLocation:
			if e.Content.Location != nil {
				p.Locations = append(p.Locations, *e.Content.Location)
			}
		}
	}
	if latestAbstract != nil {
		p.Abstract = latestAbstract.Content.Abstract.Text
	}
	return p
}
