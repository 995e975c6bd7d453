package models

import "time"

// EnhancementType discriminates the tagged Enhancement content variant
// (spec §3). Per spec §9's design note, the wire form uses runtime
// discrimination on an enhancement_type field; this is implemented as a
// Go tagged union matched on Type, never via reflection.
type EnhancementType string

// Known enhancement content types.
const (
	EnhancementBibliographic EnhancementType = "bibliographic"
	EnhancementAbstract      EnhancementType = "abstract"
	EnhancementAnnotation    EnhancementType = "annotation"
	EnhancementLocation      EnhancementType = "location"
)

// Annotation is one entry of an Annotation-content Enhancement: a scored,
// scheme-qualified label (spec §3, spec §6's annotation search filter).
type Annotation struct {
	Scheme string  `json:"scheme"`
	Label  string  `json:"label"`
	Value  string  `json:"value,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// BibliographicContent is the Bibliographic enhancement payload: the
// structured metadata used for deduplication and search projection.
type BibliographicContent struct {
	Title             string     `json:"title,omitempty"`
	Year              *int       `json:"year,omitempty"`
	PublicationDate   *time.Time `json:"publication_date,omitempty"`
	Authors           []string   `json:"authors,omitempty"`
	PublisherName     string     `json:"publisher_name,omitempty"`
	JournalName       string     `json:"journal_name,omitempty"`
}

// AbstractContent is the Abstract enhancement payload.
type AbstractContent struct {
	Text    string `json:"text"`
	Process string `json:"process,omitempty"`
}

// AnnotationContent is the Annotation enhancement payload: a list of
// scored annotations (spec §3).
type AnnotationContent struct {
	Annotations []Annotation `json:"annotations"`
}

// LocationContent is the Location enhancement payload: where a copy of
// the reference can be accessed.
type LocationContent struct {
	IsOA        bool   `json:"is_oa"`
	LandingPage string `json:"landing_page_url,omitempty"`
	PDFURL      string `json:"pdf_url,omitempty"`
	License     string `json:"license,omitempty"`
	Version     string `json:"version,omitempty"`
}

// EnhancementContent is the tagged union payload. Exactly one of the
// typed fields is populated, selected by Type. Unmarshalling from the
// wire happens in pkg/ingest's anti-corruption layer, never via
// reflection on this struct.
type EnhancementContent struct {
	Type          EnhancementType        `json:"enhancement_type"`
	Bibliographic *BibliographicContent  `json:"bibliographic,omitempty"`
	Abstract      *AbstractContent       `json:"abstract,omitempty"`
	Annotation    *AnnotationContent     `json:"annotation,omitempty"`
	Location      *LocationContent       `json:"location,omitempty"`
}

// Enhancement is a single piece of enrichment attached to a Reference
// (spec §3). Uniqueness within a Reference is by (Content.Type, Source);
// merge collisions on that key are resolved by the ingest CollisionPolicy.
type Enhancement struct {
	ID           string              `json:"id" db:"id"`
	ReferenceID  string              `json:"reference_id" db:"reference_id"`
	Source       string              `json:"source" db:"source"`
	Visibility   Visibility          `json:"visibility" db:"visibility"`
	RobotVersion string              `json:"robot_version,omitempty" db:"robot_version"`
	DerivedFrom  []string            `json:"derived_from,omitempty" db:"-"`
	Content      EnhancementContent  `json:"content" db:"-"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
}

// CollisionKey returns the (content.type, source) uniqueness tuple used
// by the ingest collision policy (spec §3).
func (e Enhancement) CollisionKey() EnhancementKey {
	return EnhancementKey{Type: e.Content.Type, Source: e.Source}
}

// EnhancementKey is the comparable uniqueness tuple for an Enhancement.
type EnhancementKey struct {
	Type   EnhancementType
	Source string
}

// LatestBibliographic returns the Bibliographic content of the
// enhancement with the latest CreatedAt, used for the merged projection's
// title selection (spec §4.2: "title from the latest bibliographic
// enhancement by created_at").
func LatestBibliographic(enhancements []Enhancement) *BibliographicContent {
	var latest *Enhancement
	for i := range enhancements {
		e := &enhancements[i]
		if e.Content.Type != EnhancementBibliographic || e.Content.Bibliographic == nil {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Content.Bibliographic
}
