// Package ingest implements C7 Import Pipeline: schema validation, the
// C6 anti-corruption wire translation, collision-policy merging, and the
// batched pipeline orchestration (spec §4.1).
package ingest

import (
	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// Entry is one line of an import payload, in wire form, before
// translation into the domain model by Translate (C6).
type Entry struct {
	Visibility   string        `json:"visibility"`
	Identifiers  []WireIdentifier  `json:"identifiers"`
	Enhancements []WireEnhancement `json:"enhancements"`
}

// WireIdentifier is the wire shape of a models.Identifier.
type WireIdentifier struct {
	Identifier           string `json:"identifier"`
	IdentifierValue      string `json:"identifier_value"`
	OtherIdentifierName  string `json:"other_identifier_name,omitempty"`
}

// WireEnhancement is the wire shape of a models.Enhancement, carrying
// its content as a raw map so pkg/ingest/wire.go can dispatch on
// enhancement_type without reflection.
type WireEnhancement struct {
	Source          string         `json:"source"`
	Visibility      string         `json:"visibility"`
	RobotVersion    string         `json:"robot_version,omitempty"`
	Content         map[string]any `json:"content"`
}

// Validate checks e against the domain invariants spec §3/§4.1 name:
// visibility must be a known level, and the entry must carry at least
// one identifier. It does not validate enhancement content shape — that
// happens during Translate, which fails on a malformed enhancement, so
// the whole entry is rejected.
func (e Entry) Validate() error {
	if !models.Visibility(e.Visibility).Valid() {
		return errstax.NewValidationError("visibility", "must be one of public, restricted, hidden")
	}
	if len(e.Identifiers) == 0 {
		return errstax.NewValidationError("identifiers", "at least one identifier is required")
	}
	for _, id := range e.Identifiers {
		if id.IdentifierValue == "" {
			return errstax.NewValidationError("identifiers", "identifier_value is required")
		}
		t := models.IdentifierType(id.Identifier)
		switch t {
		case models.IdentifierDOI, models.IdentifierPubMed, models.IdentifierOpenAlex:
		case models.IdentifierOther:
			if id.OtherIdentifierName == "" {
				return errstax.NewValidationError("identifiers", "other_identifier_name is required when identifier is 'other'")
			}
		default:
			return errstax.NewValidationError("identifiers", "unknown identifier type")
		}
	}
	return nil
}
