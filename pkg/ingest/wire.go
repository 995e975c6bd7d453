package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// Translate converts a wire Entry into a domain Reference (C6's
// anti-corruption layer), minting fresh ids for the reference, its
// identifiers, and its enhancements. newID is injected so callers can
// supply models.NewID in production and a deterministic sequence in
// tests.
func Translate(e Entry, newID func() string) (*models.Reference, error) {
	ref := &models.Reference{
		ID:         newID(),
		Visibility: models.Visibility(e.Visibility),
	}

	for _, wid := range e.Identifiers {
		ref.Identifiers = append(ref.Identifiers, models.Identifier{
			ID:          newID(),
			ReferenceID: ref.ID,
			Type:        models.IdentifierType(wid.Identifier),
			Value:       wid.IdentifierValue,
			OtherName:   wid.OtherIdentifierName,
		})
	}

	for _, we := range e.Enhancements {
		enh, err := translateEnhancement(ref.ID, we, newID)
		if err != nil {
			return nil, err
		}
		ref.Enhancements = append(ref.Enhancements, *enh)
	}

	return ref, nil
}

// TranslateEnhancement converts one wire-shaped enhancement into a
// domain Enhancement for referenceID, minting a fresh id. Exported so
// pkg/dispatch's robot result importer can translate submitted
// enhancement content the same way an import entry's enhancements are
// translated, without duplicating the content-type dispatch switch.
func TranslateEnhancement(referenceID string, we WireEnhancement, newID func() string) (*models.Enhancement, error) {
	return translateEnhancement(referenceID, we, newID)
}

func translateEnhancement(referenceID string, we WireEnhancement, newID func() string) (*models.Enhancement, error) {
	enh := &models.Enhancement{
		ID:           newID(),
		ReferenceID:  referenceID,
		Source:       we.Source,
		Visibility:   models.Visibility(we.Visibility),
		RobotVersion: we.RobotVersion,
	}

	raw, err := json.Marshal(we.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: enhancement content is not valid JSON", errstax.ErrParse)
	}

	typeField, _ := we.Content["enhancement_type"].(string)
	enh.Content.Type = models.EnhancementType(typeField)

	switch enh.Content.Type {
	case models.EnhancementBibliographic:
		var b models.BibliographicContent
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: malformed bibliographic content", errstax.ErrParse)
		}
		enh.Content.Bibliographic = &b
	case models.EnhancementAbstract:
		var a models.AbstractContent
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: malformed abstract content", errstax.ErrParse)
		}
		enh.Content.Abstract = &a
	case models.EnhancementAnnotation:
		var a models.AnnotationContent
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: malformed annotation content", errstax.ErrParse)
		}
		enh.Content.Annotation = &a
	case models.EnhancementLocation:
		var l models.LocationContent
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("%w: malformed location content", errstax.ErrParse)
		}
		enh.Content.Location = &l
	default:
		return nil, fmt.Errorf("%w: unknown enhancement_type %q", errstax.ErrInvalidPayload, typeField)
	}

	return enh, nil
}
