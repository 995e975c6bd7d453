package ingest

import (
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/openbiblio/corpus/pkg/models"
)

func sequentialIDs(prefix string) func() string {
	var n int64
	return func() string {
		return prefix + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
	}
}

func TestTranslate_MintsFreshIDsAndWiresReferenceID(t *testing.T) {
	e := Entry{
		Visibility: "public",
		Identifiers: []WireIdentifier{
			{Identifier: "doi", IdentifierValue: "10.1/x"},
		},
		Enhancements: []WireEnhancement{
			{
				Source:     "manual",
				Visibility: "public",
				Content: map[string]any{
					"enhancement_type": "bibliographic",
					"title":            "Some Paper",
				},
			},
		},
	}

	ref, err := Translate(e, sequentialIDs("id"))
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if ref.ID == "" {
		t.Fatal("Translate() left Reference.ID empty")
	}
	if len(ref.Identifiers) != 1 || ref.Identifiers[0].ReferenceID != ref.ID {
		t.Fatalf("Identifiers = %+v, want one identifier wired to %s", ref.Identifiers, ref.ID)
	}
	if len(ref.Enhancements) != 1 || ref.Enhancements[0].ReferenceID != ref.ID {
		t.Fatalf("Enhancements = %+v, want one enhancement wired to %s", ref.Enhancements, ref.ID)
	}
	if ref.Enhancements[0].Content.Type != models.EnhancementBibliographic {
		t.Fatalf("Content.Type = %v, want bibliographic", ref.Enhancements[0].Content.Type)
	}
	if ref.Enhancements[0].Content.Bibliographic == nil || ref.Enhancements[0].Content.Bibliographic.Title != "Some Paper" {
		t.Fatalf("Bibliographic = %+v, want title Some Paper", ref.Enhancements[0].Content.Bibliographic)
	}
}

func TestTranslate_RejectsUnknownEnhancementType(t *testing.T) {
	e := Entry{
		Visibility:  "public",
		Identifiers: []WireIdentifier{{Identifier: "doi", IdentifierValue: "10.1/x"}},
		Enhancements: []WireEnhancement{
			{Source: "manual", Visibility: "public", Content: map[string]any{"enhancement_type": "nonsense"}},
		},
	}
	if _, err := Translate(e, sequentialIDs("id")); err == nil {
		t.Fatal("Translate() = nil error, want error for unknown enhancement_type")
	}
}

func TestTranslate_RejectsMalformedContentForItsType(t *testing.T) {
	e := Entry{
		Visibility:  "public",
		Identifiers: []WireIdentifier{{Identifier: "doi", IdentifierValue: "10.1/x"}},
		Enhancements: []WireEnhancement{
			{
				Source:     "manual",
				Visibility: "public",
				Content: map[string]any{
					"enhancement_type": "bibliographic",
					"year":             "not-a-number",
				},
			},
		},
	}
	if _, err := Translate(e, sequentialIDs("id")); err == nil {
		t.Fatal("Translate() = nil error, want error for year as non-numeric string")
	}
}

func TestTranslateEnhancement_MatchesUnexportedBehavior(t *testing.T) {
	we := WireEnhancement{
		Source:     "robot:abstracter",
		Visibility: "public",
		Content: map[string]any{
			"enhancement_type": "abstract",
			"text":             "An abstract.",
		},
	}
	enh, err := TranslateEnhancement("ref-1", we, sequentialIDs("id"))
	if err != nil {
		t.Fatalf("TranslateEnhancement() error = %v", err)
	}
	if enh.ReferenceID != "ref-1" {
		t.Fatalf("ReferenceID = %q, want ref-1", enh.ReferenceID)
	}
	if enh.Content.Type != models.EnhancementAbstract || enh.Content.Abstract == nil {
		t.Fatalf("Content = %+v, want populated abstract content", enh.Content)
	}
}
