package ingest

import "testing"

func TestEntry_Validate_RejectsUnknownVisibility(t *testing.T) {
	e := Entry{
		Visibility:  "nonsense",
		Identifiers: []WireIdentifier{{Identifier: "doi", IdentifierValue: "10.1/x"}},
	}
	if err := e.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown visibility")
	}
}

func TestEntry_Validate_RequiresAtLeastOneIdentifier(t *testing.T) {
	e := Entry{Visibility: "public"}
	if err := e.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for zero identifiers")
	}
}

func TestEntry_Validate_RequiresIdentifierValue(t *testing.T) {
	e := Entry{
		Visibility:  "public",
		Identifiers: []WireIdentifier{{Identifier: "doi"}},
	}
	if err := e.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for empty identifier_value")
	}
}

func TestEntry_Validate_OtherIdentifierRequiresName(t *testing.T) {
	e := Entry{
		Visibility:  "public",
		Identifiers: []WireIdentifier{{Identifier: "other", IdentifierValue: "xyz"}},
	}
	if err := e.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for other identifier with no name")
	}

	e.Identifiers[0].OtherIdentifierName = "arxiv"
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil once other_identifier_name is set", err)
	}
}

func TestEntry_Validate_RejectsUnknownIdentifierType(t *testing.T) {
	e := Entry{
		Visibility:  "public",
		Identifiers: []WireIdentifier{{Identifier: "made_up", IdentifierValue: "x"}},
	}
	if err := e.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown identifier type")
	}
}

func TestEntry_Validate_AcceptsWellFormedEntry(t *testing.T) {
	e := Entry{
		Visibility: "public",
		Identifiers: []WireIdentifier{
			{Identifier: "doi", IdentifierValue: "10.1/x"},
			{Identifier: "pm_id", IdentifierValue: "12345"},
		},
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}
