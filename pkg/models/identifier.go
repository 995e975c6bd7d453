package models

// IdentifierType discriminates the tagged Identifier variant (spec §3).
type IdentifierType string

// Known identifier types.
const (
	IdentifierDOI      IdentifierType = "doi"
	IdentifierPubMed   IdentifierType = "pm_id"
	IdentifierOpenAlex IdentifierType = "open_alex"
	IdentifierOther    IdentifierType = "other"
)

// Identifier is a tagged variant over {DOI, PubMed, OpenAlex, Other(name)}.
// Uniqueness key is (Type, Value, OtherName) — see spec §3. OtherName is
// only meaningful (and only populated) when Type is IdentifierOther.
type Identifier struct {
	ID          string         `json:"id" db:"id"`
	ReferenceID string         `json:"reference_id" db:"reference_id"`
	Type        IdentifierType `json:"identifier" db:"identifier_type"`
	Value       string         `json:"identifier_value" db:"identifier_value"`
	OtherName   string         `json:"other_identifier_name,omitempty" db:"other_identifier_name"`
}

// Key returns the (type, value, other_name) uniqueness tuple used for
// ingest matching (spec §4.1: "Matching uses identifier equality only").
func (i Identifier) Key() IdentifierKey {
	name := ""
	if i.Type == IdentifierOther {
		name = i.OtherName
	}
	return IdentifierKey{Type: i.Type, Value: i.Value, OtherName: name}
}

// IdentifierKey is the comparable uniqueness tuple for an Identifier.
type IdentifierKey struct {
	Type      IdentifierType
	Value     string
	OtherName string
}

// HasType reports whether any identifier in the slice carries type t.
func HasType(ids []Identifier, t IdentifierType) bool {
	for _, id := range ids {
		if id.Type == t {
			return true
		}
	}
	return false
}

// ValueOfType returns the value of the first identifier of type t, and
// whether one was found.
func ValueOfType(ids []Identifier, t IdentifierType) (string, bool) {
	for _, id := range ids {
		if id.Type == t {
			return id.Value, true
		}
	}
	return "", false
}
