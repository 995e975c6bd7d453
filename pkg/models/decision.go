package models

import "time"

// DuplicateDetermination is the outcome of the deduplication engine's
// pairwise scoring for a Reference (spec §4.2).
type DuplicateDetermination string

// Known determinations, in rough order of how pkg/dedup reaches them.
const (
	// DeterminationCanonical means this reference is its own canonical
	// record — either no candidate matched, or it won a tie-break.
	DeterminationCanonical DuplicateDetermination = "canonical"
	// DeterminationDuplicate means this reference duplicates another but
	// the match confidence didn't clear the exact-duplicate bar.
	DeterminationDuplicate DuplicateDetermination = "duplicate"
	// DeterminationExactDuplicate means the match was OpenAlex-id-exact
	// or otherwise unambiguous.
	DeterminationExactDuplicate DuplicateDetermination = "exact_duplicate"
	// DeterminationUnsearchable means the reference never cleared the
	// searchability gate (spec §4.2) and dedup did not run.
	DeterminationUnsearchable DuplicateDetermination = "unsearchable"
	// DeterminationUnresolved means dedup ran but could not confidently
	// settle on canonical vs. duplicate (held for operator review).
	DeterminationUnresolved DuplicateDetermination = "unresolved"
)

// ReferenceDuplicateDecision is the dedup engine's audit trail and
// current verdict for one Reference (spec §4.2). Only one decision per
// reference is ever "active"; superseded decisions are kept for history
// with ActiveDecision set to false.
type ReferenceDuplicateDecision struct {
	ID                    string                  `json:"id" db:"id"`
	ReferenceID           string                  `json:"reference_id" db:"reference_id"`
	DuplicateDetermination DuplicateDetermination `json:"duplicate_determination" db:"duplicate_determination"`
	CanonicalReferenceID  *string                 `json:"canonical_reference_id,omitempty" db:"canonical_reference_id"`
	CandidateCanonicalIDs []string                `json:"candidate_canonical_ids,omitempty" db:"-"`
	ActiveDecision        bool                    `json:"active_decision" db:"active_decision"`
	CreatedAt             time.Time               `json:"created_at" db:"created_at"`
}

// IsDuplicate reports whether d marks its reference as some form of
// duplicate (exact or ordinary), i.e. not canonical of itself.
func (d ReferenceDuplicateDecision) IsDuplicate() bool {
	switch d.DuplicateDetermination {
	case DeterminationDuplicate, DeterminationExactDuplicate:
		return true
	default:
		return false
	}
}
