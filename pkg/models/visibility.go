package models

// Visibility is the three-level visibility tag carried by References and
// Enhancements (spec §3). Reference-level access control beyond this tag
// is explicitly out of scope (spec §1).
type Visibility string

// Visibility levels, from most to least restrictive.
const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
	VisibilityHidden     Visibility = "hidden"
)

// Valid reports whether v is one of the three known visibility levels.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityRestricted, VisibilityHidden:
		return true
	default:
		return false
	}
}
