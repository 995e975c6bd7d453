package ingest

import (
	"context"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/store"
)

// Merger resolves an incoming Reference against an existing one sharing
// an identifier, per the import's CollisionPolicy (spec §4.1). Grafting
// identifiers (adding ones the existing reference lacks) happens
// unconditionally regardless of policy — only enhancement handling
// varies by policy.
type Merger struct {
	refs  *store.ReferenceStore
	enhs  *store.EnhancementStore
	newID func() string
}

// NewMerger constructs a Merger over the given repositories.
func NewMerger(refs *store.ReferenceStore, enhs *store.EnhancementStore, newID func() string) *Merger {
	return &Merger{refs: refs, enhs: enhs, newID: newID}
}

// Merge applies incoming onto the existing reference existingID
// according to policy. It never creates a new reference — a collision
// always resolves onto the existing record.
func (m *Merger) Merge(ctx context.Context, existingID string, incoming *models.Reference, policy models.CollisionPolicy) error {
	if !policy.Valid() {
		return errstax.NewValidationError("collision_policy", "unknown collision policy")
	}

	for _, id := range incoming.Identifiers {
		if !existingHasIdentifier(ctx, m.refs, existingID, id.Key()) {
			id.ReferenceID = existingID
			if id.ID == "" {
				id.ID = m.newID()
			}
			if err := m.refs.AddIdentifier(ctx, existingID, id); err != nil {
				return err
			}
		}
	}

	switch policy {
	case models.CollisionOverwrite:
		return m.overwrite(ctx, existingID, incoming)
	case models.CollisionAppend:
		return m.append(ctx, existingID, incoming)
	case models.CollisionMergeDefensive:
		return m.mergeWithPriority(ctx, existingID, incoming, false)
	case models.CollisionMergeAggressive:
		return m.mergeWithPriority(ctx, existingID, incoming, true)
	default:
		return errstax.NewValidationError("collision_policy", "unknown collision policy")
	}
}

func existingHasIdentifier(ctx context.Context, refs *store.ReferenceStore, existingID string, key models.IdentifierKey) bool {
	ref, err := refs.Get(ctx, existingID)
	if err != nil {
		return false
	}
	return ref.HasIdentifier(key)
}

// overwrite deletes every existing enhancement sharing a (type, source)
// key with an incoming one, then inserts all incoming enhancements.
func (m *Merger) overwrite(ctx context.Context, existingID string, incoming *models.Reference) error {
	for _, e := range incoming.Enhancements {
		for {
			existing, err := m.enhs.FindByCollisionKey(ctx, existingID, e.CollisionKey())
			if err != nil {
				return err
			}
			if existing == nil {
				break
			}
			if err := m.enhs.Delete(ctx, existing.ID); err != nil {
				return err
			}
		}
	}
	for _, e := range incoming.Enhancements {
		e.ReferenceID = existingID
		if err := m.enhs.Create(ctx, &e); err != nil {
			return err
		}
	}
	return m.refs.Touch(ctx, existingID)
}

// append inserts every incoming enhancement unconditionally, leaving it
// alongside any existing enhancement that shares its (type, source) key
// rather than resolving the collision — the "concatenates" policy (spec
// §3), in contrast to merge_defensive/merge_aggressive which resolve a
// collision onto a single surviving row.
func (m *Merger) append(ctx context.Context, existingID string, incoming *models.Reference) error {
	for _, e := range incoming.Enhancements {
		e.ReferenceID = existingID
		e.ID = m.newID()
		if err := m.enhs.Create(ctx, &e); err != nil {
			return err
		}
	}
	return m.refs.Touch(ctx, existingID)
}

// mergeWithPriority inserts incoming enhancements that don't collide,
// and for ones that do, either keeps the existing one (defensive) or
// replaces it (aggressive).
func (m *Merger) mergeWithPriority(ctx context.Context, existingID string, incoming *models.Reference, incomingWins bool) error {
	for _, e := range incoming.Enhancements {
		existing, err := m.enhs.FindByCollisionKey(ctx, existingID, e.CollisionKey())
		if err != nil {
			return err
		}
		if existing != nil {
			if !incomingWins {
				continue
			}
			if err := m.enhs.Delete(ctx, existing.ID); err != nil {
				return err
			}
		}
		e.ReferenceID = existingID
		if e.ID == "" {
			e.ID = m.newID()
		}
		if err := m.enhs.Create(ctx, &e); err != nil {
			return err
		}
	}
	return m.refs.Touch(ctx, existingID)
}
