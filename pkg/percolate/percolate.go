// Package percolate implements C10 Robot Automation Percolator (spec
// §4.3): registering RobotAutomation queries in the percolator index and,
// on ingest or enhancement, matching a reference's current state against
// every registered automation to emit PendingEnhancement work.
package percolate

import (
	"context"
	"log/slog"

	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// Engine runs the percolation pass for one reference change (spec §4.3).
type Engine struct {
	refs     *store.ReferenceStore
	enhs     *store.EnhancementStore
	dispatch *store.DispatchStore
	es       *search.Client
	newID    func() string
	log      *slog.Logger
}

// NewEngine constructs a percolation Engine.
func NewEngine(refs *store.ReferenceStore, enhs *store.EnhancementStore, dispatch *store.DispatchStore, es *search.Client, newID func() string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{refs: refs, enhs: enhs, dispatch: dispatch, es: es, newID: newID, log: log}
}

// RegisterAutomation indexes a.Query into the percolator so future
// percolation passes can match against it (spec §4.3, §6).
func (e *Engine) RegisterAutomation(ctx context.Context, a models.RobotAutomation) error {
	if !a.Enabled {
		return e.es.DeletePercolatorQuery(ctx, a.ID)
	}
	return e.es.IndexPercolatorQuery(ctx, search.PercolatorDocument{
		RobotAutomationID: a.ID,
		RobotID:           a.RobotID,
		Query:             a.Query,
	})
}

// DeregisterAutomation removes a's percolator document, called when an
// automation is disabled or deleted.
func (e *Engine) DeregisterAutomation(ctx context.Context, automationID string) error {
	return e.es.DeletePercolatorQuery(ctx, automationID)
}

// Changeset describes what changed about a reference, carried in the
// percolated document so automations can match on "what just happened"
// rather than only on the reference's current state (e.g. "a DOI was
// just added" per spec §4.3's worked example).
type Changeset map[string]any

// Run percolates referenceID's current projection plus changeset against
// every registered automation, emitting a PendingEnhancement for each
// robot whose automation matched and that doesn't already have
// outstanding work queued for this reference (spec §4.3's "no duplicate
// queuing" rule). Requests are grouped by robot: one EnhancementRequest
// per (reference, robot) match, each a single-reference request, since
// percolation fires per reference rather than in a caller-supplied batch.
func (e *Engine) Run(ctx context.Context, referenceID string, changeset Changeset) ([]models.PendingEnhancement, error) {
	ref, err := e.refs.Get(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	enhancements, err := e.enhs.ListByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	ref.Enhancements = enhancements

	doc := search.FromReference(*ref, true)
	matches, err := e.es.Percolate(ctx, search.ChangesetDocument{
		Reference: doc,
		Changeset: map[string]any(changeset),
	})
	if err != nil {
		return nil, err
	}

	var emitted []models.PendingEnhancement
	seenRobots := make(map[string]bool, len(matches))
	for _, m := range matches {
		if seenRobots[m.RobotID] {
			continue
		}
		seenRobots[m.RobotID] = true

		existing, err := e.dispatch.ExistingUnit(ctx, referenceID, m.RobotID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.log.Debug("percolate: skipping, work already queued",
				"reference_id", referenceID, "robot_id", m.RobotID, "unit_id", existing.ID)
			continue
		}

		req := &models.EnhancementRequest{
			ID:           e.newID(),
			RobotID:      m.RobotID,
			ReferenceIDs: []string{referenceID},
			Source:       "automation:" + m.RobotAutomationID,
		}
		units, err := e.dispatch.CreateRequest(ctx, req, e.newID)
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, units...)
		e.log.Info("percolate: automation matched, enhancement queued",
			"reference_id", referenceID, "robot_id", m.RobotID, "automation_id", m.RobotAutomationID)
	}
	return emitted, nil
}
