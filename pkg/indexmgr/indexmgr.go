// Package indexmgr implements C5 Index Manager (spec §4.6): versioned,
// alias-fronted Elasticsearch indices with zero-downtime migration,
// rollback, destructive rebuild, and a relational-store-driven repair
// walk. Grounded directly on
// original_source/app/persistence/es/index_manager.py's IndexManager —
// the version-suffix naming scheme, the create/reindex/switch-alias/
// block-writes/top-up-reindex migration sequence, and rollback's
// version-or-named-index target resolution all follow that file.
package indexmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// versionPrefix matches the original's version_prefix="v" default.
const versionPrefix = "v"

// Manager owns the lifecycle of the index behind search.IndexName.
type Manager struct {
	es            *search.Client
	refs          *store.ReferenceStore
	enhs          *store.EnhancementStore
	decisions     *store.DecisionStore
	alias         string
	pollInterval  time.Duration
	repairPageSize int
	log           *slog.Logger
}

// NewManager constructs a Manager over search.IndexName.
func NewManager(es *search.Client, refs *store.ReferenceStore, enhs *store.EnhancementStore, decisions *store.DecisionStore, log *slog.Logger) *Manager {
	return &Manager{
		es:             es,
		refs:           refs,
		enhs:           enhs,
		decisions:      decisions,
		alias:          search.IndexName,
		pollInterval:   5 * time.Second,
		repairPageSize: 500,
		log:            log,
	}
}

func (m *Manager) indexName(version int) string {
	return fmt.Sprintf("%s_%s%d", m.alias, versionPrefix, version)
}

// currentVersion parses the trailing "_v<N>" suffix off name, returning
// 0 if it cannot be parsed (the original's "assume version 1" fallback
// for pre-versioning index names, generalized here to version 0 so the
// next migration produces v1).
func (m *Manager) currentVersion(name string) int {
	idx := strings.LastIndex(name, "_"+versionPrefix)
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(name[idx+len(versionPrefix)+1:])
	if err != nil {
		return 0
	}
	return n
}

// Initialize creates version 1 and points the alias at it if the alias
// does not exist yet; a no-op otherwise. Returns the active index name.
func (m *Manager) Initialize(ctx context.Context) (string, error) {
	current, err := m.es.CurrentIndex(ctx, m.alias)
	if err != nil {
		return "", err
	}
	if current != "" {
		return current, nil
	}

	name := m.indexName(1)
	if err := m.es.CreateIndex(ctx, name); err != nil {
		return "", err
	}
	if err := m.es.SwitchAlias(ctx, m.alias, "", name); err != nil {
		return "", err
	}
	m.log.Info("initialized index", "index", name, "alias", m.alias)
	return name, nil
}

// Migrate creates a new versioned index, reindexes into it, atomically
// cuts the alias over, blocks writes to the old index, then reindexes a
// second time to pick up anything written during the first pass (spec
// §4.6's "zero-downtime migration"). Returns the new index name.
func (m *Manager) Migrate(ctx context.Context) (string, error) {
	source, err := m.es.CurrentIndex(ctx, m.alias)
	if err != nil {
		return "", err
	}
	if source == "" {
		return m.Initialize(ctx)
	}

	newVersion := m.currentVersion(source) + 1
	dest := m.indexName(newVersion)

	m.log.Info("migrating index", "source", source, "dest", dest)
	if err := m.es.CreateIndex(ctx, dest); err != nil {
		return "", err
	}
	if err := m.es.ReindexSync(ctx, source, dest, m.pollInterval); err != nil {
		return "", err
	}
	if err := m.es.SwitchAlias(ctx, m.alias, source, dest); err != nil {
		return "", err
	}
	if err := m.es.BlockWrites(ctx, source); err != nil {
		return "", err
	}
	// Top-up pass: anything written to source between the first reindex
	// and the alias swap landed after the cutover point and needs a
	// second pass to reach dest.
	if err := m.es.ReindexSync(ctx, source, dest, m.pollInterval); err != nil {
		return "", err
	}

	m.log.Info("migration complete", "index", dest)
	return dest, nil
}

// Rollback switches the alias back to targetVersion (current - 1 if
// zero), refusing version 0 or below and any index that doesn't exist
// (spec §4.6's "refuse v0 or below").
func (m *Manager) Rollback(ctx context.Context, targetVersion int) (string, error) {
	current, err := m.es.CurrentIndex(ctx, m.alias)
	if err != nil {
		return "", err
	}
	if current == "" {
		return "", errstax.ErrNotFound
	}

	currentVersion := m.currentVersion(current)
	if targetVersion == 0 {
		targetVersion = currentVersion - 1
	}
	if targetVersion < 1 {
		return "", errstax.NewValidationError("target_version", "cannot roll back to version zero or earlier")
	}

	target := m.indexName(targetVersion)
	exists, err := m.es.IndexExists(ctx, target)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errstax.ErrNotFound
	}

	if err := m.es.SwitchAlias(ctx, m.alias, current, target); err != nil {
		return "", err
	}
	m.log.Info("rolled back index", "from", current, "to", target)
	return target, nil
}

// Rebuild is destructive: it deletes the current index entirely,
// recreates it empty, and kicks off a Repair to repopulate it from the
// relational store of record (spec §4.6's "Rebuild (destructive,
// triggers repair)").
func (m *Manager) Rebuild(ctx context.Context) error {
	current, err := m.es.CurrentIndex(ctx, m.alias)
	if err != nil {
		return err
	}
	if current == "" {
		return errstax.ErrNotFound
	}

	if err := m.es.RemoveAlias(ctx, m.alias, current); err != nil {
		return err
	}
	m.log.Warn("rebuilding index: deleting", "index", current)
	if err := m.es.DeleteIndex(ctx, current); err != nil {
		return err
	}
	if err := m.es.CreateIndex(ctx, current); err != nil {
		return err
	}
	if err := m.es.SwitchAlias(ctx, m.alias, "", current); err != nil {
		return err
	}

	return m.Repair(ctx)
}

// Repair walks every reference in the relational store of record and
// upserts its current projection into the aliased index, the
// reconciliation half of C11 that both Rebuild and the periodic
// reconcile worker drive (spec §4.6).
func (m *Manager) Repair(ctx context.Context) error {
	cursor := ""
	since := time.Time{}.Format(time.RFC3339)
	total := 0
	for {
		ids, err := m.refs.ListUpdatedSince(ctx, since, cursor, m.repairPageSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := m.reindexOne(ctx, id); err != nil {
				m.log.Error("repair: failed to reindex reference", "reference_id", id, "error", err)
				continue
			}
			total++
		}
		cursor = ids[len(ids)-1]
		if len(ids) < m.repairPageSize {
			break
		}
	}
	m.log.Info("repair complete", "reindexed", total)
	return nil
}

func (m *Manager) reindexOne(ctx context.Context, referenceID string) error {
	ref, err := m.refs.Get(ctx, referenceID)
	if err != nil {
		return err
	}
	enhancements, err := m.enhs.ListByReference(ctx, referenceID)
	if err != nil {
		return err
	}
	ref.Enhancements = enhancements

	activeCanonical := true
	if decision, err := m.decisions.ActiveForReference(ctx, referenceID); err == nil {
		activeCanonical = !decision.IsDuplicate()
	}

	doc := search.FromReference(*ref, activeCanonical)
	return m.es.IndexDocument(ctx, doc)
}
