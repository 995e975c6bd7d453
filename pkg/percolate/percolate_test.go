package percolate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openbiblio/corpus/pkg/database"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// newTestDB starts a throwaway Postgres container with the embedded
// migrations applied, mirroring pkg/dispatch/dispatch_test.go's helper.
func newTestDB(t *testing.T) *database.Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:         host,
		Port:         port.Int(),
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func newSeqID(prefix string) func() string {
	var n int64
	return func() string {
		return prefix + "-" + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
	}
}

// percolateMatch is the wire shape pkg/search.Client.Percolate decodes
// each hit's _source into.
type percolateMatch struct {
	RobotAutomationID string `json:"robot_automation_id"`
	RobotID           string `json:"robot_id"`
}

// newFakePercolateClient returns a search.Client backed by an httptest
// server that answers every request (percolate or otherwise) with
// matches, shaped as the _score/_source hit envelope pkg/search/client.go
// decodes.
func newFakePercolateClient(t *testing.T, matches ...percolateMatch) *search.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type hitEnvelope struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		}
		var hits []hitEnvelope
		for _, m := range matches {
			src, _ := json.Marshal(m)
			hits = append(hits, hitEnvelope{Score: 1, Source: src})
		}
		body, _ := json.Marshal(map[string]any{"hits": map[string]any{"hits": hits}})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	client, err := search.NewClient(search.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client
}

type percolateFixtures struct {
	refs     *store.ReferenceStore
	enhs     *store.EnhancementStore
	dispatch *store.DispatchStore
	robots   *store.RobotStore
	newID    func() string
}

func newPercolateFixtures(db *database.Client) *percolateFixtures {
	return &percolateFixtures{
		refs:     store.NewReferenceStore(db.DB),
		enhs:     store.NewEnhancementStore(db.DB),
		dispatch: store.NewDispatchStore(db.DB),
		robots:   store.NewRobotStore(db.DB),
		newID:    newSeqID("id"),
	}
}

func (f *percolateFixtures) createReference(t *testing.T, ctx context.Context, title string) string {
	t.Helper()
	ref := &models.Reference{
		ID:          f.newID(),
		Visibility:  models.VisibilityPublic,
		Identifiers: []models.Identifier{{ID: f.newID(), Type: models.IdentifierDOI, Value: f.newID()}},
	}
	require.NoError(t, f.refs.Create(ctx, ref))
	enh := &models.Enhancement{
		ID:          f.newID(),
		ReferenceID: ref.ID,
		Source:      "manual",
		Visibility:  models.VisibilityPublic,
		Content: models.EnhancementContent{
			Type:          models.EnhancementBibliographic,
			Bibliographic: &models.BibliographicContent{Title: title},
		},
	}
	require.NoError(t, f.enhs.Create(ctx, enh))
	return ref.ID
}

func (f *percolateFixtures) createRobot(t *testing.T, ctx context.Context, name string) string {
	t.Helper()
	robot := &models.Robot{ID: f.newID(), Name: name, BaseURL: "https://robot.example", Owner: "team-x"}
	require.NoError(t, f.robots.Create(ctx, robot))
	return robot.ID
}

func TestEngine_Run_EmitsPendingEnhancementForEachMatchedRobot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newPercolateFixtures(db)

	refID := f.createReference(t, ctx, "Measurement of the Higgs Boson Mass")
	robotID := f.createRobot(t, ctx, "abstracter")

	es := newFakePercolateClient(t, percolateMatch{RobotAutomationID: "automation-1", RobotID: robotID})
	engine := NewEngine(f.refs, f.enhs, f.dispatch, es, f.newID, nil)

	units, err := engine.Run(ctx, refID, Changeset{"identifier_added": "doi"})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, robotID, units[0].RobotID)
	assert.Equal(t, refID, units[0].ReferenceID)
	assert.Equal(t, models.PendingStatusPending, units[0].Status)
}

func TestEngine_Run_DoesNotDoubleQueueAlreadyOutstandingWork(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newPercolateFixtures(db)

	refID := f.createReference(t, ctx, "Search for New Heavy Resonances")
	robotID := f.createRobot(t, ctx, "classifier")

	es := newFakePercolateClient(t, percolateMatch{RobotAutomationID: "automation-2", RobotID: robotID})
	engine := NewEngine(f.refs, f.enhs, f.dispatch, es, f.newID, nil)

	first, err := engine.Run(ctx, refID, Changeset{})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := engine.Run(ctx, refID, Changeset{})
	require.NoError(t, err)
	assert.Empty(t, second, "a second percolation pass must not re-queue work already outstanding for this (reference, robot) pair")
}

func TestEngine_Run_DedupesMultipleAutomationMatchesForSameRobot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newPercolateFixtures(db)

	refID := f.createReference(t, ctx, "Observation of Rare B Meson Decays")
	robotID := f.createRobot(t, ctx, "multi-match")

	es := newFakePercolateClient(t,
		percolateMatch{RobotAutomationID: "automation-a", RobotID: robotID},
		percolateMatch{RobotAutomationID: "automation-b", RobotID: robotID},
	)
	engine := NewEngine(f.refs, f.enhs, f.dispatch, es, f.newID, nil)

	units, err := engine.Run(ctx, refID, Changeset{})
	require.NoError(t, err)
	assert.Len(t, units, 1, "two automations matching the same robot should only queue one unit")
}

func TestEngine_Run_NoMatchesEmitsNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newPercolateFixtures(db)

	refID := f.createReference(t, ctx, "An Uninteresting Reference")

	es := newFakePercolateClient(t)
	engine := NewEngine(f.refs, f.enhs, f.dispatch, es, f.newID, nil)

	units, err := engine.Run(ctx, refID, Changeset{})
	require.NoError(t, err)
	assert.Empty(t, units)
}
