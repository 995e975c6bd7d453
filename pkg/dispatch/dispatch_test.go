package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/ingest"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/store"
)

// newTestDB starts a throwaway Postgres container with the embedded
// migrations applied, mirroring pkg/database/client_test.go's helper.
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

// idGen returns a deterministic, monotonically increasing id generator
// for test fixtures, distinct from models.NewID so fixture ids stay
// readable in failure output.
func idGen(prefix string) func() string {
	var n int64
	return func() string {
		return prefix + "-" + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
	}
}

// fakeBlobStore is an in-memory stand-in for pkg/blob's Store, letting
// tests exercise the result-artifact round trip without a real object
// store.
type fakeBlobStore struct {
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) PutNDJSON(_ context.Context, name string, body []byte) (string, error) {
	f.objects[name] = body
	return name, nil
}

func (f *fakeBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, errstax.ErrNotFound
	}
	return body, nil
}

func (f *fakeBlobStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.example.test/" + key, nil
}

// putResult uploads an NDJSON result artifact containing lines and
// returns its storage key.
func (f *fakeBlobStore) putResult(t *testing.T, lines ...ResultLine) string {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range lines {
		require.NoError(t, enc.Encode(l))
	}
	key := "results/" + idGen("result")()
	f.objects[key] = buf.Bytes()
	return key
}

type testFixtures struct {
	refs     *store.ReferenceStore
	enhs     *store.EnhancementStore
	dispatch *store.DispatchStore
	robots   *store.RobotStore
	blobs    *fakeBlobStore
	newID    func() string
}

func setupFixtures(t *testing.T) *testFixtures {
	db := newTestDB(t)
	return &testFixtures{
		refs:     store.NewReferenceStore(db.DB),
		enhs:     store.NewEnhancementStore(db.DB),
		dispatch: store.NewDispatchStore(db.DB),
		robots:   store.NewRobotStore(db.DB),
		blobs:    newFakeBlobStore(),
		newID:    idGen("id"),
	}
}

// newDispatcher builds a Dispatcher over f with no search/decisions
// wiring — reindexing is a no-op, which is fine for tests exercising
// dispatch/retry bookkeeping rather than search.
func (f *testFixtures) newDispatcher(cfg Config) *Dispatcher {
	return NewDispatcher(f.refs, f.enhs, f.dispatch, f.robots, f.blobs, nil, nil, f.newID, cfg)
}

func (f *testFixtures) createReference(t *testing.T, ctx context.Context) string {
	ref := &models.Reference{
		ID:         f.newID(),
		Visibility: models.VisibilityPublic,
		Identifiers: []models.Identifier{
			{ID: f.newID(), Type: models.IdentifierDOI, Value: fmt.Sprintf("10.1/%s", f.newID())},
		},
	}
	require.NoError(t, f.refs.Create(ctx, ref))
	return ref.ID
}

func (f *testFixtures) createRobot(t *testing.T, ctx context.Context) string {
	r := &models.Robot{
		ID:               f.newID(),
		Name:             f.newID(),
		BaseURL:          "https://robot.example.test",
		Owner:            "team-x",
		ClientSecretHash: "secret",
	}
	require.NoError(t, f.robots.Create(ctx, r))
	return r.ID
}

func TestDispatcher_RequestBatch_RejectsUnknownRobot(t *testing.T) {
	f := setupFixtures(t)
	ctx := context.Background()
	d := f.newDispatcher(DefaultConfig)

	refID := f.createReference(t, ctx)

	_, err := d.RequestBatch(ctx, "no-such-robot", "manual", []string{refID})

	require.Error(t, err)
	var validErr *errstax.ValidationError
	assert.ErrorAs(t, err, &validErr)
}

func TestDispatcher_RequestBatch_RejectsUnknownReference(t *testing.T) {
	f := setupFixtures(t)
	ctx := context.Background()
	d := f.newDispatcher(DefaultConfig)

	robotID := f.createRobot(t, ctx)

	_, err := d.RequestBatch(ctx, robotID, "manual", []string{"no-such-reference"})

	require.Error(t, err)
	var validErr *errstax.ValidationError
	assert.ErrorAs(t, err, &validErr)
}

func TestDispatcher_RequestBatch_CreatesPendingUnits(t *testing.T) {
	f := setupFixtures(t)
	ctx := context.Background()
	d := f.newDispatcher(DefaultConfig)

	robotID := f.createRobot(t, ctx)
	refID := f.createReference(t, ctx)

	req, err := d.RequestBatch(ctx, robotID, "manual", []string{refID})
	require.NoError(t, err)

	stored, err := f.dispatch.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, robotID, stored.RobotID)
	assert.Equal(t, []string{refID}, stored.ReferenceIDs)

	statuses, err := f.dispatch.UnitStatusesForRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.PendingStatusPending, statuses[0])
}

func TestDispatcher_ClaimBatch_ReturnsErrNoPendingWorkWhenEmpty(t *testing.T) {
	f := setupFixtures(t)
	ctx := context.Background()
	d := f.newDispatcher(DefaultConfig)

	robotID := f.createRobot(t, ctx)

	_, err := d.ClaimBatch(ctx, robotID, 0, 0)

	assert.ErrorIs(t, err, store.ErrNoPendingWork)
}

func TestDispatcher_SubmitResults_CompletesSuccessfulUnit(t *testing.T) {
	f := setupFixtures(t)
	ctx := context.Background()
	d := f.newDispatcher(DefaultConfig)

	robotID := f.createRobot(t, ctx)
	refID := f.createReference(t, ctx)
	req, err := d.RequestBatch(ctx, robotID, "manual", []string{refID})
	require.NoError(t, err)
	statusesBefore, err := f.dispatch.UnitStatusesForRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, statusesBefore, 1)

	unitID, batchID := claimSingleUnit(t, ctx, f, d, robotID)

	key := f.blobs.putResult(t, ResultLine{
		UnitID: unitID,
		Enhancement: &ingest.WireEnhancement{
			Source:     "manual",
			Visibility: "public",
			Content: map[string]any{
				"enhancement_type": "annotation",
				"annotations":      []any{},
			},
		},
	})

	err = d.SubmitResults(ctx, batchID, BatchResult{ResultStorageKey: key})
	require.NoError(t, err)

	got, err := f.dispatch.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingStatusCompleted, got.Status)

	enhancements, err := f.enhs.ListByReference(ctx, refID)
	require.NoError(t, err)
	require.Len(t, enhancements, 1)
	assert.Equal(t, models.EnhancementAnnotation, enhancements[0].Content.Type)
}

func TestDispatcher_SubmitResults_RetriesBelowMaxRetries(t *testing.T) {
	f := setupFixtures(t)
	ctx := context.Background()
	cfg := DefaultConfig
	cfg.MaxRetries = 2
	d := f.newDispatcher(cfg)

	robotID := f.createRobot(t, ctx)
	refID := f.createReference(t, ctx)
	req, err := d.RequestBatch(ctx, robotID, "manual", []string{refID})
	require.NoError(t, err)
	unitID, batchID := claimSingleUnit(t, ctx, f, d, robotID)

	err = d.SubmitResults(ctx, batchID, BatchResult{Error: "timeout"})
	require.NoError(t, err)

	original, err := f.dispatch.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingStatusExpired, original.Status)

	statuses, err := f.dispatch.UnitStatusesForRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, statuses, 2) // original (expired) + the new retry unit (pending)
}

func TestDispatcher_SubmitResults_FailsPermanentlyAtMaxRetries(t *testing.T) {
	f := setupFixtures(t)
	ctx := context.Background()
	cfg := DefaultConfig
	cfg.MaxRetries = 0
	d := f.newDispatcher(cfg)

	robotID := f.createRobot(t, ctx)
	refID := f.createReference(t, ctx)
	_, err := d.RequestBatch(ctx, robotID, "manual", []string{refID})
	require.NoError(t, err)
	unitID, batchID := claimSingleUnit(t, ctx, f, d, robotID)

	err = d.SubmitResults(ctx, batchID, BatchResult{Error: "robot rejected reference"})
	require.NoError(t, err)

	got, err := f.dispatch.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingStatusFailed, got.Status)
	assert.Equal(t, "robot rejected reference", got.FailureReason)
}

// claimSingleUnit claims req's lone pending unit for robotID into a
// batch and returns (unitID, batchID).
func claimSingleUnit(t *testing.T, ctx context.Context, f *testFixtures, d *Dispatcher, robotID string) (string, string) {
	t.Helper()
	claimed, err := d.ClaimBatch(ctx, robotID, 0, 0)
	require.NoError(t, err)
	require.Len(t, claimed.Units, 1)
	return claimed.Units[0].ID, claimed.Batch.ID
}
