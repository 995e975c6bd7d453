package cleanup

import (
	"context"
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
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/store"
)

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
		Host: host, Port: port.Int(), User: "test", Password: "test",
		Database: "test", SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func idGen(prefix string) func() string {
	var n int64
	return func() string {
		return prefix + "-" + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
	}
}

func TestService_PurgesOldCompletedImportRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	newID := idGen("id")
	imports := store.NewImportStore(db.DB)
	dispatch := store.NewDispatchStore(db.DB)

	rec := &models.ImportRecord{ID: newID(), SourceName: "old-source", CollisionPolicy: models.CollisionOverwrite, Searchable: true}
	require.NoError(t, imports.CreateRecord(ctx, rec))
	batch := &models.ImportBatch{ID: newID(), ImportRecordID: rec.ID, Status: models.ImportBatchCompleted, EntryCount: 1}
	require.NoError(t, imports.CreateBatch(ctx, batch))

	_, err := db.DB.ExecContext(ctx, `UPDATE import_records SET created_at = $1 WHERE id = $2`,
		time.Now().Add(-100*24*time.Hour), rec.ID)
	require.NoError(t, err)

	svc := NewService(Config{ImportRetention: 90 * 24 * time.Hour, DispatchUnitRetention: 30 * 24 * time.Hour}, imports, dispatch)
	svc.runAll(ctx)

	_, err = imports.GetRecord(ctx, rec.ID)
	assert.ErrorIs(t, err, errstax.ErrNotFound)
}

func TestService_PreservesImportRecordWithNonTerminalBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	newID := idGen("id")
	imports := store.NewImportStore(db.DB)
	dispatch := store.NewDispatchStore(db.DB)

	rec := &models.ImportRecord{ID: newID(), SourceName: "in-flight", CollisionPolicy: models.CollisionOverwrite, Searchable: true}
	require.NoError(t, imports.CreateRecord(ctx, rec))
	batch := &models.ImportBatch{ID: newID(), ImportRecordID: rec.ID, Status: models.ImportBatchStarted, EntryCount: 1}
	require.NoError(t, imports.CreateBatch(ctx, batch))

	_, err := db.DB.ExecContext(ctx, `UPDATE import_records SET created_at = $1 WHERE id = $2`,
		time.Now().Add(-100*24*time.Hour), rec.ID)
	require.NoError(t, err)

	svc := NewService(Config{ImportRetention: 90 * 24 * time.Hour, DispatchUnitRetention: 30 * 24 * time.Hour}, imports, dispatch)
	svc.runAll(ctx)

	_, err = imports.GetRecord(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestService_PreservesRecentImportRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	newID := idGen("id")
	imports := store.NewImportStore(db.DB)
	dispatch := store.NewDispatchStore(db.DB)

	rec := &models.ImportRecord{ID: newID(), SourceName: "recent", CollisionPolicy: models.CollisionOverwrite, Searchable: true}
	require.NoError(t, imports.CreateRecord(ctx, rec))
	batch := &models.ImportBatch{ID: newID(), ImportRecordID: rec.ID, Status: models.ImportBatchCompleted, EntryCount: 1}
	require.NoError(t, imports.CreateBatch(ctx, batch))

	svc := NewService(Config{ImportRetention: 90 * 24 * time.Hour, DispatchUnitRetention: 30 * 24 * time.Hour}, imports, dispatch)
	svc.runAll(ctx)

	_, err := imports.GetRecord(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestService_PurgesOldTerminalDispatchUnit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	newID := idGen("id")
	refs := store.NewReferenceStore(db.DB)
	robots := store.NewRobotStore(db.DB)
	imports := store.NewImportStore(db.DB)
	dispatch := store.NewDispatchStore(db.DB)

	ref := &models.Reference{
		ID:         newID(),
		Visibility: models.VisibilityPublic,
		Identifiers: []models.Identifier{
			{ID: newID(), Type: models.IdentifierDOI, Value: fmt.Sprintf("10.1/%s", newID())},
		},
	}
	require.NoError(t, refs.Create(ctx, ref))
	robot := &models.Robot{ID: newID(), Name: newID(), BaseURL: "https://robot.example.test", Owner: "team-x", ClientSecretHash: "secret"}
	require.NoError(t, robots.Create(ctx, robot))

	req := &models.EnhancementRequest{ID: newID(), RobotID: robot.ID, Source: "manual", ReferenceIDs: []string{ref.ID}}
	units, err := dispatch.CreateRequest(ctx, req, newID)
	require.NoError(t, err)
	require.Len(t, units, 1)

	require.NoError(t, dispatch.CompleteUnit(ctx, units[0].ID))
	_, err = db.DB.ExecContext(ctx, `UPDATE pending_enhancements SET updated_at = $1 WHERE id = $2`,
		time.Now().Add(-40*24*time.Hour), units[0].ID)
	require.NoError(t, err)

	svc := NewService(Config{ImportRetention: 90 * 24 * time.Hour, DispatchUnitRetention: 30 * 24 * time.Hour}, imports, dispatch)
	svc.runAll(ctx)

	_, err = dispatch.GetUnit(ctx, units[0].ID)
	assert.ErrorIs(t, err, errstax.ErrNotFound)
}
