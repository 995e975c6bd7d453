package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
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
	"github.com/openbiblio/corpus/pkg/dispatch"
	"github.com/openbiblio/corpus/pkg/ingest"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/robot"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// newTestAPIServer wires a Server against a throwaway Postgres container
// (real stores) and a canned fake Elasticsearch backend (no search
// cluster required), mirroring pkg/dispatch/dispatch_test.go's fixture
// shape.
type testServer struct {
	*Server
	db     *database.Client
	robots *store.RobotStore
	idGen  func() string
}

func newTestAPIServer(t *testing.T, esHandler http.Handler) *testServer {
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

	db, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test",
		Database: "test", SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if esHandler == nil {
		esHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"hits":{"hits":[]}}`))
		})
	}
	esSrv := httptest.NewServer(esHandler)
	t.Cleanup(esSrv.Close)

	esClient, err := search.NewClient(search.Config{Addresses: []string{esSrv.URL}})
	require.NoError(t, err)

	refs := store.NewReferenceStore(db.DB)
	enhs := store.NewEnhancementStore(db.DB)
	imports := store.NewImportStore(db.DB)
	robots := store.NewRobotStore(db.DB)
	dispatchStore := store.NewDispatchStore(db.DB)

	merger := ingest.NewMerger(refs, enhs, newSeqID("ref"))
	pipeline := ingest.NewPipeline(imports, refs, enhs, merger, newSeqID("ref"), slog.Default())
	dispatcher := dispatch.NewDispatcher(refs, enhs, dispatchStore, robots, nil, nil, nil, newSeqID("unit"), dispatch.DefaultConfig)

	idgen := newSeqID("id")
	srv := NewServer(db, pipeline, dispatcher, esClient, robots, nil, nil, idgen)

	return &testServer{Server: srv, db: db, robots: robots, idGen: idgen}
}

func newSeqID(prefix string) func() string {
	var n int64
	return func() string {
		return prefix + "-" + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
	}
}

func doRequest(t *testing.T, srv *testServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestCreateImportAndEnqueueBatch(t *testing.T) {
	srv := newTestAPIServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/imports", map[string]any{
		"source_name":      "manual-upload",
		"collision_policy": models.CollisionOverwrite,
		"searchable":       true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var importRec models.ImportRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &importRec))
	assert.Equal(t, "manual-upload", importRec.SourceName)

	entry := map[string]any{
		"visibility": "public",
		"identifiers": []map[string]any{
			{"identifier": "doi", "identifier_value": "10.1/abc"},
		},
	}
	entryJSON, err := json.Marshal(entry)
	require.NoError(t, err)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/imports/"+importRec.ID+"/batches", map[string]any{
		"entries": []string{string(entryJSON)},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var batch models.ImportBatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, 1, batch.EntryCount)
	assert.Equal(t, models.ImportBatchCompleted, batch.Status)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/batches/"+batch.ID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []models.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeCreated, results[0].Outcome)
}

func TestEnqueueBatch_RejectsMalformedEntry(t *testing.T) {
	srv := newTestAPIServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/imports", map[string]any{
		"source_name": "bad-batch", "collision_policy": models.CollisionOverwrite,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var importRec models.ImportRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &importRec))

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/imports/"+importRec.ID+"/batches", map[string]any{
		"entries": []string{"not json"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSearchHandler_ProxiesQueryToElasticsearch(t *testing.T) {
	var capturedPath string
	var capturedBody map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"hits":{"hits":[{"_source":{"reference_id":"r1","title":"A Paper"}}]}}`))
	})
	srv := newTestAPIServer(t, handler)

	rec := doRequest(t, srv, http.MethodGet, "/references/search/?q=transformers&page=1&start_year=2020", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "r1", resp.Results[0].ReferenceID)
	assert.Equal(t, 1, resp.Page)

	assert.Contains(t, capturedPath, search.IndexName)
	must, _ := capturedBody["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	require.NotEmpty(t, must)
}

func TestSearchHandler_RejectsPageBeyondResultWindow(t *testing.T) {
	srv := newTestAPIServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/references/search/?page=500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchHandler_RejectsFreeTextSortField(t *testing.T) {
	srv := newTestAPIServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/references/search/?sort=title", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnnotationFilter_ParsesSchemeLabelScore(t *testing.T) {
	filter, err := annotationFilter("mesh/cancer@0.8")
	require.NoError(t, err)

	nested := filter["nested"].(map[string]any)
	assert.Equal(t, "annotations", nested["path"])
	must := nested["query"].(map[string]any)["bool"].(map[string]any)["must"].([]map[string]any)
	require.Len(t, must, 3)
}

func TestAnnotationFilter_RejectsNonNumericScore(t *testing.T) {
	_, err := annotationFilter("mesh/cancer@not-a-number")
	assert.Error(t, err)
}

func TestRobotAuth_RejectsUnknownClientID(t *testing.T) {
	srv := newTestAPIServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/robot-enhancement-batches/?robot_id=r1", bytes.NewReader([]byte("[]")))
	req.Header.Set("X-Client-Id", "no-such-robot")
	req.Header.Set("X-Request-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("Authorization", "Signature deadbeef")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRobotAuth_RejectsBadSignature(t *testing.T) {
	srv := newTestAPIServer(t, nil)
	ctx := context.Background()

	r := &models.Robot{ID: srv.idGen(), Name: srv.idGen(), BaseURL: "https://r.test", Owner: "team", ClientSecretHash: "right-secret"}
	require.NoError(t, srv.robots.Create(ctx, r))

	body := []byte("[]")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/robot-enhancement-batches/?robot_id="+r.ID, bytes.NewReader(body))
	req.Header.Set("X-Client-Id", r.ID)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("Authorization", "Signature "+robot.Sign([]byte("wrong-secret"), time.Now().Unix(), body))
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRobotAuth_AcceptsValidSignatureAndReturns204WhenNoWork(t *testing.T) {
	srv := newTestAPIServer(t, nil)
	ctx := context.Background()

	secret := "shared-secret"
	r := &models.Robot{ID: srv.idGen(), Name: srv.idGen(), BaseURL: "https://r.test", Owner: "team", ClientSecretHash: secret}
	require.NoError(t, srv.robots.Create(ctx, r))

	body := []byte("")
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/robot-enhancement-batches/?robot_id="+r.ID, bytes.NewReader(body))
	req.Header.Set("X-Client-Id", r.ID)
	req.Header.Set("X-Request-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("Authorization", "Signature "+robot.Sign([]byte(secret), ts, body))
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateRobot_ReturnsSecretOnlyOnce(t *testing.T) {
	srv := newTestAPIServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/robots", map[string]any{
		"name": "grobid", "base_url": "https://grobid.example.test", "owner": "team-x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created robotSecretResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ClientSecret)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/robots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.ClientSecret)
}

func TestRequestBatch_RejectsUnknownRobot(t *testing.T) {
	srv := newTestAPIServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/enhancement-requests", map[string]any{
		"robot_id": "no-such-robot", "source": "manual", "reference_ids": []string{},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
