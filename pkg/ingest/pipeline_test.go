package ingest

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/store"
)

type pipelineFixtures struct {
	imports *store.ImportStore
	refs    *store.ReferenceStore
	enhs    *store.EnhancementStore
	pipe    *Pipeline
	newID   func() string
}

func newPipelineFixtures(t *testing.T) *pipelineFixtures {
	t.Helper()
	db := newTestDB(t)
	imports := store.NewImportStore(db.DB)
	refs := store.NewReferenceStore(db.DB)
	enhs := store.NewEnhancementStore(db.DB)
	newID := newSeqID("id")
	merger := NewMerger(refs, enhs, newID)
	log := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	pipe := NewPipeline(imports, refs, enhs, merger, newID, log)
	return &pipelineFixtures{imports: imports, refs: refs, enhs: enhs, pipe: pipe, newID: newID}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func wellFormedEntry(doi string) Entry {
	return Entry{
		Visibility:  "public",
		Identifiers: []WireIdentifier{{Identifier: "doi", IdentifierValue: doi}},
		Enhancements: []WireEnhancement{
			{
				Source:     "manual",
				Visibility: "public",
				Content: map[string]any{
					"enhancement_type": "bibliographic",
					"title":            "A Paper About " + doi,
				},
			},
		},
	}
}

func TestPipeline_EnqueueBatch_CreatesReferencesForEachEntry(t *testing.T) {
	f := newPipelineFixtures(t)
	ctx := context.Background()

	rec, err := f.pipe.CreateImportRecord(ctx, "test-source", models.CollisionMergeDefensive, true)
	require.NoError(t, err)

	entries := []Entry{wellFormedEntry("10.1/a"), wellFormedEntry("10.1/b")}
	batch, err := f.pipe.EnqueueBatch(ctx, rec.ID, entries)
	require.NoError(t, err)

	assert.Equal(t, models.ImportBatchCompleted, batch.Status)

	results, err := f.pipe.GetResults(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.OutcomeCreated, r.Outcome)
		assert.NotNil(t, r.ReferenceID)
	}
}

func TestPipeline_EnqueueBatch_MergesOnIdentifierCollision(t *testing.T) {
	f := newPipelineFixtures(t)
	ctx := context.Background()

	rec, err := f.pipe.CreateImportRecord(ctx, "test-source", models.CollisionAppend, true)
	require.NoError(t, err)

	first, err := f.pipe.EnqueueBatch(ctx, rec.ID, []Entry{wellFormedEntry("10.1/dup")})
	require.NoError(t, err)
	firstResults, err := f.pipe.GetResults(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, firstResults, 1)
	require.Equal(t, models.OutcomeCreated, firstResults[0].Outcome)
	referenceID := *firstResults[0].ReferenceID

	second, err := f.pipe.EnqueueBatch(ctx, rec.ID, []Entry{wellFormedEntry("10.1/dup")})
	require.NoError(t, err)
	secondResults, err := f.pipe.GetResults(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, secondResults, 1)
	assert.Equal(t, models.OutcomeMerged, secondResults[0].Outcome)
	assert.Equal(t, referenceID, *secondResults[0].ReferenceID)

	all, err := f.enhs.ListByReference(ctx, referenceID)
	require.NoError(t, err)
	assert.Len(t, all, 2, "append policy should have concatenated the second entry's enhancement")
}

func TestPipeline_EnqueueBatch_RejectsMalformedEntryWithoutFailingOthers(t *testing.T) {
	f := newPipelineFixtures(t)
	ctx := context.Background()

	rec, err := f.pipe.CreateImportRecord(ctx, "test-source", models.CollisionAppend, true)
	require.NoError(t, err)

	bad := Entry{Visibility: "public"} // no identifiers: fails Validate
	good := wellFormedEntry("10.1/good")

	batch, err := f.pipe.EnqueueBatch(ctx, rec.ID, []Entry{bad, good})
	require.NoError(t, err)
	assert.Equal(t, models.ImportBatchPartial, batch.Status)

	results, err := f.pipe.GetResults(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byIndex := map[int]models.ImportResult{}
	for _, r := range results {
		byIndex[r.EntryIndex] = r
	}
	assert.Equal(t, models.OutcomeRejected, byIndex[0].Outcome)
	assert.Equal(t, models.OutcomeCreated, byIndex[1].Outcome)
}

func TestPipeline_EnqueueBatch_AllEntriesRejectedIsFailed(t *testing.T) {
	f := newPipelineFixtures(t)
	ctx := context.Background()

	rec, err := f.pipe.CreateImportRecord(ctx, "test-source", models.CollisionAppend, true)
	require.NoError(t, err)

	bad := Entry{Visibility: "public"}
	batch, err := f.pipe.EnqueueBatch(ctx, rec.ID, []Entry{bad})
	require.NoError(t, err)
	assert.Equal(t, models.ImportBatchFailed, batch.Status)
}

func TestPipeline_CreateImportRecord_RejectsUnknownPolicy(t *testing.T) {
	f := newPipelineFixtures(t)
	ctx := context.Background()

	_, err := f.pipe.CreateImportRecord(ctx, "test-source", models.CollisionPolicy("nonsense"), true)
	assert.Error(t, err)
}
