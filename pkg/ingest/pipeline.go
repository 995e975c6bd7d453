package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/store"
)

// ErrNoEntriesAvailable mirrors the teacher's ErrNoSessionsAvailable
// shape. Nothing in this package returns it: the pipeline processes the
// entries it is handed and does not poll for outstanding work.
var ErrNoEntriesAvailable = errors.New("no import entries available")

// Pipeline orchestrates C7's create/enqueue/status/results operations
// (spec §4.1).
type Pipeline struct {
	imports *store.ImportStore
	refs    *store.ReferenceStore
	enhs    *store.EnhancementStore
	merger  *Merger
	newID   func() string
	log     *slog.Logger

	// MaxTransientRetries bounds cenkalti/backoff's retry loop per
	// entry; zero falls back to 3.
	MaxTransientRetries uint64
}

// NewPipeline constructs a Pipeline over the given repositories.
func NewPipeline(imports *store.ImportStore, refs *store.ReferenceStore, enhs *store.EnhancementStore, merger *Merger, newID func() string, log *slog.Logger) *Pipeline {
	return &Pipeline{imports: imports, refs: refs, enhs: enhs, merger: merger, newID: newID, log: log}
}

// CreateImportRecord registers a new import under sourceName with the
// given collision policy (spec §4.1).
func (p *Pipeline) CreateImportRecord(ctx context.Context, sourceName string, policy models.CollisionPolicy, searchable bool) (*models.ImportRecord, error) {
	if !policy.Valid() {
		return nil, errstax.NewValidationError("collision_policy", "unknown collision policy")
	}
	rec := &models.ImportRecord{
		ID:              p.newID(),
		SourceName:      sourceName,
		CollisionPolicy: policy,
		Searchable:      searchable,
	}
	if err := p.imports.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// EnqueueBatch validates and processes every entry of a batch against
// importRecordID, recording a per-line ImportResult and rolling the
// batch up to a terminal status once every entry has one (spec §4.1).
// A single malformed line never blocks the rest: each entry is
// processed independently and its failure recorded, not propagated.
func (p *Pipeline) EnqueueBatch(ctx context.Context, importRecordID string, entries []Entry) (*models.ImportBatch, error) {
	rec, err := p.imports.GetRecord(ctx, importRecordID)
	if err != nil {
		return nil, err
	}

	batch := &models.ImportBatch{
		ID:             p.newID(),
		ImportRecordID: importRecordID,
		Status:         models.ImportBatchStarted,
		EntryCount:     len(entries),
	}
	if err := p.imports.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	var results []models.ImportResult
	for i, entry := range entries {
		result := p.processEntry(ctx, batch.ID, i, entry, rec.CollisionPolicy)
		results = append(results, result)
	}

	status := models.RollupStatus(batch.EntryCount, results)
	if err := p.imports.SetBatchStatus(ctx, batch.ID, status); err != nil {
		return nil, err
	}
	batch.Status = status
	return batch, nil
}

func (p *Pipeline) processEntry(ctx context.Context, batchID string, index int, entry Entry, policy models.CollisionPolicy) models.ImportResult {
	result := models.ImportResult{
		ID:            p.newID(),
		ImportBatchID: batchID,
		EntryIndex:    index,
	}

	if err := entry.Validate(); err != nil {
		result.Outcome = models.OutcomeRejected
		result.FailureReason = err.Error()
		p.record(ctx, &result)
		return result
	}

	ref, err := Translate(entry, p.newID)
	if err != nil {
		result.Outcome = models.OutcomeRejected
		result.FailureReason = err.Error()
		p.record(ctx, &result)
		return result
	}

	outcome, referenceID, err := p.ingestWithRetry(ctx, ref, policy)
	if err != nil {
		result.Outcome = models.OutcomeFailed
		result.FailureReason = err.Error()
		p.record(ctx, &result)
		return result
	}

	result.Outcome = outcome
	result.ReferenceID = &referenceID
	p.record(ctx, &result)
	return result
}

// ingestWithRetry writes ref to the store with a bounded exponential
// backoff. It retries every error that isTerminal does not classify as
// terminal: errstax.ErrIntegrity from a concurrent identifier insert,
// *errstax.SDKError failures, and any other unclassified error. A
// terminal error is returned at once.
func (p *Pipeline) ingestWithRetry(ctx context.Context, ref *models.Reference, policy models.CollisionPolicy) (models.ImportResultOutcome, string, error) {
	var outcome models.ImportResultOutcome
	var referenceID string

	op := func() error {
		existing, lookupErr := p.findByAnyIdentifier(ctx, ref.Identifiers)
		if lookupErr != nil && !errors.Is(lookupErr, errstax.ErrNotFound) {
			return lookupErr
		}
		if existing != nil {
			if err := p.merger.Merge(ctx, existing.ID, ref, policy); err != nil {
				return err
			}
			outcome, referenceID = models.OutcomeMerged, existing.ID
			return nil
		}
		if err := p.refs.Create(ctx, ref); err != nil {
			return err
		}
		for _, e := range ref.Enhancements {
			e := e
			if err := p.enhs.Create(ctx, &e); err != nil {
				return err
			}
		}
		outcome, referenceID = models.OutcomeCreated, ref.ID
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries())
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && isTerminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", "", perm.Err
		}
		return "", "", err
	}
	return outcome, referenceID, nil
}

func (p *Pipeline) maxRetries() uint64 {
	if p.MaxTransientRetries == 0 {
		return 3
	}
	return p.MaxTransientRetries
}

// isTerminal reports whether err should never be retried: validation and
// not-found failures reflect bad input, not a transient infrastructure
// blip. ErrIntegrity is deliberately excluded — it's raised by a
// concurrent insert colliding on the same identifier, which this same
// retry loop is meant to absorb (spec §4.1/§7).
func isTerminal(err error) bool {
	if errstax.IsValidationError(err) {
		return true
	}
	return errors.Is(err, errstax.ErrNotFound) ||
		errors.Is(err, errstax.ErrAlreadyExists) ||
		errors.Is(err, errstax.ErrInvalidPayload) ||
		errors.Is(err, errstax.ErrParse)
}

func (p *Pipeline) findByAnyIdentifier(ctx context.Context, ids []models.Identifier) (*models.Reference, error) {
	for _, id := range ids {
		ref, err := p.refs.FindByIdentifier(ctx, id.Key())
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, errstax.ErrNotFound) {
			return nil, err
		}
	}
	return nil, errstax.ErrNotFound
}

func (p *Pipeline) record(ctx context.Context, result *models.ImportResult) {
	if err := p.imports.RecordResult(ctx, result); err != nil {
		p.log.Error("failed to record import result", "error", err, "entry_index", result.EntryIndex)
	}
}

// GetBatchSummary loads a batch's current rollup status and counts.
func (p *Pipeline) GetBatchSummary(ctx context.Context, batchID string) (*models.ImportBatch, error) {
	return p.imports.GetBatch(ctx, batchID)
}

// GetResults loads every per-line result recorded for a batch.
func (p *Pipeline) GetResults(ctx context.Context, batchID string) ([]models.ImportResult, error) {
	return p.imports.ListResults(ctx, batchID)
}

// ParseNDJSONLine is a small helper for the batch API handler: one line
// of an NDJSON import payload, decoded into an Entry.
func ParseNDJSONLine(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, errstax.ErrParse
	}
	return e, nil
}
