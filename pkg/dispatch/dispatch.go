// Package dispatch implements C9 Enhancement Dispatcher (spec §4.4/§4.5):
// claiming pending enhancement work into leased batches, exporting the
// batch's references as NDJSON for the robot to fetch, and importing
// submitted results — reading a robot's result artifact line-by-line,
// creating Enhancements, re-indexing, and recording per-unit outcomes,
// with retry-depth-capped resubmission for failed or expired units.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/ingest"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// BlobStore is the subset of pkg/blob's Store that the dispatcher needs:
// uploading a batch's reference export and reading back a robot's
// submitted result artifact. Accepting the interface here (rather than
// *blob.Store directly) lets tests exercise SubmitResults against an
// in-memory fake instead of a real object store.
type BlobStore interface {
	PutNDJSON(ctx context.Context, name string, body []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Config holds the dispatcher's tunables.
type Config struct {
	// BatchSize caps how many pending units ClaimBatch pulls at once.
	BatchSize int
	// LeaseDuration is how long a robot has to submit results before the
	// batch is eligible for the sweeper to retry its units.
	LeaseDuration time.Duration
	// PresignExpiry is how long the reference_file_url stays valid.
	PresignExpiry time.Duration
	// MaxRetries caps RetryDepth before a unit is failed permanently.
	MaxRetries int
}

// DefaultConfig holds the built-in dispatch tunables.
var DefaultConfig = Config{
	BatchSize:     100,
	LeaseDuration: 15 * time.Minute,
	PresignExpiry: time.Hour,
	MaxRetries:    3,
}

// Dispatcher wraps store.DispatchStore with the export/claim/submit
// business logic (spec §4.4). Decisions and Search are both optional
// (nil skips re-indexing) so unit tests can exercise result import
// without standing up Elasticsearch.
type Dispatcher struct {
	refs      *store.ReferenceStore
	enhs      *store.EnhancementStore
	dispatch  *store.DispatchStore
	robots    *store.RobotStore
	blobs     BlobStore
	decisions *store.DecisionStore
	search    *search.Client
	newID     func() string
	cfg       Config
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(refs *store.ReferenceStore, enhs *store.EnhancementStore, dispatch *store.DispatchStore, robots *store.RobotStore, blobs BlobStore, decisions *store.DecisionStore, searchClient *search.Client, newID func() string, cfg Config) *Dispatcher {
	return &Dispatcher{refs: refs, enhs: enhs, dispatch: dispatch, robots: robots, blobs: blobs, decisions: decisions, search: searchClient, newID: newID, cfg: cfg}
}

// RequestBatch validates robotID refers to a registered robot and that
// every referenceID exists, then creates an EnhancementRequest for
// robotID, one PendingEnhancement per reference (spec §4.4's "submit an
// enhancement request"; the robot_id check is this rewrite's
// supplemented validation — the original left it implicit).
func (d *Dispatcher) RequestBatch(ctx context.Context, robotID, source string, referenceIDs []string) (*models.EnhancementRequest, error) {
	if _, err := d.robots.Get(ctx, robotID); err != nil {
		if errors.Is(err, errstax.ErrNotFound) {
			return nil, errstax.NewValidationError("robot_id", "unknown robot id: "+robotID)
		}
		return nil, err
	}

	missing, err := d.refs.ExistsAll(ctx, referenceIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, errstax.NewValidationError("reference_ids", "unknown reference id(s): "+strings.Join(missing, ", "))
	}

	req := &models.EnhancementRequest{
		ID:           d.newID(),
		RobotID:      robotID,
		ReferenceIDs: referenceIDs,
		Source:       source,
	}
	if _, err := d.dispatch.CreateRequest(ctx, req, d.newID); err != nil {
		return nil, err
	}
	return req, nil
}

// ClaimedBatch is a leased batch plus the signed URL to its reference
// export, the shape a robot's poll response takes (spec §4.4).
type ClaimedBatch struct {
	Batch            *models.RobotEnhancementBatch
	Units            []models.PendingEnhancement
	ReferenceFileURL string
}

// ClaimBatch atomically claims up to limit pending units for robotID
// (capped at cfg.BatchSize, or defaulting to it when limit<=0), leasing
// them for leaseDuration (defaulting to cfg.LeaseDuration when <=0),
// exports their reference projections as NDJSON to blob storage, and
// records the signed URL on the batch (spec §4.4, §6's limit/lease
// query params). Returns store.ErrNoPendingWork if nothing is claimable.
func (d *Dispatcher) ClaimBatch(ctx context.Context, robotID string, limit int, leaseDuration time.Duration) (*ClaimedBatch, error) {
	if limit <= 0 || limit > d.cfg.BatchSize {
		limit = d.cfg.BatchSize
	}
	if leaseDuration <= 0 {
		leaseDuration = d.cfg.LeaseDuration
	}

	batchID := d.newID()
	batch, units, err := d.dispatch.ClaimBatch(ctx, robotID, batchID, limit, leaseDuration)
	if err != nil {
		return nil, err
	}

	ndjson, err := d.exportReferences(ctx, units)
	if err != nil {
		return nil, err
	}

	key, err := d.blobs.PutNDJSON(ctx, "batches/"+batch.ID+".ndjson", ndjson)
	if err != nil {
		return nil, err
	}
	url, err := d.blobs.PresignGet(ctx, key, d.cfg.PresignExpiry)
	if err != nil {
		return nil, err
	}
	if err := d.dispatch.SetReferenceFileURL(ctx, batch.ID, url); err != nil {
		return nil, err
	}
	batch.ReferenceFileURL = url

	return &ClaimedBatch{Batch: batch, Units: units, ReferenceFileURL: url}, nil
}

func (d *Dispatcher) exportReferences(ctx context.Context, units []models.PendingEnhancement) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if seen[u.ReferenceID] {
			continue
		}
		seen[u.ReferenceID] = true

		ref, err := d.refs.Get(ctx, u.ReferenceID)
		if err != nil {
			return nil, err
		}
		enhancements, err := d.enhs.ListByReference(ctx, u.ReferenceID)
		if err != nil {
			return nil, err
		}
		ref.Enhancements = enhancements
		proj := models.BuildProjection(*ref)
		if err := enc.Encode(proj); err != nil {
			return nil, errstax.WrapSDK("dispatch.exportReferences.encode", err)
		}
	}
	return buf.Bytes(), nil
}

// RenewLease extends a claimed batch's lease, called by a robot still
// working its batch as it approaches expiry (spec §4.4).
func (d *Dispatcher) RenewLease(ctx context.Context, batchID string, leaseDuration time.Duration) error {
	if leaseDuration <= 0 {
		leaseDuration = d.cfg.LeaseDuration
	}
	return d.dispatch.RenewLease(ctx, batchID, time.Now().Add(leaseDuration))
}

// ResultLine is one line of a robot's submitted result artifact, keyed
// by unit id: either a wire-shaped enhancement to translate and persist,
// or a failure reason for that unit alone (spec §4.4/§6). Its
// Enhancement field reuses ingest.WireEnhancement so a robot's result
// content is translated through the exact same content-type dispatch an
// import entry's enhancements go through.
type ResultLine struct {
	UnitID      string                  `json:"unit_id"`
	Enhancement *ingest.WireEnhancement `json:"enhancement,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// BatchResult is the body of a robot's result submission for a batch
// (spec §4.4/§6): either a terminal error covering every unit still
// outstanding in the batch, or the storage key of an NDJSON result
// artifact the robot uploaded via a presigned PUT.
type BatchResult struct {
	Error            string
	ResultStorageKey string
}

// SubmitResults processes a robot's reported outcome for batchID. A
// batch-level Error fails or retries every unit still processing; a
// ResultStorageKey instead fetches the artifact and imports it
// line-by-line: translating each line's enhancement content, persisting
// it, re-indexing the reference, and completing the unit, or failing /
// retrying it per-line on error (spec §4.4's "a background task reads
// the artifact line-by-line, creates Enhancements, and transitions each
// to completed or failed").
func (d *Dispatcher) SubmitResults(ctx context.Context, batchID string, result BatchResult) error {
	units, err := d.dispatch.UnitsForBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if result.Error != "" {
		for _, u := range units {
			if u.Status != models.PendingStatusProcessing {
				continue
			}
			if err := d.failOrRetry(ctx, u.ID, result.Error); err != nil {
				return err
			}
		}
		return nil
	}

	if result.ResultStorageKey == "" {
		return errstax.NewValidationError("result_storage_key", "required when error is not set")
	}

	artifact, err := d.blobs.Get(ctx, result.ResultStorageKey)
	if err != nil {
		return err
	}
	if err := d.dispatch.SetResultFileURL(ctx, batchID, result.ResultStorageKey); err != nil {
		return err
	}

	byUnit := make(map[string]models.PendingEnhancement, len(units))
	for _, u := range units {
		byUnit[u.ID] = u
	}

	scanner := bufio.NewScanner(bytes.NewReader(artifact))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rl ResultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			continue // malformed line carries no unit id to act on; skip it
		}
		unit, ok := byUnit[rl.UnitID]
		if !ok {
			continue // not a unit of this batch
		}
		if rl.Enhancement == nil {
			reason := rl.Error
			if reason == "" {
				reason = "robot reported no enhancement and no error"
			}
			if err := d.failOrRetry(ctx, unit.ID, reason); err != nil {
				return err
			}
			continue
		}
		if err := d.importResult(ctx, unit, *rl.Enhancement); err != nil {
			return err
		}
	}
	return errstax.WrapSDK("dispatch.SubmitResults.scan", scanner.Err())
}

// importResult translates one robot-submitted enhancement, persists it,
// re-indexes the reference, and completes the unit — or fails/retries it
// if translation, persistence, or indexing errors.
func (d *Dispatcher) importResult(ctx context.Context, unit models.PendingEnhancement, we ingest.WireEnhancement) error {
	if err := d.dispatch.SetUnitStatus(ctx, unit.ID, models.PendingStatusImporting); err != nil {
		return err
	}

	enh, err := ingest.TranslateEnhancement(unit.ReferenceID, we, d.newID)
	if err != nil {
		return d.failOrRetry(ctx, unit.ID, err.Error())
	}

	if err := d.enhs.Create(ctx, enh); err != nil {
		return d.failOrRetry(ctx, unit.ID, err.Error())
	}

	if err := d.dispatch.SetUnitStatus(ctx, unit.ID, models.PendingStatusIndexing); err != nil {
		return err
	}

	if err := d.reindex(ctx, unit.ReferenceID); err != nil {
		return d.dispatch.FailUnitIndexing(ctx, unit.ID, err.Error())
	}

	return d.dispatch.CompleteUnit(ctx, unit.ID)
}

// reindex rebuilds and upserts a reference's search document, mirroring
// pkg/bus's ReindexWorker — run synchronously here rather than via the
// message bus, since a result-import step is already an out-of-band
// callback and has no caller left to report an enqueue failure to.
func (d *Dispatcher) reindex(ctx context.Context, referenceID string) error {
	if d.search == nil {
		return nil
	}

	ref, err := d.refs.Get(ctx, referenceID)
	if err != nil {
		return err
	}
	enhancements, err := d.enhs.ListByReference(ctx, referenceID)
	if err != nil {
		return err
	}
	ref.Enhancements = enhancements

	activeCanonical := true
	if d.decisions != nil {
		if decision, err := d.decisions.ActiveForReference(ctx, referenceID); err == nil {
			activeCanonical = !decision.IsDuplicate()
		}
	}

	doc := search.FromReference(*ref, activeCanonical)
	return d.search.IndexDocument(ctx, doc)
}

func (d *Dispatcher) failOrRetry(ctx context.Context, unitID, reason string) error {
	depth, err := d.dispatch.RetryDepth(ctx, unitID)
	if err != nil {
		return err
	}
	if depth >= d.cfg.MaxRetries {
		return d.dispatch.FailUnit(ctx, unitID, reason)
	}

	original, err := d.dispatch.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	original.FailureReason = reason
	_, err = d.dispatch.CreateRetry(ctx, original, d.newID())
	return err
}
