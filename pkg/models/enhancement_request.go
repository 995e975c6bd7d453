package models

import "time"

// PendingEnhancementStatus is the lifecycle state of one reference's
// outstanding enhancement work for a given robot (spec §3/§4.4/§4.5).
type PendingEnhancementStatus string

// Known pending-enhancement statuses.
const (
	// PendingStatusPending is freshly materialized, not yet claimed into
	// a batch.
	PendingStatusPending PendingEnhancementStatus = "pending"
	// PendingStatusProcessing is claimed into a leased batch, awaiting a
	// result submission.
	PendingStatusProcessing PendingEnhancementStatus = "processing"
	// PendingStatusImporting is past result submission: the unit's line
	// in the submitted result artifact is being read and translated into
	// an Enhancement.
	PendingStatusImporting PendingEnhancementStatus = "importing"
	// PendingStatusIndexing is past Enhancement creation: the reference
	// is being re-projected and re-indexed into search.
	PendingStatusIndexing PendingEnhancementStatus = "indexing"
	// PendingStatusIndexingFailed is a unit whose Enhancement was
	// created but the subsequent re-index failed — the content is
	// durable even though the unit never reaches completed.
	PendingStatusIndexingFailed PendingEnhancementStatus = "indexing_failed"
	// PendingStatusCompleted ran to completion: its Enhancement exists
	// and is indexed.
	PendingStatusCompleted PendingEnhancementStatus = "completed"
	// PendingStatusFailed was reported unsuccessful by the robot, or
	// exhausted its retry budget.
	PendingStatusFailed PendingEnhancementStatus = "failed"
	// PendingStatusExpired is a unit whose batch lease lapsed before a
	// result was submitted — the sweeper marks the original unit expired
	// before spawning a retry sibling (spec §4.4).
	PendingStatusExpired PendingEnhancementStatus = "expired"
)

// PendingEnhancement is one unit of enhancement work: a reference
// waiting on one robot, claimed into a RobotEnhancementBatch when a
// batch is requested (spec §4.4). RetryOf links a retried unit back to
// the attempt it replaces, capping retry depth by walking the chain.
type PendingEnhancement struct {
	ID            string                   `json:"id" db:"id"`
	ReferenceID   string                   `json:"reference_id" db:"reference_id"`
	RobotID       string                   `json:"robot_id" db:"robot_id"`
	RequestID     string                   `json:"enhancement_request_id" db:"enhancement_request_id"`
	Status        PendingEnhancementStatus `json:"status" db:"status"`
	BatchID       *string                  `json:"batch_id,omitempty" db:"batch_id"`
	RetryOf       *string                  `json:"retry_of,omitempty" db:"retry_of"`
	FailureReason string                   `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time                `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at" db:"updated_at"`
}

// EnhancementRequestStatus is the derived rollup status of an
// EnhancementRequest across all of its PendingEnhancements (spec §4.5).
type EnhancementRequestStatus string

// Known enhancement-request statuses.
const (
	// RequestStatusReceived has no units materialized yet.
	RequestStatusReceived EnhancementRequestStatus = "received"
	// RequestStatusAccepted has units materialized, none of which have
	// progressed past dispatch (pending, processing, or expired
	// awaiting a retry sibling).
	RequestStatusAccepted EnhancementRequestStatus = "accepted"
	// RequestStatusImporting has at least one unit whose submitted
	// result is being translated into an Enhancement.
	RequestStatusImporting EnhancementRequestStatus = "importing"
	// RequestStatusIndexing has at least one unit whose Enhancement
	// exists and is being re-indexed.
	RequestStatusIndexing EnhancementRequestStatus = "indexing"
	// RequestStatusCompleted has every unit completed.
	RequestStatusCompleted EnhancementRequestStatus = "completed"
	// RequestStatusFailed has every unit terminally failed.
	RequestStatusFailed EnhancementRequestStatus = "failed"
	// RequestStatusPartial has a mix of completed and failed units, with
	// nothing left outstanding.
	RequestStatusPartial EnhancementRequestStatus = "partial_failed"
)

// EnhancementRequest is the batch-level record of "enhance these
// references with this robot" submitted via the dispatch API (spec
// §4.4). Its Status field is never written directly — it is always
// derived from the constituent PendingEnhancements by DeriveStatus, per
// spec §4.5.
type EnhancementRequest struct {
	ID           string                   `json:"id" db:"id"`
	RobotID      string                   `json:"robot_id" db:"robot_id"`
	ReferenceIDs []string                 `json:"reference_ids" db:"-"`
	Status       EnhancementRequestStatus `json:"status" db:"-"`
	Source       string                   `json:"source" db:"source"`
	CreatedAt    time.Time                `json:"created_at" db:"created_at"`
}

// DeriveStatus computes an EnhancementRequest's rollup status from the
// statuses of its PendingEnhancements (spec §4.5), evaluated in priority
// order — an in-flight unit always wins over a terminal rollup, since
// the request isn't done while anything is still moving:
//   - no units materialized                                  -> received
//   - any unit importing                                      -> importing
//   - any unit indexing                                       -> indexing
//   - any unit still pending, processing, or expired           -> accepted
//   - all units completed                                      -> completed
//   - all units failed (or indexing_failed)                    -> failed
//   - a mix of completed and failed, nothing left outstanding  -> partial_failed
func DeriveStatus(units []PendingEnhancementStatus) EnhancementRequestStatus {
	if len(units) == 0 {
		return RequestStatusReceived
	}

	var completed, failed, importing, indexing, outstanding int
	for _, s := range units {
		switch s {
		case PendingStatusCompleted:
			completed++
		case PendingStatusFailed, PendingStatusIndexingFailed:
			failed++
		case PendingStatusImporting:
			importing++
		case PendingStatusIndexing:
			indexing++
		default: // pending, processing, expired
			outstanding++
		}
	}

	switch {
	case importing > 0:
		return RequestStatusImporting
	case indexing > 0:
		return RequestStatusIndexing
	case outstanding > 0:
		return RequestStatusAccepted
	case failed == 0:
		return RequestStatusCompleted
	case completed == 0:
		return RequestStatusFailed
	default:
		return RequestStatusPartial
	}
}

// RobotEnhancementBatch is a leased slice of PendingEnhancements handed
// to one robot for processing (spec §4.4). ReferenceFileURL points to
// the blob-stored NDJSON of reference projections the robot should
// enhance; ResultFileURL is set once the robot submits the artifact
// holding its results; ExpiresAt is the lease deadline enforced by
// pkg/dispatch's sweeper.
type RobotEnhancementBatch struct {
	ID               string    `json:"id" db:"id"`
	RobotID          string    `json:"robot_id" db:"robot_id"`
	ReferenceFileURL string    `json:"reference_file_url" db:"reference_file_url"`
	ResultFileURL    string    `json:"result_file_url,omitempty" db:"result_file_url"`
	ExpiresAt        time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the batch's lease has lapsed as of now.
func (b RobotEnhancementBatch) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}
