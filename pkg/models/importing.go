package models

import "time"

// CollisionPolicy selects how an incoming reference is merged with an
// existing one sharing an identifier (spec §4.1).
type CollisionPolicy string

// Known collision policies.
const (
	// CollisionOverwrite replaces every existing enhancement whose
	// (content.type, source) key collides with an incoming one; existing
	// enhancements under other keys are kept.
	CollisionOverwrite CollisionPolicy = "overwrite"
	// CollisionAppend adds incoming enhancements alongside existing ones
	// without regard to the (content.type, source) uniqueness key.
	CollisionAppend CollisionPolicy = "append"
	// CollisionMergeDefensive keeps the existing enhancement whenever its
	// (content.type, source) key collides with an incoming one.
	CollisionMergeDefensive CollisionPolicy = "merge_defensive"
	// CollisionMergeAggressive replaces the existing enhancement whenever
	// its (content.type, source) key collides with an incoming one.
	CollisionMergeAggressive CollisionPolicy = "merge_aggressive"
)

// Valid reports whether p is a known collision policy.
func (p CollisionPolicy) Valid() bool {
	switch p {
	case CollisionOverwrite, CollisionAppend, CollisionMergeDefensive, CollisionMergeAggressive:
		return true
	default:
		return false
	}
}

// ImportResultOutcome is the per-line outcome of processing one entry of
// an import batch (spec §4.1).
type ImportResultOutcome string

// Known outcomes.
const (
	OutcomeCreated  ImportResultOutcome = "created"
	OutcomeMerged   ImportResultOutcome = "merged"
	OutcomeRejected ImportResultOutcome = "rejected"
	OutcomeFailed   ImportResultOutcome = "failed"
)

// ImportBatchStatus is the terminal-rollup status of an ImportBatch,
// derived from its ImportResults (spec §4.1).
type ImportBatchStatus string

// Known batch statuses.
const (
	ImportBatchStarted    ImportBatchStatus = "started"
	ImportBatchProcessing ImportBatchStatus = "processing"
	ImportBatchCompleted  ImportBatchStatus = "completed"
	ImportBatchFailed     ImportBatchStatus = "failed"
	ImportBatchPartial    ImportBatchStatus = "partially_failed"
)

// ImportRecord is the top-level record of one import operation: the
// collision policy it was submitted with and its constituent batches
// (spec §4.1).
type ImportRecord struct {
	ID              string          `json:"id" db:"id"`
	SourceName      string          `json:"source_name" db:"source_name"`
	CollisionPolicy CollisionPolicy `json:"collision_policy" db:"collision_policy"`
	Searchable      bool            `json:"searchable" db:"searchable"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ImportBatch is one chunk of an ImportRecord's entries, processed and
// rolled up independently so a single malformed line never blocks the
// rest of the batch (spec §4.1).
type ImportBatch struct {
	ID             string            `json:"id" db:"id"`
	ImportRecordID string            `json:"import_record_id" db:"import_record_id"`
	Status         ImportBatchStatus `json:"status" db:"status"`
	EntryCount     int               `json:"entry_count" db:"entry_count"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// ImportResult is the outcome of processing one entry within an
// ImportBatch (spec §4.1).
type ImportResult struct {
	ID            string              `json:"id" db:"id"`
	ImportBatchID string              `json:"import_batch_id" db:"import_batch_id"`
	EntryIndex    int                 `json:"entry_index" db:"entry_index"`
	Outcome       ImportResultOutcome `json:"outcome" db:"outcome"`
	ReferenceID   *string             `json:"reference_id,omitempty" db:"reference_id"`
	FailureReason string              `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// RollupStatus derives an ImportBatch's terminal status from its results,
// per spec §4.1's rollup rule: any failure makes the batch
// partially_failed unless every entry failed, in which case it's failed
// outright; otherwise completed once every entry has a result.
func RollupStatus(entryCount int, results []ImportResult) ImportBatchStatus {
	if len(results) < entryCount {
		return ImportBatchProcessing
	}
	var failed, total int
	for _, r := range results {
		total++
		if r.Outcome == OutcomeFailed || r.Outcome == OutcomeRejected {
			failed++
		}
	}
	switch {
	case failed == 0:
		return ImportBatchCompleted
	case failed == total:
		return ImportBatchFailed
	default:
		return ImportBatchPartial
	}
}
