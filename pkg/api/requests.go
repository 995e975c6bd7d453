package api

import "github.com/openbiblio/corpus/pkg/models"

// createImportRequest is the body for POST /api/v1/imports.
type createImportRequest struct {
	SourceName      string                 `json:"source_name"`
	CollisionPolicy models.CollisionPolicy `json:"collision_policy"`
	Searchable      bool                   `json:"searchable"`
}

// enqueueBatchRequest is the body for POST /api/v1/imports/:id/batches.
// Entries are accepted as raw NDJSON lines rather than a parsed array so
// the wire format matches the standalone import file (spec §6).
type enqueueBatchRequest struct {
	Entries []string `json:"entries"`
}

// requestBatchRequest is the body for POST /api/v1/enhancement-requests.
type requestBatchRequest struct {
	RobotID      string   `json:"robot_id"`
	Source       string   `json:"source"`
	ReferenceIDs []string `json:"reference_ids"`
}

// submitResultRequest is the body for POST /{batch_id}/results/: either a
// terminal error covering the whole batch, or the storage key of an
// NDJSON result artifact the robot uploaded via a presigned PUT (spec
// §4.4/§6).
type submitResultRequest struct {
	Error            string `json:"error,omitempty"`
	ResultStorageKey string `json:"result_storage_key,omitempty"`
}

// createRobotRequest is the body for POST /api/v1/robots.
type createRobotRequest struct {
	Name         string `json:"name"`
	BaseURL      string `json:"base_url"`
	Owner        string `json:"owner"`
	ClientSecret string `json:"client_secret"`
	Description  string `json:"description,omitempty"`
}

// createAutomationRequest is the body for POST /api/v1/robots/:id/automations.
type createAutomationRequest struct {
	Name    string         `json:"name"`
	Query   map[string]any `json:"query"`
	Enabled bool           `json:"enabled"`
}
