package models

import "time"

// Robot is a registered external enhancement provider: a service that
// polls for pending-enhancement batches and posts back results (spec
// §6). ClientSecretHash holds the client secret as issued, not hashed:
// it is the shared HMAC key pkg/robot signs and verifies with. The
// secret is returned once, at creation, and is never serialized to JSON.
type Robot struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	BaseURL            string    `json:"base_url" db:"base_url"`
	Owner              string    `json:"owner" db:"owner"`
	ClientSecretHash   string    `json:"-" db:"client_secret_hash"`
	Description        string    `json:"description,omitempty" db:"description"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// RobotAutomation binds a Robot to a percolator query: whenever an
// ingested or updated reference matches the query, the automation fires
// a PendingEnhancement for that robot (spec §4.3, §6). The Query field
// holds the percolator document in Elasticsearch query-DSL form, opaque
// to everything outside pkg/percolate.
type RobotAutomation struct {
	ID        string          `json:"id" db:"id"`
	RobotID   string          `json:"robot_id" db:"robot_id"`
	Name      string          `json:"name" db:"name"`
	Query     map[string]any  `json:"query" db:"-"`
	Enabled   bool            `json:"enabled" db:"enabled"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
