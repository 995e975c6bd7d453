package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
)

// RobotStore persists Robots and RobotAutomations (spec §6).
type RobotStore struct {
	db *sqlx.DB
}

// NewRobotStore constructs a RobotStore over db.
func NewRobotStore(db *sqlx.DB) *RobotStore {
	return &RobotStore{db: db}
}

// Create inserts a new robot. Fails with errstax.ErrAlreadyExists if the
// name is taken (spec §6's "uniqueness on name").
func (s *RobotStore) Create(ctx context.Context, r *models.Robot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO robots (id, name, base_url, owner, client_secret_hash, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		r.ID, r.Name, r.BaseURL, r.Owner, r.ClientSecretHash, r.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return errstax.ErrAlreadyExists
		}
		return errstax.WrapSDK("store.Robot.Create", err)
	}
	return nil
}

// Update updates a robot's mutable fields (base_url, description, owner).
func (s *RobotStore) Update(ctx context.Context, r *models.Robot) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE robots SET base_url = $1, owner = $2, description = $3, updated_at = now() WHERE id = $4`,
		r.BaseURL, r.Owner, r.Description, r.ID)
	if err != nil {
		return errstax.WrapSDK("store.Robot.Update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errstax.ErrNotFound
	}
	return nil
}

// Get loads a robot by id.
func (s *RobotStore) Get(ctx context.Context, id string) (*models.Robot, error) {
	var r models.Robot
	err := s.db.GetContext(ctx, &r,
		`SELECT id, name, base_url, owner, client_secret_hash, description, created_at, updated_at
		FROM robots WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Robot.Get", err)
	}
	return &r, nil
}

// GetByName loads a robot by its unique name, used to authenticate an
// inbound robot wire-contract request by X-Client-Id (spec §6).
func (s *RobotStore) GetByName(ctx context.Context, name string) (*models.Robot, error) {
	var r models.Robot
	err := s.db.GetContext(ctx, &r,
		`SELECT id, name, base_url, owner, client_secret_hash, description, created_at, updated_at
		FROM robots WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sqlErrNoRows) {
			return nil, errstax.ErrNotFound
		}
		return nil, errstax.WrapSDK("store.Robot.GetByName", err)
	}
	return &r, nil
}

// List returns every registered robot.
func (s *RobotStore) List(ctx context.Context) ([]models.Robot, error) {
	var robots []models.Robot
	err := s.db.SelectContext(ctx, &robots,
		`SELECT id, name, base_url, owner, client_secret_hash, description, created_at, updated_at
		FROM robots ORDER BY name`)
	if err != nil {
		return nil, errstax.WrapSDK("store.Robot.List", err)
	}
	return robots, nil
}

// CreateAutomation inserts a RobotAutomation (spec §4.3/§6).
func (s *RobotStore) CreateAutomation(ctx context.Context, a *models.RobotAutomation) error {
	query, err := json.Marshal(a.Query)
	if err != nil {
		return errstax.NewValidationError("query", "must be valid JSON")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO robot_automations (id, robot_id, name, query, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		a.ID, a.RobotID, a.Name, query, a.Enabled)
	if err != nil {
		if isUniqueViolation(err) {
			return errstax.ErrAlreadyExists
		}
		return errstax.WrapSDK("store.Robot.CreateAutomation", err)
	}
	return nil
}

// ListEnabledAutomations returns every enabled automation, for the
// percolation engine to register as percolator queries (spec §4.3).
func (s *RobotStore) ListEnabledAutomations(ctx context.Context) ([]models.RobotAutomation, error) {
	type row struct {
		models.RobotAutomation
		QueryRaw []byte `db:"query"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, robot_id, name, query, enabled, created_at, updated_at
		FROM robot_automations WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, errstax.WrapSDK("store.Robot.ListEnabledAutomations", err)
	}
	out := make([]models.RobotAutomation, 0, len(rows))
	for _, r := range rows {
		a := r.RobotAutomation
		if err := json.Unmarshal(r.QueryRaw, &a.Query); err != nil {
			return nil, errstax.WrapSDK("store.Robot.ListEnabledAutomations.unmarshal", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key value")
}
