// Package rules runs "when X then Y" household automations. Rules are
// authored through the admin surface and stored in SQLite; when a rule
// fires, its action goes through the executor like any other action,
// with a fresh trust decision at fire time. A rule created while its
// owner held a higher trust level loses its power the moment the
// directory says so.
package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Rule is one stored automation.
type Rule struct {
	ID            string
	Name          string
	TriggerEntity string
	TriggerState  string
	ActionKind    string
	ActionParams  map[string]any
	PersonID      string // whose authority the action runs under
	Enabled       bool
	CreatedAt     time.Time
}

// Store persists rules in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the rules database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		trigger_entity TEXT NOT NULL,
		trigger_state  TEXT NOT NULL,
		action_kind    TEXT NOT NULL,
		action_params  TEXT NOT NULL,
		person_id      TEXT NOT NULL,
		enabled        INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_trigger ON rules(trigger_entity);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add stores a rule, assigning an ID when empty.
func (s *Store) Add(r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Name == "" || r.TriggerEntity == "" || r.ActionKind == "" || r.PersonID == "" {
		return Rule{}, fmt.Errorf("rule needs name, trigger_entity, action_kind and person_id")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	params, err := json.Marshal(r.ActionParams)
	if err != nil {
		return Rule{}, fmt.Errorf("marshal action params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rules (id, name, trigger_entity, trigger_state, action_kind, action_params, person_id, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.TriggerEntity, r.TriggerState, r.ActionKind, string(params),
		r.PersonID, boolToInt(r.Enabled), r.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	return r, nil
}

// Remove deletes a rule by ID.
func (s *Store) Remove(id string) error {
	res, err := s.db.Exec("DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

// SetEnabled flips a rule on or off.
func (s *Store) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec("UPDATE rules SET enabled = ? WHERE id = ?", boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

// List returns all rules, newest first.
func (s *Store) List() ([]Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, trigger_entity, trigger_state, action_kind, action_params, person_id, enabled, created_at
		FROM rules ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// MatchingEnabled returns enabled rules whose trigger matches the
// given entity and new state. An empty stored trigger_state matches
// any state change.
func (s *Store) MatchingEnabled(entityID, newState string) ([]Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, trigger_entity, trigger_state, action_kind, action_params, person_id, enabled, created_at
		FROM rules
		WHERE enabled = 1 AND trigger_entity = ? AND (trigger_state = '' OR trigger_state = ?)`,
		entityID, newState)
	if err != nil {
		return nil, fmt.Errorf("match rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]Rule, error) {
	var out []Rule
	for rows.Next() {
		var r Rule
		var params, created string
		var enabled int
		if err := rows.Scan(&r.ID, &r.Name, &r.TriggerEntity, &r.TriggerState,
			&r.ActionKind, &params, &r.PersonID, &enabled, &created); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.ActionParams); err != nil {
			return nil, fmt.Errorf("unmarshal params for rule %s: %w", r.ID, err)
		}
		r.Enabled = enabled != 0
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
