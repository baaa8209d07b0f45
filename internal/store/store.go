// Package store provides the sqlite-backed persistence layer: an audit trail
// of every plan and replan produced during a run, and the durable fact store
// backing long-term memory across runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	trigger     TEXT,
	milestones  TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_task ON plans(task_id);

CREATE TABLE IF NOT EXISTS facts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fact        TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMP NOT NULL
);
`

// PlanKind distinguishes initial plans from replans in the audit trail.
type PlanKind string

const (
	PlanKindInitial PlanKind = "initial"
	PlanKindReplan  PlanKind = "replan"
)

// PlanRecord is one audited planning event.
type PlanRecord struct {
	TaskID     string
	Kind       PlanKind
	Trigger    string
	Milestones []schemas.Milestone
	CreatedAt  time.Time
}

// Store wraps the sqlite handle.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlan appends a planning event to the audit trail.
func (s *Store) SavePlan(ctx context.Context, taskID string, kind PlanKind, trigger string, milestones []schemas.Milestone) error {
	raw, err := json.Marshal(milestones)
	if err != nil {
		return fmt.Errorf("encoding milestones: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (task_id, kind, trigger, milestones, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, string(kind), trigger, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

// Plans returns the audit trail for a task, oldest first.
func (s *Store) Plans(ctx context.Context, taskID string) ([]PlanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, trigger, milestones, created_at FROM plans WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRecord
	for rows.Next() {
		rec := PlanRecord{TaskID: taskID}
		var kind, raw string
		if err := rows.Scan(&kind, &rec.Trigger, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning plan row: %w", err)
		}
		rec.Kind = PlanKind(kind)
		if err := json.Unmarshal([]byte(raw), &rec.Milestones); err != nil {
			s.logger.Warn("Skipping undecodable plan row", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveFact persists a long-term-memory fact. Exact duplicates are ignored.
func (s *Store) SaveFact(ctx context.Context, fact string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO facts (fact, created_at) VALUES (?, ?)`,
		fact, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting fact: %w", err)
	}
	return nil
}

// LoadFacts returns all persisted facts, oldest first.
func (s *Store) LoadFacts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fact FROM facts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying facts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scanning fact row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
