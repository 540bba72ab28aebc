// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a durable SQLite-backed event store for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ameliahq/orchestrator/internal/orchestrator/store"
	ameliaerrors "github.com/ameliahq/orchestrator/pkg/errors"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed event store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if necessary) a SQLite-backed event store at cfg.Path.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock contention
	// between goroutines racing to open new connections.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			worktree_name TEXT,
			profile TEXT,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			failure_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_worktree_path ON workflows(worktree_path)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			agent TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT,
			data_json TEXT,
			correlation_id TEXT,
			UNIQUE(workflow_id, sequence),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_sequence ON events(workflow_id, sequence)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateWorkflow inserts a new workflow row.
func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	query := `
		INSERT INTO workflows (id, issue_id, worktree_path, worktree_name, profile, status, started_at, completed_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.IssueID, w.WorktreePath, nullString(w.WorktreeName), nullString(w.Profile),
		string(w.Status), w.StartedAt.Format(time.RFC3339), formatTime(w.CompletedAt), nullString(w.FailureReason),
	)
	if err != nil {
		return &ameliaerrors.PersistenceError{Op: "create_workflow", Cause: err}
	}
	return nil
}

// UpdateStatus transitions a workflow's status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status store.Status, failureReason string) error {
	now := time.Now()
	var completedAt any
	if status.Terminal() {
		completedAt = now.Format(time.RFC3339)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, failure_reason = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, string(status), nullString(failureReason), completedAt, id)
	if err != nil {
		return &ameliaerrors.PersistenceError{Op: "update_status", Cause: err}
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &ameliaerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return nil
}

// GetWorkflow reads the current row for id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, worktree_path, worktree_name, profile, status, started_at, completed_at, failure_reason
		FROM workflows WHERE id = ?
	`, id)

	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &ameliaerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, &ameliaerrors.PersistenceError{Op: "get_workflow", Cause: err}
	}
	return w, nil
}

// ListActive enumerates workflows in a non-terminal status.
func (s *Store) ListActive(ctx context.Context) ([]*store.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, worktree_path, worktree_name, profile, status, started_at, completed_at, failure_reason
		FROM workflows WHERE status IN (?, ?, ?) ORDER BY started_at ASC
	`, string(store.StatusPending), string(store.StatusInProgress), string(store.StatusBlocked))
	if err != nil {
		return nil, &ameliaerrors.PersistenceError{Op: "list_active", Cause: err}
	}
	defer rows.Close()

	return scanWorkflows(rows)
}

// FindActiveByWorktree returns the non-terminal workflow for path, if any.
func (s *Store) FindActiveByWorktree(ctx context.Context, worktreePath string) (*store.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, worktree_path, worktree_name, profile, status, started_at, completed_at, failure_reason
		FROM workflows WHERE worktree_path = ? AND status IN (?, ?, ?)
	`, worktreePath, string(store.StatusPending), string(store.StatusInProgress), string(store.StatusBlocked))

	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &ameliaerrors.PersistenceError{Op: "find_active_by_worktree", Cause: err}
	}
	return w, nil
}

// SaveEvent inserts one event row. Must be durable before returning.
func (s *Store) SaveEvent(ctx context.Context, e *store.Event) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return &ameliaerrors.PersistenceError{Op: "save_event", Cause: fmt.Errorf("failed to marshal data: %w", err)}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, workflow_id, sequence, timestamp, agent, event_type, message, data_json, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.WorkflowID, e.Sequence, e.Timestamp.Format(time.RFC3339), e.Agent, e.EventType,
		e.Message, nullBytes(dataJSON), nullString(e.CorrelationID))
	if err != nil {
		return &ameliaerrors.PersistenceError{Op: "save_event", Cause: err}
	}
	return nil
}

// GetMaxEventSequence returns the current maximum sequence for workflowID.
func (s *Store) GetMaxEventSequence(ctx context.Context, workflowID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM events WHERE workflow_id = ?
	`, workflowID).Scan(&max)
	if err != nil {
		return 0, &ameliaerrors.PersistenceError{Op: "get_max_event_sequence", Cause: err}
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// ListEvents returns all events for workflowID in sequence order.
func (s *Store) ListEvents(ctx context.Context, workflowID string) ([]*store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, sequence, timestamp, agent, event_type, message, data_json, correlation_id
		FROM events WHERE workflow_id = ? ORDER BY sequence ASC
	`, workflowID)
	if err != nil {
		return nil, &ameliaerrors.PersistenceError{Op: "list_events", Cause: err}
	}
	defer rows.Close()

	var out []*store.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, &ameliaerrors.PersistenceError{Op: "list_events", Cause: err}
		}
		out = append(out, e)
	}
	return out, nil
}

// PruneEventsBefore deletes events whose workflow's completed_at is before
// cutoff and whose status is terminal. Returns the count deleted.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE workflow_id IN (
			SELECT id FROM workflows
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		)
	`, string(store.StatusCompleted), string(store.StatusFailed), string(store.StatusCancelled), cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, &ameliaerrors.PersistenceError{Op: "prune_events_before", Cause: err}
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// PruneOrphanWorkflows deletes terminal workflows with no remaining events.
func (s *Store) PruneOrphanWorkflows(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM workflows WHERE status IN (?, ?, ?)
		AND id NOT IN (SELECT DISTINCT workflow_id FROM events)
	`, string(store.StatusCompleted), string(store.StatusFailed), string(store.StatusCancelled))
	if err != nil {
		return 0, &ameliaerrors.PersistenceError{Op: "prune_orphan_workflows", Cause: err}
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scannable) (*store.Workflow, error) {
	var w store.Workflow
	var worktreeName, profile, failureReason, completedAt sql.NullString
	var status, startedAt string

	err := row.Scan(&w.ID, &w.IssueID, &w.WorktreePath, &worktreeName, &profile, &status, &startedAt, &completedAt, &failureReason)
	if err != nil {
		return nil, err
	}

	w.Status = store.Status(status)
	if worktreeName.Valid {
		w.WorktreeName = worktreeName.String
	}
	if profile.Valid {
		w.Profile = profile.String
	}
	if failureReason.Valid {
		w.FailureReason = failureReason.String
	}
	w.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		w.CompletedAt = &t
	}

	return &w, nil
}

func scanWorkflows(rows *sql.Rows) ([]*store.Workflow, error) {
	var out []*store.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanEvent(row scannable) (*store.Event, error) {
	var e store.Event
	var dataJSON, correlationID sql.NullString
	var timestamp string

	err := row.Scan(&e.ID, &e.WorkflowID, &e.Sequence, &timestamp, &e.Agent, &e.EventType, &e.Message, &dataJSON, &correlationID)
	if err != nil {
		return nil, err
	}

	e.Timestamp, _ = time.Parse(time.RFC3339, timestamp)
	if correlationID.Valid {
		e.CorrelationID = correlationID.String
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}

	return &e, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}
