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

// Package store defines the append-only persistence contract for
// workflows and their events, and provides in-memory and SQLite
// implementations.
package store

import (
	"context"
	"io"
	"time"
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is one of the terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Workflow is the persisted record of a single staged execution against
// one worktree.
type Workflow struct {
	ID             string
	IssueID        string
	WorktreePath   string
	WorktreeName   string
	Profile        string
	Status         Status
	StartedAt      time.Time
	CompletedAt    *time.Time
	FailureReason  string
}

// Event is one durable, ordered record of a workflow-visible step.
type Event struct {
	ID            string
	WorkflowID    string
	Sequence      int64
	Timestamp     time.Time
	Agent         string
	EventType     string
	Message       string
	Data          map[string]any
	CorrelationID string
}

// Store is the append-only persistence contract the orchestrator relies
// on for workflows and events. Every write must be durable before
// returning, per spec invariant E2.
type Store interface {
	// CreateWorkflow inserts a new workflow row with the status w carries
	// (the orchestrator creates rows in StatusPending).
	CreateWorkflow(ctx context.Context, w *Workflow) error

	// UpdateStatus transitions a workflow's status, stamping CompletedAt
	// when the new status is terminal.
	UpdateStatus(ctx context.Context, id string, status Status, failureReason string) error

	// GetWorkflow reads the current row for id.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// ListActive enumerates workflows whose status is non-terminal.
	ListActive(ctx context.Context) ([]*Workflow, error)

	// FindActiveByWorktree returns the non-terminal workflow for path, if any.
	FindActiveByWorktree(ctx context.Context, worktreePath string) (*Workflow, error)

	// SaveEvent inserts one event row. Must be durable before returning.
	SaveEvent(ctx context.Context, e *Event) error

	// GetMaxEventSequence returns the current maximum sequence for
	// workflowID, or zero if none exist.
	GetMaxEventSequence(ctx context.Context, workflowID string) (int64, error)

	// ListEvents returns all events for workflowID in sequence order.
	ListEvents(ctx context.Context, workflowID string) ([]*Event, error)

	// PruneEventsBefore deletes events whose workflow's CompletedAt is
	// before cutoff and whose status is terminal. Returns the count deleted.
	PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneOrphanWorkflows deletes terminal workflows with no remaining
	// events. Returns the count deleted.
	PruneOrphanWorkflows(ctx context.Context) (int64, error)

	io.Closer
}
