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

package errors

import (
	"fmt"
	"time"
)

// ConflictError is returned when a workflow is started against a worktree
// that already has a non-terminal workflow registered against it.
type ConflictError struct {
	// WorktreePath is the worktree that already has an active workflow.
	WorktreePath string

	// ExistingWorkflowID is the id of the conflicting workflow, if known.
	ExistingWorkflowID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.ExistingWorkflowID != "" {
		return fmt.Sprintf("workflow conflict on worktree %s (active workflow %s)", e.WorktreePath, e.ExistingWorkflowID)
	}
	return fmt.Sprintf("workflow conflict on worktree %s", e.WorktreePath)
}

// ConcurrencyLimitError is returned when starting a workflow would exceed
// the configured concurrency ceiling.
type ConcurrencyLimitError struct {
	// Limit is the configured max_concurrent value.
	Limit int
}

// Error implements the error interface.
func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached: %d workflow(s) already active", e.Limit)
}

// NotFoundError represents a resource not found error.
// Use this when a requested workflow or event does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "event").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidTransitionError represents an attempt to move a workflow's status
// to a state not reachable from its current state.
type InvalidTransitionError struct {
	WorkflowID string
	From       string
	To         string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow %s: invalid status transition %s -> %s", e.WorkflowID, e.From, e.To)
}

// PersistenceError wraps a failure returned by the event store. The
// orchestrator treats any PersistenceError from saveEvent as "event not
// emitted": the sequence counter is rolled back and the event is never
// broadcast to subscribers.
type PersistenceError struct {
	// Op names the store operation that failed (e.g. "save_event", "create_workflow").
	Op string

	// Cause is the underlying driver or I/O error.
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "max_concurrent", "store.path").
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error).
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts, such as an approval wait or
// a shutdown drain that exceeded its configured deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "approval_wait", "drain").
	Operation string

	// Duration is how long the operation ran before timing out.
	Duration time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
