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

// Package memory provides an in-memory event store for tests and
// single-process ephemeral deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ameliahq/orchestrator/internal/orchestrator/store"
	ameliaerrors "github.com/ameliahq/orchestrator/pkg/errors"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory, map-backed implementation of store.Store.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*store.Workflow
	events    map[string][]*store.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*store.Workflow),
		events:    make(map[string][]*store.Event),
	}
}

// CreateWorkflow inserts a new workflow row.
func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

// UpdateStatus transitions a workflow's status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status store.Status, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return &ameliaerrors.NotFoundError{Resource: "workflow", ID: id}
	}

	w.Status = status
	w.FailureReason = failureReason
	if status.Terminal() {
		now := time.Now()
		w.CompletedAt = &now
	}
	return nil
}

// GetWorkflow reads the current row for id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, &ameliaerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	cp := *w
	return &cp, nil
}

// ListActive enumerates workflows in a non-terminal status.
func (s *Store) ListActive(ctx context.Context) ([]*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Workflow
	for _, w := range s.workflows {
		if !w.Status.Terminal() {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindActiveByWorktree returns the non-terminal workflow for path, if any.
func (s *Store) FindActiveByWorktree(ctx context.Context, worktreePath string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.workflows {
		if w.WorktreePath == worktreePath && !w.Status.Terminal() {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

// SaveEvent inserts one event row.
func (s *Store) SaveEvent(ctx context.Context, e *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[e.WorkflowID]; !ok {
		return &ameliaerrors.NotFoundError{Resource: "workflow", ID: e.WorkflowID}
	}

	cp := *e
	s.events[e.WorkflowID] = append(s.events[e.WorkflowID], &cp)
	return nil
}

// GetMaxEventSequence returns the current maximum sequence for workflowID.
func (s *Store) GetMaxEventSequence(ctx context.Context, workflowID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for _, e := range s.events[workflowID] {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

// ListEvents returns all events for workflowID in sequence order.
func (s *Store) ListEvents(ctx context.Context, workflowID string) ([]*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[workflowID]
	out := make([]*store.Event, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// PruneEventsBefore deletes events whose workflow finished before cutoff.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, w := range s.workflows {
		if !w.Status.Terminal() || w.CompletedAt == nil || !w.CompletedAt.Before(cutoff) {
			continue
		}
		deleted += int64(len(s.events[id]))
		delete(s.events, id)
	}
	return deleted, nil
}

// PruneOrphanWorkflows deletes terminal workflows with no remaining events.
func (s *Store) PruneOrphanWorkflows(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, w := range s.workflows {
		if !w.Status.Terminal() {
			continue
		}
		if len(s.events[id]) == 0 {
			delete(s.workflows, id)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
