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

// Package approval implements the per-workflow approval rendezvous: a
// single-shot slot the workflow runner blocks on until a human approves
// or rejects, plus the global lock that makes slot removal the single
// race-free commit point for approve/reject.
package approval

import (
	"fmt"
	"sync"
)

// Outcome is the result of resolving an approval slot.
type Outcome int

const (
	// Approved indicates the slot was resolved by approveWorkflow.
	Approved Outcome = iota
	// Rejected indicates the slot was resolved by rejectWorkflow.
	Rejected
)

// Slot is a single-shot rendezvous a runner blocks on inside
// AwaitApproval until a human response arrives.
type Slot struct {
	resultCh chan Outcome
}

func newSlot() *Slot {
	return &Slot{resultCh: make(chan Outcome, 1)}
}

// Wait returns the channel the slot's outcome is delivered on; receiving
// from it blocks until the slot is resolved. The caller must also select
// on its own cancellation signal; the channel itself never times out.
func (s *Slot) Wait() <-chan Outcome {
	return s.resultCh
}

func (s *Slot) resolve(o Outcome) {
	s.resultCh <- o
}

// Registry is the orchestrator's approval registry: a map from
// workflow_id to its pending Slot, guarded by a single global lock.
// Callers outside the orchestrator never touch this map directly.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// New creates an empty approval registry.
func New() *Registry {
	return &Registry{slots: make(map[string]*Slot)}
}

// Create installs a new slot for workflowID. It is a bug for a slot to
// already exist for that workflow; Create returns an error rather than
// silently overwriting it.
func (r *Registry) Create(workflowID string) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[workflowID]; exists {
		return nil, fmt.Errorf("approval slot already exists for workflow %s", workflowID)
	}

	slot := newSlot()
	r.slots[workflowID] = slot
	return slot, nil
}

// Remove atomically takes and deletes the slot for workflowID, if
// present. This is the single commit point for approve/reject race
// freedom: exactly one caller observes the slot.
func (r *Registry) Remove(workflowID string) (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[workflowID]
	if !ok {
		return nil, false
	}
	delete(r.slots, workflowID)
	return slot, true
}

// Resolve signals outcome on slot. Must be called outside the registry
// lock (the caller already removed the slot via Remove).
func (r *Registry) Resolve(slot *Slot, outcome Outcome) {
	slot.resolve(outcome)
}

// Discard removes the slot for workflowID without resolving it, used
// when a workflow's runner is cancelled while awaiting approval.
func (r *Registry) Discard(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, workflowID)
}

// Len reports the number of pending slots. Intended for tests and
// diagnostics only.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
