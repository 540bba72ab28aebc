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

package orchestrator

import (
	"context"

	"github.com/ameliahq/orchestrator/internal/orchestrator/approval"
)

// RunnerFunc is the opaque unit of work a collaborator supplies to drive
// a workflow. It must observe ctx cancellation at every suspension point
// and return a non-nil error on any failure, including cancellation.
type RunnerFunc func(ctx context.Context, rt *RunnerHandle) error

// RunnerHandle is bound to exactly one workflow and is the only surface
// a RunnerFunc uses to talk back to the orchestrator: emitting events and
// blocking for human approval. It carries no other orchestrator state.
type RunnerHandle struct {
	orc        *Orchestrator
	workflowID string
}

// Emit records an event for this handle's workflow, assigning the next
// sequence number and broadcasting it to subscribers.
func (rt *RunnerHandle) Emit(ctx context.Context, eventType, agent, message string, data map[string]any) error {
	return rt.orc.emit(ctx, rt.workflowID, eventType, agent, message, data, "")
}

// EmitWithCorrelation is like Emit but stamps an explicit correlation ID
// instead of letting the orchestrator generate or infer one.
func (rt *RunnerHandle) EmitWithCorrelation(ctx context.Context, eventType, agent, message string, data map[string]any, correlationID string) error {
	return rt.orc.emit(ctx, rt.workflowID, eventType, agent, message, data, correlationID)
}

// AwaitApproval blocks until a human approves or rejects this workflow,
// the context is cancelled, or the process begins shutting down. The
// returned outcome distinguishes approval from rejection; err is non-nil
// if the wait was abandoned without a decision (cancellation) or the gate
// could not be set up (a slot already exists, or the blocked status or
// APPROVAL_REQUIRED event could not be persisted).
func (rt *RunnerHandle) AwaitApproval(ctx context.Context) (approval.Outcome, error) {
	return rt.orc.awaitApproval(ctx, rt.workflowID)
}

// WorkflowID returns the workflow this handle is bound to.
func (rt *RunnerHandle) WorkflowID() string {
	return rt.workflowID
}
