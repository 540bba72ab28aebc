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

// Package orchestrator is the central component: it admits workflows,
// enforces the gap-free per-workflow event sequence, gates progress on
// human approval, and drives cancellation and recovery.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ameliahq/orchestrator/internal/log"
	"github.com/ameliahq/orchestrator/internal/orchestrator/approval"
	"github.com/ameliahq/orchestrator/internal/orchestrator/bus"
	"github.com/ameliahq/orchestrator/internal/orchestrator/store"
	"github.com/ameliahq/orchestrator/internal/orchestrator/telemetry"
	ameliaerrors "github.com/ameliahq/orchestrator/pkg/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Event type tags the core itself emits or recognizes. Runners are free
// to emit additional tags; the core treats them as opaque.
const (
	EventWorkflowStarted   = "WORKFLOW_STARTED"
	EventStageStarted      = "STAGE_STARTED"
	EventStageCompleted    = "STAGE_COMPLETED"
	EventStageFailed       = "STAGE_FAILED"
	EventApprovalRequired  = "APPROVAL_REQUIRED"
	EventApprovalGranted   = "APPROVAL_GRANTED"
	EventApprovalRejected  = "APPROVAL_REJECTED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"
	EventWorkflowCancelled = "WORKFLOW_CANCELLED"
)

const reasonInterrupted = "interrupted"

const tracerName = "github.com/ameliahq/orchestrator/internal/orchestrator"

// workflowRuntime holds the per-workflow in-memory state `emit` and
// `awaitApproval` coordinate through: the serializer lock, the lazily
// initialized sequence counter, and the correlation ID pending from an
// outstanding approval request (so the paired grant/reject event reuses
// it automatically per D.7).
type workflowRuntime struct {
	mu                 sync.Mutex
	sequence           int64
	sequenceReady      bool
	pendingCorrelation string
}

// activeTask is the admission-time reservation for one running workflow:
// its cancel function, a record of why it was cancelled (set at most
// once, read by the completion hook), and a channel closed when the
// runner goroutine returns.
type activeTask struct {
	workflowID   string
	worktreePath string
	cancel       context.CancelFunc

	mu     sync.Mutex
	reason string

	done chan struct{}
}

func (t *activeTask) setReason(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason == "" {
		t.reason = reason
	}
}

func (t *activeTask) getReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Orchestrator is the central component described in this package's
// doc comment. It is safe for concurrent use by multiple goroutines.
type Orchestrator struct {
	store     store.Store
	bus       *bus.Bus
	approvals *approval.Registry
	telemetry telemetry.Recorder
	tracer    trace.Tracer
	logger    *slog.Logger
	opLog     *log.OperationMiddleware

	maxConcurrent int

	mu           sync.Mutex
	activeByID   map[string]*activeTask
	activeByWT   map[string]*activeTask
	runtimes     map[string]*workflowRuntime
	shuttingDown bool
}

// Config holds the orchestrator's construction-time dependencies.
type Config struct {
	Store         store.Store
	Bus           *bus.Bus
	Approvals     *approval.Registry
	Telemetry     telemetry.Recorder
	Logger        *slog.Logger
	MaxConcurrent int
}

// New creates an Orchestrator. Telemetry may be nil, in which case
// measurements are discarded.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Telemetry
	if rec == nil {
		rec = telemetry.NoOp{}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	return &Orchestrator{
		store:         cfg.Store,
		bus:           cfg.Bus,
		approvals:     cfg.Approvals,
		telemetry:     rec,
		tracer:        trace.NewNoopTracerProvider().Tracer(tracerName),
		logger:        logger.With(slog.String("component", "orchestrator")),
		opLog:         log.NewOperationMiddleware(logger),
		maxConcurrent: maxConcurrent,
		activeByID:    make(map[string]*activeTask),
		activeByWT:    make(map[string]*activeTask),
		runtimes:      make(map[string]*workflowRuntime),
	}
}

// ActiveWorkflowCount implements telemetry.ActiveWorkflowCounter.
func (o *Orchestrator) ActiveWorkflowCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.activeByID)
}

// StartWorkflow admits a new workflow for worktreePath and starts runner
// as an independent unit of concurrency.
func (o *Orchestrator) StartWorkflow(ctx context.Context, issueID, worktreePath, worktreeName, profile string, runner RunnerFunc) (string, error) {
	var workflowID string
	err := o.opLog.Wrap(&log.OperationRequest{
		Name:     "start_workflow",
		Metadata: map[string]interface{}{"issue_id": issueID, "worktree_path": worktreePath},
	}, func() error {
		id, err := o.startWorkflow(ctx, issueID, worktreePath, worktreeName, profile, runner)
		workflowID = id
		return err
	})
	return workflowID, err
}

func (o *Orchestrator) startWorkflow(ctx context.Context, issueID, worktreePath, worktreeName, profile string, runner RunnerFunc) (string, error) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return "", &ameliaerrors.ConfigError{Key: "lifecycle", Reason: "orchestrator is shutting down"}
	}
	if existing, ok := o.activeByWT[worktreePath]; ok {
		o.mu.Unlock()
		return "", &ameliaerrors.ConflictError{WorktreePath: worktreePath, ExistingWorkflowID: existing.workflowID}
	}
	if len(o.activeByID) >= o.maxConcurrent {
		o.mu.Unlock()
		return "", &ameliaerrors.ConcurrencyLimitError{Limit: o.maxConcurrent}
	}

	workflowID := uuid.New().String()
	taskCtx, cancel := context.WithCancel(context.Background())
	task := &activeTask{
		workflowID:   workflowID,
		worktreePath: worktreePath,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	o.activeByID[workflowID] = task
	o.activeByWT[worktreePath] = task
	o.mu.Unlock()

	wf := &store.Workflow{
		ID:           workflowID,
		IssueID:      issueID,
		WorktreePath: worktreePath,
		WorktreeName: worktreeName,
		Profile:      profile,
		Status:       store.StatusPending,
		StartedAt:    time.Now(),
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		o.releaseTask(workflowID, worktreePath)
		return "", err
	}

	_ = o.emit(ctx, workflowID, EventWorkflowStarted, "orchestrator", "workflow started", map[string]any{
		"issue_id":      issueID,
		"worktree_path": worktreePath,
		"profile":       profile,
	}, "")

	go o.runWorkflow(taskCtx, task, runner)

	return workflowID, nil
}

func (o *Orchestrator) runWorkflow(ctx context.Context, task *activeTask, runner RunnerFunc) {
	defer close(task.done)

	rt := &RunnerHandle{orc: o, workflowID: task.workflowID}
	err := runner(ctx, rt)

	o.completeWorkflow(task, err)
	o.releaseTask(task.workflowID, task.worktreePath)
}

// completeWorkflow sets the workflow's terminal status based on how the
// runner returned, unless it is already terminal (e.g. rejectWorkflow
// already set it to failed before cancelling the runner).
func (o *Orchestrator) completeWorkflow(task *activeTask, runErr error) {
	ctx := context.Background()
	wf, err := o.store.GetWorkflow(ctx, task.workflowID)
	if err != nil {
		o.logger.Error("completion hook: failed to load workflow", "workflow_id", task.workflowID, "error", err)
		return
	}
	if wf.Status.Terminal() {
		return
	}

	if runErr == nil {
		if err := o.store.UpdateStatus(ctx, task.workflowID, store.StatusCompleted, ""); err != nil {
			o.logger.Error("completion hook: failed to mark workflow completed", "workflow_id", task.workflowID, "error", err)
			return
		}
		_ = o.emit(ctx, task.workflowID, EventWorkflowCompleted, "orchestrator", "workflow completed", nil, "")
		return
	}

	reason := task.getReason()
	status := store.StatusFailed
	eventType := EventWorkflowFailed
	if reason != "" {
		// A non-empty reason means cancelByID or CancelAllWorkflows
		// deliberately cancelled this task (rejectWorkflow's cancellation never reaches here,
		// since it already set a terminal status before cancelling).
		status = store.StatusCancelled
		eventType = EventWorkflowCancelled
	} else {
		reason = runErr.Error()
	}

	if err := o.store.UpdateStatus(ctx, task.workflowID, status, reason); err != nil {
		o.logger.Error("completion hook: failed to mark workflow terminal", "workflow_id", task.workflowID, "error", err)
		return
	}
	_ = o.emit(ctx, task.workflowID, eventType, "orchestrator", reason, nil, "")
}

func (o *Orchestrator) releaseTask(workflowID, worktreePath string) {
	o.mu.Lock()
	delete(o.activeByID, workflowID)
	if existing, ok := o.activeByWT[worktreePath]; ok && existing.workflowID == workflowID {
		delete(o.activeByWT, worktreePath)
	}
	delete(o.runtimes, workflowID)
	o.mu.Unlock()

	o.approvals.Discard(workflowID)
}

// emit acquires the per-workflow serializer,
// assign the next sequence number, persist, release the serializer, and
// only then broadcast. The whole call is wrapped in a span carrying
// workflow_id, event_type, and (once assigned) sequence attributes.
func (o *Orchestrator) emit(ctx context.Context, workflowID, eventType, agent, message string, data map[string]any, correlationID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.emit", trace.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("event_type", eventType),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rt := o.runtimeFor(workflowID)

	rt.mu.Lock()
	start := time.Now()

	if !rt.sequenceReady {
		maxSeq, err := o.store.GetMaxEventSequence(ctx, workflowID)
		if err != nil {
			rt.mu.Unlock()
			o.logger.Error("emit: failed to read max sequence", "workflow_id", workflowID, "error", err)
			return err
		}
		rt.sequence = maxSeq
		rt.sequenceReady = true
	}

	rt.sequence++
	seq := rt.sequence
	span.SetAttributes(attribute.Int64("sequence", seq))

	cid := correlationID
	if eventType == EventApprovalRequired && cid == "" {
		cid = uuid.New().String()
		rt.pendingCorrelation = cid
	} else if (eventType == EventApprovalGranted || eventType == EventApprovalRejected) && cid == "" {
		cid = rt.pendingCorrelation
	}

	event := &store.Event{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		Sequence:      seq,
		Timestamp:     time.Now(),
		Agent:         agent,
		EventType:     eventType,
		Message:       message,
		Data:          data,
		CorrelationID: cid,
	}

	if err := o.store.SaveEvent(ctx, event); err != nil {
		rt.sequence--
		rt.mu.Unlock()
		o.logger.Error("emit: persistence failed, rolling back sequence", "workflow_id", workflowID, "sequence", seq, "error", err)
		return err
	}
	rt.mu.Unlock()

	o.telemetry.ObserveSequenceAssign(time.Since(start))
	o.telemetry.RecordEvent(eventType)

	o.bus.Emit(event)
	return nil
}

func (o *Orchestrator) runtimeFor(workflowID string) *workflowRuntime {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.runtimes[workflowID]
	if !ok {
		rt = &workflowRuntime{}
		o.runtimes[workflowID] = rt
	}
	return rt
}

// awaitApproval is the runner-facing half of the approval gate. The span
// it opens stays open for the entire wait and closes once the slot is
// resolved (or the context is cancelled).
func (o *Orchestrator) awaitApproval(ctx context.Context, workflowID string) (outcome approval.Outcome, err error) {
	slot, err := o.approvals.Create(workflowID)
	if err != nil {
		return approval.Rejected, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.await_approval", trace.WithAttributes(
		attribute.String("workflow_id", workflowID),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", approvalOutcomeLabel(outcome)))
		span.End()
	}()

	waitStart := time.Now()
	defer func() {
		o.approvals.Discard(workflowID)
	}()

	if err := o.store.UpdateStatus(ctx, workflowID, store.StatusBlocked, ""); err != nil {
		return approval.Rejected, err
	}
	if err := o.emit(ctx, workflowID, EventApprovalRequired, "orchestrator", "awaiting approval", nil, ""); err != nil {
		return approval.Rejected, err
	}

	select {
	case outcome := <-slot.Wait():
		o.telemetry.ObserveApprovalWait(time.Since(waitStart))
		return outcome, nil
	case <-ctx.Done():
		return approval.Rejected, ctx.Err()
	}
}

func approvalOutcomeLabel(o approval.Outcome) string {
	if o == approval.Approved {
		return "approved"
	}
	return "rejected"
}

// ApproveWorkflow resolves a pending approval slot as approved.
func (o *Orchestrator) ApproveWorkflow(ctx context.Context, workflowID, correlationID string) (bool, error) {
	var resolved bool
	err := o.opLog.Wrap(&log.OperationRequest{
		Name:          "approve_workflow",
		WorkflowID:    workflowID,
		CorrelationID: correlationID,
	}, func() error {
		ok, err := o.approveWorkflow(ctx, workflowID, correlationID)
		resolved = ok
		return err
	})
	return resolved, err
}

func (o *Orchestrator) approveWorkflow(ctx context.Context, workflowID, correlationID string) (bool, error) {
	slot, ok := o.approvals.Remove(workflowID)
	if !ok {
		return false, nil
	}

	if err := o.store.UpdateStatus(ctx, workflowID, store.StatusInProgress, ""); err != nil {
		return false, err
	}
	if err := o.emit(ctx, workflowID, EventApprovalGranted, "orchestrator", "approved", nil, correlationID); err != nil {
		return false, err
	}

	o.approvals.Resolve(slot, approval.Approved)
	return true, nil
}

// RejectWorkflow resolves a pending approval slot as rejected.
func (o *Orchestrator) RejectWorkflow(ctx context.Context, workflowID, feedback string) (bool, error) {
	var resolved bool
	err := o.opLog.Wrap(&log.OperationRequest{
		Name:       "reject_workflow",
		WorkflowID: workflowID,
		Metadata:   map[string]interface{}{"feedback": feedback},
	}, func() error {
		ok, err := o.rejectWorkflow(ctx, workflowID, feedback)
		resolved = ok
		return err
	})
	return resolved, err
}

func (o *Orchestrator) rejectWorkflow(ctx context.Context, workflowID, feedback string) (bool, error) {
	slot, ok := o.approvals.Remove(workflowID)
	if !ok {
		return false, nil
	}

	if err := o.store.UpdateStatus(ctx, workflowID, store.StatusFailed, feedback); err != nil {
		return false, err
	}
	if err := o.emit(ctx, workflowID, EventApprovalRejected, "orchestrator", feedback, nil, ""); err != nil {
		return false, err
	}

	o.approvals.Resolve(slot, approval.Rejected)
	o.cancelByID(workflowID, feedback)
	return true, nil
}

// CancelWorkflow cancels the named workflow. Unknown id or no active task is
// a no-op.
func (o *Orchestrator) CancelWorkflow(workflowID, reason string) {
	_ = o.opLog.Wrap(&log.OperationRequest{
		Name:       "cancel_workflow",
		WorkflowID: workflowID,
		Metadata:   map[string]interface{}{"reason": reason},
	}, func() error {
		o.cancelByID(workflowID, reason)
		return nil
	})
}

func (o *Orchestrator) cancelByID(workflowID, reason string) {
	o.mu.Lock()
	task, ok := o.activeByID[workflowID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if reason == "" {
		reason = "cancelled"
	}
	task.setReason(reason)
	task.cancel()
}

// CancelAllWorkflows cancels every active task
// and waits up to timeout per task.
func (o *Orchestrator) CancelAllWorkflows(timeout time.Duration) {
	o.mu.Lock()
	tasks := make([]*activeTask, 0, len(o.activeByID))
	for _, t := range o.activeByID {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			t.setReason("shutdown")
			t.cancel()
			select {
			case <-t.done:
			case <-time.After(timeout):
				o.logger.Warn("cancelAllWorkflows: task did not finish within timeout", "workflow_id", t.workflowID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// GetActiveWorkflows reports every active workflow's worktree path. Per the
// resolution, it answers from the persistent store rather than the
// in-memory active-task map, since a workflow can be persisted active
// with no in-memory task across a crash/restart boundary.
func (o *Orchestrator) GetActiveWorkflows(ctx context.Context) ([]string, error) {
	workflows, err := o.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(workflows))
	for _, w := range workflows {
		paths = append(paths, w.WorktreePath)
	}
	return paths, nil
}

// GetWorkflowByWorktree looks up the workflow for a worktree path, preferring the
// persistent store per the same open-question resolution.
func (o *Orchestrator) GetWorkflowByWorktree(ctx context.Context, worktreePath string) (*store.Workflow, error) {
	return o.store.FindActiveByWorktree(ctx, worktreePath)
}

// RecoverInterruptedWorkflows finds any workflow left
// in a non-terminal status across a restart is definitionally orphaned
// in-memory state and is moved to failed.
func (o *Orchestrator) RecoverInterruptedWorkflows(ctx context.Context) error {
	workflows, err := o.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, w := range workflows {
		if err := o.store.UpdateStatus(ctx, w.ID, store.StatusFailed, reasonInterrupted); err != nil {
			o.logger.Error("recoverInterruptedWorkflows: failed to mark workflow failed", "workflow_id", w.ID, "error", err)
			continue
		}
		o.logger.Info("recovered interrupted workflow", "workflow_id", w.ID, "previous_status", w.Status)
	}
	return nil
}

// SetTelemetry swaps the Recorder measurements are sent to. Intended for
// wiring in the real telemetry.Collector once it is constructed (which
// itself depends on the orchestrator as an ActiveWorkflowCounter).
func (o *Orchestrator) SetTelemetry(rec telemetry.Recorder) {
	if rec == nil {
		rec = telemetry.NoOp{}
	}
	o.mu.Lock()
	o.telemetry = rec
	o.mu.Unlock()
}

// SetTracer installs the tracer used to wrap emit and AwaitApproval in
// spans, once a telemetry.Provider exists. Before this is called, spans
// are created against a no-op tracer.
func (o *Orchestrator) SetTracer(tracer trace.Tracer) {
	if tracer == nil {
		return
	}
	o.mu.Lock()
	o.tracer = tracer
	o.mu.Unlock()
}

// SetShuttingDown flips the shutting-down flag the lifecycle package
// observes to reject new workflow starts.
func (o *Orchestrator) SetShuttingDown(v bool) {
	o.mu.Lock()
	o.shuttingDown = v
	o.mu.Unlock()
}
