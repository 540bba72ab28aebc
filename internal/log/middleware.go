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

package log

import (
	"log/slog"
	"time"
)

// OperationRequest describes an orchestrator operation invocation for
// logging purposes (startWorkflow, cancelWorkflow, approveWorkflow, ...).
type OperationRequest struct {
	// Name is the operation name (e.g., "start_workflow", "approve_workflow").
	Name string

	// WorkflowID is the workflow the operation targets, if known at call time.
	WorkflowID string

	// CorrelationID ties an approval request to its eventual response.
	CorrelationID string

	// Metadata contains additional request fields (worktree path, requested status, etc.).
	Metadata map[string]interface{}
}

// OperationResponse describes the outcome of an orchestrator operation.
type OperationResponse struct {
	// Success indicates whether the operation completed without error.
	Success bool

	// Error is the error message if the operation failed.
	Error string

	// DurationMs is how long the operation took.
	DurationMs int64
}

// LogOperationStart logs the start of an orchestrator operation.
func LogOperationStart(logger *slog.Logger, req *OperationRequest) {
	attrs := []any{
		"event", "operation_start",
		"operation", req.Name,
	}

	if req.WorkflowID != "" {
		attrs = append(attrs, WorkflowIDKey, req.WorkflowID)
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, CorrelationIDKey, req.CorrelationID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("orchestrator operation started", attrs...)
}

// LogOperationEnd logs the completion of an orchestrator operation.
func LogOperationEnd(logger *slog.Logger, req *OperationRequest, resp *OperationResponse) {
	attrs := []any{
		"event", "operation_end",
		"operation", req.Name,
		"success", resp.Success,
		DurationKey, resp.DurationMs,
	}

	if req.WorkflowID != "" {
		attrs = append(attrs, WorkflowIDKey, req.WorkflowID)
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, CorrelationIDKey, req.CorrelationID)
	}

	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	level := slog.LevelInfo
	message := "orchestrator operation completed"

	if !resp.Success {
		level = slog.LevelError
		message = "orchestrator operation failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// OperationMiddleware wraps orchestrator operations with start/end logging.
type OperationMiddleware struct {
	logger *slog.Logger
}

// NewOperationMiddleware creates a new operation logging middleware.
func NewOperationMiddleware(logger *slog.Logger) *OperationMiddleware {
	return &OperationMiddleware{logger: logger}
}

// Wrap runs handler, logging its start and completion around the call.
func (m *OperationMiddleware) Wrap(req *OperationRequest, handler func() error) error {
	start := time.Now()

	LogOperationStart(m.logger, req)

	err := handler()

	resp := &OperationResponse{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	LogOperationEnd(m.logger, req, resp)

	return err
}
