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

// Package lifecycle sequences orchestrator startup and graceful
// shutdown: startup recovery and health-checker start, then drain,
// forced cancellation, health-checker stop, and retention on the way
// down.
package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Orchestrator is the subset of the orchestrator package the lifecycle
// depends on.
type Orchestrator interface {
	RecoverInterruptedWorkflows(ctx context.Context) error
	GetActiveWorkflows(ctx context.Context) ([]string, error)
	CancelAllWorkflows(timeout time.Duration)
	SetShuttingDown(v bool)
}

// HealthChecker is the subset of health.Checker the lifecycle depends
// on.
type HealthChecker interface {
	Start(ctx context.Context)
	Stop()
}

// Retention is the subset of retention.Collector the lifecycle depends
// on.
type Retention interface {
	CleanupOnShutdown(ctx context.Context) (eventsDeleted, workflowsDeleted int64, err error)
}

// Lifecycle owns the shutting-down flag upstream HTTP middleware
// consults to reject new workflow starts, and sequences startup/shutdown
// on graceful shutdown.
type Lifecycle struct {
	orc             Orchestrator
	health          HealthChecker
	retention       Retention
	shutdownTimeout time.Duration
	drainPollEvery  time.Duration
	logger          *slog.Logger

	shuttingDown atomic.Bool
}

// New creates a Lifecycle.
func New(orc Orchestrator, health HealthChecker, retention Retention, shutdownTimeout time.Duration, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Lifecycle{
		orc:             orc,
		health:          health,
		retention:       retention,
		shutdownTimeout: shutdownTimeout,
		drainPollEvery:  200 * time.Millisecond,
		logger:          logger.With(slog.String("component", "lifecycle")),
	}
}

// ShuttingDown reports whether shutdown has begun.
func (l *Lifecycle) ShuttingDown() bool {
	return l.shuttingDown.Load()
}

// Startup runs interrupted-workflow recovery and starts the health
// checker. Must be called once before any workflow is started.
func (l *Lifecycle) Startup(ctx context.Context) error {
	if err := l.orc.RecoverInterruptedWorkflows(ctx); err != nil {
		return err
	}
	l.health.Start(ctx)
	l.logger.Info("startup complete")
	return nil
}

// Shutdown sets the shutting-down flag, waits up to shutdownTimeout for
// active workflows to drain on their own, force-cancels whatever remains,
// stops the health checker, and runs retention.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	l.shuttingDown.Store(true)
	l.orc.SetShuttingDown(true)
	l.logger.Info("shutdown initiated")

	l.waitForDrain(ctx)

	l.orc.CancelAllWorkflows(l.shutdownTimeout)
	l.health.Stop()

	eventsDeleted, workflowsDeleted, err := l.retention.CleanupOnShutdown(ctx)
	if err != nil {
		l.logger.Error("retention cleanup failed during shutdown", "error", err)
	} else {
		l.logger.Info("shutdown complete", "events_deleted", eventsDeleted, "workflows_deleted", workflowsDeleted)
	}
}

func (l *Lifecycle) waitForDrain(ctx context.Context) {
	deadline := time.Now().Add(l.shutdownTimeout)
	ticker := time.NewTicker(l.drainPollEvery)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		active, err := l.orc.GetActiveWorkflows(ctx)
		if err != nil {
			l.logger.Error("shutdown: failed to poll active workflows", "error", err)
			return
		}
		if len(active) == 0 {
			l.logger.Info("all workflows drained before forced cancellation")
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
	l.logger.Warn("drain timeout exceeded, forcing cancellation")
}
