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

// Package retention prunes old events and orphaned workflows once,
// during graceful shutdown, when no workflow can still be writing.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ameliahq/orchestrator/internal/orchestrator/store"
	"github.com/ameliahq/orchestrator/internal/orchestrator/telemetry"
)

// Collector runs the shutdown-only retention cleanup pass.
type Collector struct {
	store     store.Store
	telemetry telemetry.Recorder
	logger    *slog.Logger

	retentionDays int
}

// New creates a Collector. telemetry may be nil.
func New(s store.Store, retentionDays int, rec telemetry.Recorder, logger *slog.Logger) *Collector {
	if rec == nil {
		rec = telemetry.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:         s,
		telemetry:     rec,
		logger:        logger.With(slog.String("component", "retention")),
		retentionDays: retentionDays,
	}
}

// CleanupOnShutdown computes cutoff = now - retentionDays, deletes events
// of workflows that finished before it, then deletes any workflow left
// with no remaining events. A retentionDays of zero skips the event
// pruning step. It must only run once no workflow can still be writing
// events, to avoid read/write interleaving.
func (c *Collector) CleanupOnShutdown(ctx context.Context) (eventsDeleted, workflowsDeleted int64, err error) {
	var cutoff time.Time
	if c.retentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -c.retentionDays)

		eventsDeleted, err = c.store.PruneEventsBefore(ctx, cutoff)
		if err != nil {
			return 0, 0, err
		}
	}

	workflowsDeleted, err = c.store.PruneOrphanWorkflows(ctx)
	if err != nil {
		return eventsDeleted, 0, err
	}

	c.telemetry.RecordRetention(eventsDeleted, workflowsDeleted)
	c.logger.Info("retention cleanup complete",
		"cutoff", cutoff,
		"events_deleted", eventsDeleted,
		"workflows_deleted", workflowsDeleted,
	)

	return eventsDeleted, workflowsDeleted, nil
}
