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

// Package health periodically verifies that every active workflow's
// worktree still exists on disk, cancelling any workflow whose worktree
// has vanished.
package health

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ameliahq/orchestrator/internal/orchestrator/store"
	"github.com/ameliahq/orchestrator/internal/orchestrator/telemetry"
	"github.com/fsnotify/fsnotify"
)

// Orchestrator is the subset of the orchestrator the health checker
// depends on, kept narrow to avoid an import cycle with the orchestrator
// package itself.
type Orchestrator interface {
	GetActiveWorkflows(ctx context.Context) ([]string, error)
	GetWorkflowByWorktree(ctx context.Context, worktreePath string) (*store.Workflow, error)
	CancelWorkflow(workflowID, reason string)
}

const fsCheckTimeout = 5 * time.Second

// Checker runs the periodic worktree-liveness sweep described in
// a periodic poll, accelerated by an fsnotify watch on each active worktree's
// parent directory per the supplemental design in this repository's
// expanded requirements.
type Checker struct {
	orc       Orchestrator
	interval  time.Duration
	telemetry telemetry.Recorder
	logger    *slog.Logger

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	watchedDirs map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Checker. telemetry may be nil.
func New(orc Orchestrator, interval time.Duration, rec telemetry.Recorder, logger *slog.Logger) *Checker {
	if rec == nil {
		rec = telemetry.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := &Checker{
		orc:         orc,
		interval:    interval,
		telemetry:   rec,
		logger:      logger.With(slog.String("component", "health")),
		watchedDirs: make(map[string]bool),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("fsnotify unavailable, degrading to poll-only health checks", "error", err)
		c.watcher = nil
	} else {
		c.watcher = watcher
	}

	return c
}

// Start begins the background sweep loop.
func (c *Checker) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop cleanly stops the background loop and waits for it to exit.
func (c *Checker) Stop() {
	close(c.stopCh)
	<-c.doneCh
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var fsEvents <-chan fsnotify.Event
	if c.watcher != nil {
		fsEvents = c.watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				c.logger.Debug("fsnotify accelerant triggered out-of-band sweep", "path", ev.Name)
				c.sweep(ctx)
			}
		}
	}
}

// sweep runs one pass over all active workflows' worktrees.
func (c *Checker) sweep(ctx context.Context) {
	c.telemetry.IncHealthCheckSweep()

	paths, err := c.orc.GetActiveWorkflows(ctx)
	if err != nil {
		c.logger.Error("health sweep: failed to list active workflows", "error", err)
		return
	}

	for _, path := range paths {
		c.watchParent(path)

		if checkWorktreeHealthy(path, fsCheckTimeout) {
			continue
		}

		wf, err := c.orc.GetWorkflowByWorktree(ctx, path)
		if err != nil {
			c.logger.Error("health sweep: failed to resolve unhealthy worktree", "worktree_path", path, "error", err)
			continue
		}
		if wf == nil {
			continue
		}

		c.logger.Warn("worktree directory no longer exists, cancelling workflow", "workflow_id", wf.ID, "worktree_path", path)
		c.orc.CancelWorkflow(wf.ID, "Worktree directory no longer exists")
		c.telemetry.IncHealthCheckKill()
	}
}

func worktreeIsHealthy(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return false
	}
	return true
}

// checkWorktreeHealthy runs worktreeIsHealthy off the calling goroutine
// so a slow or network filesystem cannot block the sweep loop past
// timeout; on timeout the worktree is treated as unhealthy, so the sweep
// cancels its workflow rather than hang.
func checkWorktreeHealthy(path string, timeout time.Duration) bool {
	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- worktreeIsHealthy(path)
	}()

	select {
	case ok := <-resultCh:
		return ok
	case <-time.After(timeout):
		return false
	}
}

// watchParent starts (at most once) an fsnotify watch on path's parent
// directory, so a Remove/Rename of the worktree itself is observed.
func (c *Checker) watchParent(path string) {
	if c.watcher == nil {
		return
	}
	parent := filepath.Dir(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchedDirs[parent] {
		return
	}
	if err := c.watcher.Add(parent); err != nil {
		c.logger.Debug("fsnotify: failed to watch worktree parent", "dir", parent, "error", err)
		return
	}
	c.watchedDirs[parent] = true
}
