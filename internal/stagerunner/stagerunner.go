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

// Package stagerunner is a minimal reference orchestrator.RunnerFunc: a
// fixed architect, developer, reviewer stage sequence that proves the
// runner contract without performing any real work. It makes no LLM
// calls, runs no shell commands, and writes no files; a real runner
// supplied by a collaborator does all of that.
package stagerunner

import (
	"context"
	"fmt"

	"github.com/ameliahq/orchestrator/internal/orchestrator"
	"github.com/ameliahq/orchestrator/internal/orchestrator/approval"
)

// Stage names this reference runner walks through in order.
const (
	StageArchitect = "architect"
	StageDeveloper = "developer"
	StageReviewer  = "reviewer"
)

var stages = []string{StageArchitect, StageDeveloper, StageReviewer}

// Config controls which stages request human approval before advancing.
type Config struct {
	// ApproveAfter names stages after which the runner calls
	// AwaitApproval before moving to the next one.
	ApproveAfter map[string]bool
}

// New returns an orchestrator.RunnerFunc that walks the fixed
// architect/developer/reviewer sequence, emitting STAGE_STARTED and
// STAGE_COMPLETED around each one and optionally gating progress on
// approval between stages.
func New(cfg Config) orchestrator.RunnerFunc {
	return func(ctx context.Context, rt *orchestrator.RunnerHandle) error {
		for _, stage := range stages {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := rt.Emit(ctx, orchestrator.EventStageStarted, stage, fmt.Sprintf("%s stage started", stage), nil); err != nil {
				return err
			}

			if err := rt.Emit(ctx, orchestrator.EventStageCompleted, stage, fmt.Sprintf("%s stage completed", stage), nil); err != nil {
				return err
			}

			if cfg.ApproveAfter[stage] {
				outcome, err := rt.AwaitApproval(ctx)
				if err != nil {
					return err
				}
				if outcome == approval.Rejected {
					return fmt.Errorf("stagerunner: rejected after %s stage", stage)
				}
			}
		}
		return nil
	}
}
