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

package telemetry

import "time"

// NoOp is a Recorder that discards every measurement. Orchestrator
// components accept a nil Recorder and fall back to NoOp so telemetry
// stays optional.
type NoOp struct{}

var _ Recorder = NoOp{}

func (NoOp) RecordEvent(string)                               {}
func (NoOp) ObserveSequenceAssign(time.Duration)               {}
func (NoOp) ObserveApprovalWait(time.Duration)                 {}
func (NoOp) IncHealthCheckSweep()                              {}
func (NoOp) IncHealthCheckKill()                               {}
func (NoOp) RecordRetention(eventsDeleted, workflowsDeleted int64) {}
