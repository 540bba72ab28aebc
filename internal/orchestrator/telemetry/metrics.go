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

// Package telemetry collects OpenTelemetry metrics for the orchestrator
// core: active workflow count, event throughput, sequence-assignment and
// approval-wait latency, health-check sweep outcomes, and retention
// results.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func attrEventType(eventType string) attribute.KeyValue {
	return attribute.String("event_type", eventType)
}

// ActiveWorkflowCounter reports how many workflows are currently active.
// The orchestrator implements this; the collector only reads it.
type ActiveWorkflowCounter interface {
	ActiveWorkflowCount() int
}

// Recorder is the interface orchestrator components record measurements
// through. NoOp satisfies it for tests and callers that do not want
// telemetry wired in.
type Recorder interface {
	RecordEvent(eventType string)
	ObserveSequenceAssign(d time.Duration)
	ObserveApprovalWait(d time.Duration)
	IncHealthCheckSweep()
	IncHealthCheckKill()
	RecordRetention(eventsDeleted, workflowsDeleted int64)
}

// Collector is the OpenTelemetry-backed Recorder implementation,
// grounded on conductor's MetricsCollector.
type Collector struct {
	eventsTotal               metric.Int64Counter
	sequenceAssignDuration    metric.Float64Histogram
	approvalWaitDuration      metric.Float64Histogram
	healthCheckSweeps         metric.Int64Counter
	healthCheckKills          metric.Int64Counter
	retentionEventsDeleted    metric.Int64Counter
	retentionWorkflowsDeleted metric.Int64Counter

	counterMu sync.RWMutex
	counter   ActiveWorkflowCounter
}

var _ Recorder = (*Collector)(nil)

// New creates a Collector registered against meterProvider, including the
// amelia_active_workflows observable gauge backed by counter.
func New(meterProvider metric.MeterProvider, counter ActiveWorkflowCounter) (*Collector, error) {
	meter := meterProvider.Meter("amelia")

	c := &Collector{counter: counter}

	var err error

	c.eventsTotal, err = meter.Int64Counter(
		"amelia_events_total",
		metric.WithDescription("Total number of workflow events persisted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.sequenceAssignDuration, err = meter.Float64Histogram(
		"amelia_event_sequence_assign_seconds",
		metric.WithDescription("Time holding the per-workflow serializer during emit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.approvalWaitDuration, err = meter.Float64Histogram(
		"amelia_approval_wait_seconds",
		metric.WithDescription("Time between APPROVAL_REQUIRED emission and slot resolution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.healthCheckSweeps, err = meter.Int64Counter(
		"amelia_health_check_sweeps_total",
		metric.WithDescription("Total number of health-check sweeps performed"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	c.healthCheckKills, err = meter.Int64Counter(
		"amelia_health_check_kills_total",
		metric.WithDescription("Total number of workflows cancelled by the health checker"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, err
	}

	c.retentionEventsDeleted, err = meter.Int64Counter(
		"amelia_retention_events_deleted_total",
		metric.WithDescription("Total number of events deleted by the retention collector"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.retentionWorkflowsDeleted, err = meter.Int64Counter(
		"amelia_retention_workflows_deleted_total",
		metric.WithDescription("Total number of orphaned workflows deleted by the retention collector"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"amelia_active_workflows",
		metric.WithDescription("Number of currently active workflows"),
		metric.WithUnit("{workflow}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.counterMu.RLock()
			counter := c.counter
			c.counterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.ActiveWorkflowCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordEvent increments the events-total counter, labeled by event type.
func (c *Collector) RecordEvent(eventType string) {
	c.eventsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attrEventType(eventType),
	))
}

// ObserveSequenceAssign records time spent holding the per-workflow
// serializer during emit's sequence-and-persist critical section.
func (c *Collector) ObserveSequenceAssign(d time.Duration) {
	c.sequenceAssignDuration.Record(context.Background(), d.Seconds())
}

// ObserveApprovalWait records time between APPROVAL_REQUIRED emission and
// slot resolution.
func (c *Collector) ObserveApprovalWait(d time.Duration) {
	c.approvalWaitDuration.Record(context.Background(), d.Seconds())
}

// IncHealthCheckSweep increments the health-check sweep counter.
func (c *Collector) IncHealthCheckSweep() {
	c.healthCheckSweeps.Add(context.Background(), 1)
}

// IncHealthCheckKill increments the health-check kill counter.
func (c *Collector) IncHealthCheckKill() {
	c.healthCheckKills.Add(context.Background(), 1)
}

// RecordRetention records one cleanupOnShutdown call's deleted counts.
func (c *Collector) RecordRetention(eventsDeleted, workflowsDeleted int64) {
	c.retentionEventsDeleted.Add(context.Background(), eventsDeleted)
	c.retentionWorkflowsDeleted.Add(context.Background(), workflowsDeleted)
}
