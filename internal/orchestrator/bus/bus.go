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

// Package bus provides a synchronous, in-process publish/subscribe
// broadcast of workflow events with per-subscriber fault isolation.
package bus

import (
	"log/slog"
	"sync"

	"github.com/ameliahq/orchestrator/internal/orchestrator/store"
)

// Subscriber receives a delivered event. A returned error is logged and
// does not stop delivery to the remaining subscribers.
type Subscriber func(event *store.Event) error

// Bus is a synchronous, in-process event broadcaster. Subscribe,
// Unsubscribe, and Emit are safe to call concurrently; a subscriber added
// mid-broadcast is not guaranteed to receive the in-flight event.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
	logger *slog.Logger
}

type subscription struct {
	id uint64
	fn Subscriber
}

// Handle identifies a subscription for later Unsubscribe.
type Handle uint64

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe appends fn to the subscriber list, returning a Handle that
// can be passed to Unsubscribe.
func (b *Bus) Subscribe(fn Subscriber) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &subscription{id: id, fn: fn})
	return Handle(id)
}

// Unsubscribe removes the subscription identified by h. No-op if absent.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == uint64(h) {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers event to every current subscriber, in subscription order,
// synchronously. A subscriber that returns an error is logged and
// skipped; it does not prevent delivery to the rest.
func (b *Bus) Emit(event *store.Event) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.fn(event); err != nil {
			b.logger.Error("event bus subscriber failed",
				"workflow_id", event.WorkflowID,
				"event_type", event.EventType,
				"error", err,
			)
		}
	}
}
