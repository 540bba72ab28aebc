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

package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/ameliahq/orchestrator/internal/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_DeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var order []int

	b.Subscribe(func(e *store.Event) error {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil
	})
	b.Subscribe(func(e *store.Event) error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil
	})

	b.Emit(&store.Event{WorkflowID: "wf-1", EventType: "FILE_CREATED"})

	require.Equal(t, []int{1, 2}, order)
}

func TestEmit_FaultIsolation(t *testing.T) {
	b := New(nil)

	var delivered []int
	var mu sync.Mutex

	b.Subscribe(func(e *store.Event) error {
		mu.Lock()
		delivered = append(delivered, 1)
		mu.Unlock()
		return errors.New("boom")
	})
	b.Subscribe(func(e *store.Event) error {
		mu.Lock()
		delivered = append(delivered, 2)
		mu.Unlock()
		return nil
	})
	b.Subscribe(func(e *store.Event) error {
		mu.Lock()
		delivered = append(delivered, 3)
		mu.Unlock()
		return nil
	})

	b.Emit(&store.Event{WorkflowID: "wf-1"})

	assert.Equal(t, []int{1, 2, 3}, delivered)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New(nil)

	count := 0
	h := b.Subscribe(func(e *store.Event) error {
		count++
		return nil
	})

	b.Emit(&store.Event{})
	b.Unsubscribe(h)
	b.Emit(&store.Event{})

	assert.Equal(t, 1, count)
}

func TestUnsubscribe_UnknownHandleIsNoOp(t *testing.T) {
	b := New(nil)
	b.Unsubscribe(Handle(999))
}

func TestSubscribeUnsubscribeEmit_ConcurrentSafety(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := b.Subscribe(func(e *store.Event) error { return nil })
			b.Emit(&store.Event{})
			b.Unsubscribe(h)
		}()
	}

	wg.Wait()
}
