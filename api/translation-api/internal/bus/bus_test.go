// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLevel("error"))
	require.NoError(t, err)
	bus := NewEventBus("test", logger)
	t.Cleanup(bus.Shutdown)
	return bus
}

func collectorHandler(mu *sync.Mutex, sink *[]interface{}) HandlerFunc {
	return func(ctx context.Context, envelope interface{}) error {
		mu.Lock()
		*sink = append(*sink, envelope)
		mu.Unlock()
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublish_FanOutToAllHandlers(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var first, second []interface{}
	require.NoError(t, bus.RegisterHandler(
		HandlerConfig{Name: "first", QueueMax: 10, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1},
		collectorHandler(&mu, &first)))
	require.NoError(t, bus.RegisterHandler(
		HandlerConfig{Name: "second", QueueMax: 10, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1},
		collectorHandler(&mu, &second)))

	bus.Publish("a")
	bus.Publish("b")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2 && len(second) == 2
	})
}

func TestRegisterHandler_DuplicateName(t *testing.T) {
	bus := newTestBus(t)
	cfg := HandlerConfig{Name: "dup", QueueMax: 1, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1}
	noop := func(ctx context.Context, envelope interface{}) error { return nil }

	require.NoError(t, bus.RegisterHandler(cfg, noop))
	assert.Error(t, bus.RegisterHandler(cfg, noop))
}

func TestPauseResume(t *testing.T) {
	bus := newTestBus(t)

	var handled atomic.Int64
	require.NoError(t, bus.RegisterHandler(
		HandlerConfig{Name: "pausable", QueueMax: 100, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1},
		func(ctx context.Context, envelope interface{}) error {
			handled.Add(1)
			return nil
		}))

	require.NoError(t, bus.Pause("pausable"))
	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), handled.Load(), "no dispatch while paused")

	depth, err := bus.Depth("pausable")
	require.NoError(t, err)
	assert.Equal(t, 5, depth, "queue keeps accepting while paused")

	require.NoError(t, bus.Resume("pausable"))
	waitFor(t, func() bool { return handled.Load() == 5 })
}

func TestHandlerErrorSwallowed(t *testing.T) {
	bus := newTestBus(t)

	var handled atomic.Int64
	require.NoError(t, bus.RegisterHandler(
		HandlerConfig{Name: "flaky", QueueMax: 10, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1},
		func(ctx context.Context, envelope interface{}) error {
			handled.Add(1)
			if handled.Load() == 1 {
				return errors.New("boom")
			}
			return nil
		}))

	bus.Publish("x")
	bus.Publish("y")

	waitFor(t, func() bool { return handled.Load() == 2 })
}

// Backpressure bound: under sustained publish into a handler with queue size
// Q, the queue depth never exceeds Q, and no more than Q+1 envelopes are ever
// consumed; every other published envelope is dropped.
func TestBackpressureBound(t *testing.T) {
	bus := newTestBus(t)

	const queueMax = 8
	const published = 100

	release := make(chan struct{})
	var consumed atomic.Int64
	require.NoError(t, bus.RegisterHandler(
		HandlerConfig{Name: "slow", QueueMax: queueMax, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1},
		func(ctx context.Context, envelope interface{}) error {
			<-release
			consumed.Add(1)
			return nil
		}))

	for i := 0; i < published; i++ {
		bus.Publish(i)
		depth, err := bus.Depth("slow")
		require.NoError(t, err)
		assert.LessOrEqual(t, depth, queueMax, "queue depth must never exceed its bound")
	}

	close(release)
	waitFor(t, func() bool {
		depth, _ := bus.Depth("slow")
		return depth == 0
	})

	// One envelope may be held by the worker while the queue stays full, so
	// at most Q+1 envelopes survive; everything else was dropped.
	waitFor(t, func() bool { return consumed.Load() > 0 })
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, int(consumed.Load()), queueMax+1)
}

func TestClear(t *testing.T) {
	bus := newTestBus(t)

	require.NoError(t, bus.RegisterHandler(
		HandlerConfig{Name: "clearable", QueueMax: 50, OverflowPolicy: internal_queue.DropNewest, Concurrency: 1},
		func(ctx context.Context, envelope interface{}) error { return nil }))
	require.NoError(t, bus.Pause("clearable"))

	for i := 0; i < 10; i++ {
		bus.Publish(i)
	}

	removed, err := bus.Clear("clearable")
	require.NoError(t, err)
	assert.Equal(t, 10, removed)

	all := bus.ClearAll()
	assert.Equal(t, 0, all["clearable"])
}

func TestUnknownHandlerOperations(t *testing.T) {
	bus := newTestBus(t)
	assert.Error(t, bus.Pause("ghost"))
	assert.Error(t, bus.Resume("ghost"))
	_, err := bus.Clear("ghost")
	assert.Error(t, err)
}

func TestShutdown_UnwindsWorkers(t *testing.T) {
	logger, err := commons.NewApplicationLogger(commons.WithLevel("error"))
	require.NoError(t, err)
	bus := NewEventBus("shutdown", logger)

	require.NoError(t, bus.RegisterHandler(
		HandlerConfig{Name: "idle", QueueMax: 5, OverflowPolicy: internal_queue.DropOldest, Concurrency: 3},
		func(ctx context.Context, envelope interface{}) error { return nil }))

	done := make(chan struct{})
	go func() {
		bus.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not unwind workers")
	}
}
