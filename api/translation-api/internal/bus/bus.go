// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bus

import (
	"context"
	"fmt"
	"sync"

	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// HandlerFunc consumes one published envelope. Errors are logged and
// swallowed by the worker; they never stop dispatch.
type HandlerFunc func(ctx context.Context, envelope interface{}) error

// HandlerConfig describes one registered handler on a bus.
type HandlerConfig struct {
	Name           string
	QueueMax       int
	OverflowPolicy internal_queue.OverflowPolicy
	Concurrency    int
}

type handlerRuntime struct {
	config  HandlerConfig
	handler HandlerFunc
	queue   *internal_queue.BoundedQueue[interface{}]

	pauseMu sync.Mutex
	resumed *sync.Cond
	paused  bool
}

func (r *handlerRuntime) waitWhilePaused(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.pauseMu.Lock()
		r.resumed.Broadcast()
		r.pauseMu.Unlock()
	})
	defer stop()

	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	for r.paused {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.resumed.Wait()
	}
	return ctx.Err()
}

func (r *handlerRuntime) setPaused(paused bool) {
	r.pauseMu.Lock()
	r.paused = paused
	if !paused {
		r.resumed.Broadcast()
	}
	r.pauseMu.Unlock()
}

// EventBus fans out published envelopes to independently-queued handlers.
// One handler's overflow or slowness never blocks another: every handler
// owns a bounded queue drained by its own pool of workers. Shutdown cancels
// workers without draining — under overload, drops are intentional.
type EventBus struct {
	name   string
	logger commons.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]*handlerRuntime
	workers  sync.WaitGroup
}

// NewEventBus creates a named bus. Handlers registered afterwards run until
// Shutdown is called.
func NewEventBus(name string, logger commons.Logger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		name:     name,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]*handlerRuntime),
	}
}

// Name returns the bus name (used in logs only).
func (b *EventBus) Name() string { return b.name }

// RegisterHandler adds a handler with its own queue and worker pool.
func (b *EventBus) RegisterHandler(config HandlerConfig, handler HandlerFunc) error {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.QueueMax < 1 {
		config.QueueMax = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[config.Name]; exists {
		return fmt.Errorf("handler %s already registered on bus %s", config.Name, b.name)
	}

	runtime := &handlerRuntime{
		config:  config,
		handler: handler,
		queue:   internal_queue.NewBoundedQueue[interface{}](config.QueueMax, config.OverflowPolicy),
	}
	runtime.resumed = sync.NewCond(&runtime.pauseMu)
	b.handlers[config.Name] = runtime

	for i := 0; i < config.Concurrency; i++ {
		b.workers.Add(1)
		go b.worker(runtime)
	}

	b.logger.Infow("registered bus handler",
		"bus", b.name, "handler", config.Name, "concurrency", config.Concurrency)
	return nil
}

// Publish offers the envelope to every registered handler independently.
// It never blocks: a full handler queue applies its overflow policy and the
// loss is logged with the handler name, depth, and policy.
func (b *EventBus) Publish(envelope interface{}) {
	b.mu.Lock()
	runtimes := make([]*handlerRuntime, 0, len(b.handlers))
	for _, runtime := range b.handlers {
		runtimes = append(runtimes, runtime)
	}
	b.mu.Unlock()

	for _, runtime := range runtimes {
		if accepted := runtime.queue.Put(envelope); !accepted {
			b.logger.Warnw("handler queue overflow",
				"bus", b.name,
				"handler", runtime.config.Name,
				"depth", runtime.queue.Len(),
				"policy", string(runtime.config.OverflowPolicy))
		}
	}
}

func (b *EventBus) worker(runtime *handlerRuntime) {
	defer b.workers.Done()
	for {
		if err := runtime.waitWhilePaused(b.ctx); err != nil {
			return
		}
		envelope, err := runtime.queue.Get(b.ctx)
		if err != nil {
			return
		}
		b.safeHandle(runtime, envelope)
	}
}

// safeHandle runs one envelope through the handler. Errors and panics are
// logged and swallowed; they never stop dispatch.
func (b *EventBus) safeHandle(runtime *handlerRuntime, envelope interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("handler panicked while processing envelope",
				"bus", b.name, "handler", runtime.config.Name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := runtime.handler(b.ctx, envelope); err != nil {
		b.logger.Errorw("handler failed while processing envelope",
			"bus", b.name, "handler", runtime.config.Name, "error", err.Error())
	}
}

// Pause stops dispatch to the handler. Its queue keeps accepting envelopes,
// still subject to the overflow policy.
func (b *EventBus) Pause(handlerName string) error {
	runtime, err := b.runtime(handlerName)
	if err != nil {
		return err
	}
	runtime.setPaused(true)
	b.logger.Infow("paused bus handler", "bus", b.name, "handler", handlerName)
	return nil
}

// Resume releases a paused handler.
func (b *EventBus) Resume(handlerName string) error {
	runtime, err := b.runtime(handlerName)
	if err != nil {
		return err
	}
	runtime.setPaused(false)
	b.logger.Infow("resumed bus handler", "bus", b.name, "handler", handlerName)
	return nil
}

// Clear discards all queued envelopes for one handler and returns the count.
func (b *EventBus) Clear(handlerName string) (int, error) {
	runtime, err := b.runtime(handlerName)
	if err != nil {
		return 0, err
	}
	removed := runtime.queue.Clear()
	b.logger.Infow("cleared bus handler queue",
		"bus", b.name, "handler", handlerName, "removed", removed)
	return removed, nil
}

// ClearAll discards queued envelopes on every handler, keyed by name.
func (b *EventBus) ClearAll() map[string]int {
	b.mu.Lock()
	runtimes := make(map[string]*handlerRuntime, len(b.handlers))
	for name, runtime := range b.handlers {
		runtimes[name] = runtime
	}
	b.mu.Unlock()

	removed := make(map[string]int, len(runtimes))
	for name, runtime := range runtimes {
		removed[name] = runtime.queue.Clear()
	}
	return removed
}

// Depth reports the current queue depth for one handler.
func (b *EventBus) Depth(handlerName string) (int, error) {
	runtime, err := b.runtime(handlerName)
	if err != nil {
		return 0, err
	}
	return runtime.queue.Len(), nil
}

// Shutdown cancels all workers and waits for them to unwind. Queued
// envelopes are abandoned by design.
func (b *EventBus) Shutdown() {
	b.cancel()

	// Unpause everything so workers parked on the pause gate observe the
	// context cancellation.
	b.mu.Lock()
	for _, runtime := range b.handlers {
		runtime.setPaused(false)
	}
	b.mu.Unlock()

	b.workers.Wait()
	b.logger.Infow("event bus shutdown complete", "bus", b.name)
}

func (b *EventBus) runtime(handlerName string) (*handlerRuntime, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	runtime, ok := b.handlers[handlerName]
	if !ok {
		return nil, fmt.Errorf("handler %s not registered on bus %s", handlerName, b.name)
	}
	return runtime, nil
}
