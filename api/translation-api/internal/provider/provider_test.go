// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

type providerEventSink struct {
	mu     sync.Mutex
	events []*internal_type.ProviderOutputEvent
}

func (s *providerEventSink) handler(ctx context.Context, envelope interface{}) error {
	event, ok := envelope.(*internal_type.ProviderOutputEvent)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *providerEventSink) snapshot() []*internal_type.ProviderOutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*internal_type.ProviderOutputEvent(nil), s.events...)
}

func newBusPair(t *testing.T) (*internal_bus.EventBus, *internal_bus.EventBus, *providerEventSink) {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLevel("error"))
	require.NoError(t, err)

	outbound := internal_bus.NewEventBus("prov_out", logger)
	inbound := internal_bus.NewEventBus("prov_in", logger)
	t.Cleanup(outbound.Shutdown)
	t.Cleanup(inbound.Shutdown)

	sink := &providerEventSink{}
	require.NoError(t, inbound.RegisterHandler(
		internal_bus.HandlerConfig{Name: "sink", QueueMax: 100, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1},
		sink.handler))
	return outbound, inbound, sink
}

func waitForEvents(t *testing.T, sink *providerEventSink, want int) []*internal_type.ProviderOutputEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if events := sink.snapshot(); len(events) >= want {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d provider events, got %d", want, len(sink.snapshot()))
	return nil
}

func testProviderLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLevel("error"))
	require.NoError(t, err)
	return logger
}

// Every commit produces exactly one terminal transcript event.
func TestMockProvider_PartialThenFinal(t *testing.T) {
	outbound, inbound, sink := newBusPair(t)
	logger := testProviderLogger(t)

	provider := NewMockProvider(logger, Options{MockDelay: 10 * time.Millisecond}, outbound, inbound)
	require.NoError(t, provider.Start(context.Background()))
	t.Cleanup(func() { _ = provider.Close() })

	outbound.Publish(&internal_type.ProviderInputEvent{
		CommitID:      "0123456789abcdef",
		SessionID:     "s1",
		ParticipantID: "p1",
		AudioB64:      "AAAA",
	})

	events := waitForEvents(t, sink, 2)
	assert.Equal(t, internal_type.ProviderEventTranscriptDelta, events[0].EventType)
	assert.Equal(t, internal_type.ProviderEventTranscriptDone, events[1].EventType)
	assert.True(t, events[1].Payload.Final)
	assert.Equal(t, "0123456789abcdef", events[1].CommitID)
	assert.Equal(t, NameMock, events[1].Provider)

	terminal := 0
	for _, event := range events {
		if event.EventType == internal_type.ProviderEventTranscriptDone {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal transcript event per commit")
}

func TestMockProvider_Health(t *testing.T) {
	outbound, inbound, _ := newBusPair(t)
	provider := NewMockProvider(testProviderLogger(t), Options{}, outbound, inbound)

	assert.Equal(t, "ok", provider.Health())
	require.NoError(t, provider.Close())
	assert.Equal(t, "degraded", provider.Health())
}

func TestMockProvider_StartAfterClose(t *testing.T) {
	outbound, inbound, _ := newBusPair(t)
	provider := NewMockProvider(testProviderLogger(t), Options{}, outbound, inbound)
	require.NoError(t, provider.Close())
	assert.Error(t, provider.Start(context.Background()))
}

func TestCreateProvider_Fallback(t *testing.T) {
	outbound, inbound, _ := newBusPair(t)
	logger := testProviderLogger(t)

	provider := CreateProvider(logger, "no-such-provider", Options{}, outbound, inbound, internal_type.NewSessionMetadata())
	assert.Equal(t, NameMock, provider.Name())

	outbound2 := internal_bus.NewEventBus("o2", logger)
	inbound2 := internal_bus.NewEventBus("i2", logger)
	t.Cleanup(outbound2.Shutdown)
	t.Cleanup(inbound2.Shutdown)
	voicelive := CreateProvider(logger, NameVoiceLive, Options{}, outbound2, inbound2, internal_type.NewSessionMetadata())
	assert.Equal(t, NameVoiceLive, voicelive.Name())
}

// ============================================================================
// VoiceLive inbound dispatch
// ============================================================================

func newInboundHandler(t *testing.T) (*voiceLiveInboundHandler, *providerEventSink) {
	t.Helper()
	logger := testProviderLogger(t)
	inbound := internal_bus.NewEventBus("vl_in", logger)
	t.Cleanup(inbound.Shutdown)

	sink := &providerEventSink{}
	require.NoError(t, inbound.RegisterHandler(
		internal_bus.HandlerConfig{Name: "sink", QueueMax: 100, OverflowPolicy: internal_queue.DropOldest, Concurrency: 1},
		sink.handler))
	return newVoiceLiveInboundHandler(logger, inbound), sink
}

func TestVoiceLiveInbound_TextDeltaAndDone(t *testing.T) {
	handler, sink := newInboundHandler(t)

	handler.handle(map[string]interface{}{
		"type": "response.output_text.delta", "commit_id": "c1", "session_id": "s1", "delta": "ho",
	})
	handler.handle(map[string]interface{}{
		"type": "response.output_text.delta", "commit_id": "c1", "session_id": "s1", "delta": "la",
	})
	handler.handle(map[string]interface{}{
		"type": "response.output_text.done", "commit_id": "c1", "session_id": "s1",
	})

	events := waitForEvents(t, sink, 3)
	assert.Equal(t, internal_type.ProviderEventTranscriptDelta, events[0].EventType)
	assert.Equal(t, "ho", events[0].Payload.Text)
	assert.Equal(t, internal_type.ProviderEventTranscriptDone, events[2].EventType)
	assert.Equal(t, "hola", events[2].Payload.Text, "done must carry the accumulated deltas")
}

func TestVoiceLiveInbound_AudioDeltaAndDone(t *testing.T) {
	handler, sink := newInboundHandler(t)

	handler.handle(map[string]interface{}{
		"type": "response.audio.delta", "commit_id": "c1", "session_id": "s1", "delta": "QUJD",
	})
	handler.handle(map[string]interface{}{
		"type": "response.audio.done", "commit_id": "c1", "session_id": "s1",
	})

	events := waitForEvents(t, sink, 2)
	assert.Equal(t, internal_type.ProviderEventAudioDelta, events[0].EventType)
	assert.Equal(t, "QUJD", events[0].Payload.AudioB64)
	assert.Equal(t, internal_type.ProviderEventAudioDone, events[1].EventType)
	assert.Equal(t, internal_type.DoneReasonCompleted, events[1].Payload.Reason)
}

func TestVoiceLiveInbound_ResponseCompletedFlushesBuffers(t *testing.T) {
	handler, sink := newInboundHandler(t)

	handler.handle(map[string]interface{}{
		"type": "response.audio_transcript.delta", "commit_id": "c2", "session_id": "s1", "delta": "adios",
	})
	handler.handle(map[string]interface{}{
		"type": "response.completed", "response": map[string]interface{}{"commit_id": "c2", "session_id": "s1"},
	})

	events := waitForEvents(t, sink, 2)
	assert.Equal(t, internal_type.ProviderEventTranscriptDone, events[1].EventType)
	assert.Equal(t, "adios", events[1].Payload.Text)
}

func TestVoiceLiveInbound_ErrorEvent(t *testing.T) {
	handler, sink := newInboundHandler(t)

	handler.handle(map[string]interface{}{
		"type": "error", "commit_id": "c3", "session_id": "s1",
		"error": map[string]interface{}{"message": "quota exceeded"},
	})

	events := waitForEvents(t, sink, 1)
	assert.Equal(t, internal_type.ProviderEventError, events[0].EventType)
	assert.Equal(t, "quota exceeded", events[0].Payload.Error)
}

func TestVoiceLiveInbound_UnknownTypeIgnored(t *testing.T) {
	handler, sink := newInboundHandler(t)

	handler.handle(map[string]interface{}{"type": "session.created"})
	handler.handle(map[string]interface{}{"type": "input_audio_buffer.committed"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestVoiceLiveInbound_StreamFailure(t *testing.T) {
	handler, sink := newInboundHandler(t)

	handler.publishStreamFailure(errors.New("connection reset"))

	events := waitForEvents(t, sink, 1)
	assert.Equal(t, internal_type.ProviderEventError, events[0].EventType)
	assert.Equal(t, "connection reset", events[0].Payload.Error)
}
