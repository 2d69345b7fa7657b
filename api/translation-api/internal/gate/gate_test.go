// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_gate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	internal_voicestate "github.com/rapidaai/translation-gateway/api/translation-api/internal/voicestate"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

type sentCollector struct {
	mu   sync.Mutex
	sent []*internal_type.OutboundPayload
}

func (c *sentCollector) send(payload *internal_type.OutboundPayload) error {
	c.mu.Lock()
	c.sent = append(c.sent, payload)
	c.mu.Unlock()
	return nil
}

func (c *sentCollector) snapshot() []*internal_type.OutboundPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*internal_type.OutboundPayload(nil), c.sent...)
}

func newTestGate(t *testing.T, mode Mode, bufferLimit int) (*OutboundAudioGate, *sentCollector, *internal_voicestate.InputState) {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLevel("error"))
	require.NoError(t, err)

	collector := &sentCollector{}
	state := internal_voicestate.NewInputState(logger)
	gate := NewOutboundAudioGate(logger, collector.send, state, mode, "session-1", bufferLimit)
	return gate, collector, state
}

func audioPayload(seq int, pcm []byte) *internal_type.OutboundPayload {
	return &internal_type.OutboundPayload{
		Seq:     seq,
		Message: internal_protocol.NewAudioDataMessage("p", pcm, 0, false),
	}
}

func transcriptPayload(text string) *internal_type.OutboundPayload {
	return &internal_type.OutboundPayload{
		Message: &internal_protocol.TranscriptMessage{Type: internal_protocol.TypeTranscript, Text: text},
	}
}

func TestPlayThrough_ForwardsEverything(t *testing.T) {
	gate, collector, state := newTestGate(t, PlayThrough, 0)
	state.OnVoiceDetected(1000, 0)

	ctx := context.Background()
	require.NoError(t, gate.Handle(ctx, audioPayload(1, []byte{0, 1})))
	require.NoError(t, gate.Handle(ctx, transcriptPayload("hola")))

	assert.Len(t, collector.snapshot(), 2)
}

// While SPEAKING in pause_and_drop mode, zero audio payloads reach the
// socket; non-audio traffic always passes.
func TestPauseAndDrop_WhileSpeaking(t *testing.T) {
	gate, collector, state := newTestGate(t, PauseAndDrop, 0)
	state.OnVoiceDetected(1000, 0)

	ctx := context.Background()
	require.NoError(t, gate.Handle(ctx, audioPayload(1, []byte{0, 1})))
	require.NoError(t, gate.Handle(ctx, audioPayload(2, []byte{2, 3})))
	require.NoError(t, gate.Handle(ctx, audioPayload(3, []byte{4, 5})))
	require.NoError(t, gate.Handle(ctx, transcriptPayload("only this")))

	sent := collector.snapshot()
	require.Len(t, sent, 1)
	transcript, ok := sent[0].Message.(*internal_protocol.TranscriptMessage)
	require.True(t, ok)
	assert.Equal(t, "only this", transcript.Text)
}

func TestPauseAndDrop_WhileSilent(t *testing.T) {
	gate, collector, _ := newTestGate(t, PauseAndDrop, 0)

	require.NoError(t, gate.Handle(context.Background(), audioPayload(1, []byte{0, 1})))
	assert.Len(t, collector.snapshot(), 1)
}

// Buffered payloads drain in FIFO order on the SPEAKING→SILENCE transition.
func TestPauseAndBuffer_DrainsOnSilence(t *testing.T) {
	gate, collector, state := newTestGate(t, PauseAndBuffer, 0)
	state.OnVoiceDetected(1000, 0)

	ctx := context.Background()
	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, gate.Handle(ctx, audioPayload(seq, []byte{byte(seq)})))
	}
	assert.Empty(t, collector.snapshot(), "audio held while speaking")
	assert.Equal(t, 3, gate.BufferedFrames())

	state.OnSilenceDetected(5000, 100)

	sent := collector.snapshot()
	require.Len(t, sent, 3)
	for i, payload := range sent {
		assert.Equal(t, i+1, payload.Seq, "drain must preserve FIFO order")
	}
	assert.Equal(t, 0, gate.BufferedFrames())
}

func TestPauseAndBuffer_NonAudioPassesWhileSpeaking(t *testing.T) {
	gate, collector, state := newTestGate(t, PauseAndBuffer, 0)
	state.OnVoiceDetected(1000, 0)

	require.NoError(t, gate.Handle(context.Background(), transcriptPayload("passes")))
	assert.Len(t, collector.snapshot(), 1)
}

func TestPauseAndBuffer_OverflowDropsOldest(t *testing.T) {
	// Each frame's base64 payload is 4 chars for 2 PCM bytes; cap at 10
	// bytes so the third frame forces a drop of the first.
	gate, collector, state := newTestGate(t, PauseAndBuffer, 10)
	state.OnVoiceDetected(1000, 0)

	ctx := context.Background()
	require.NoError(t, gate.Handle(ctx, audioPayload(1, []byte{1, 1})))
	require.NoError(t, gate.Handle(ctx, audioPayload(2, []byte{2, 2})))
	require.NoError(t, gate.Handle(ctx, audioPayload(3, []byte{3, 3})))

	assert.Equal(t, 2, gate.BufferedFrames())

	state.OnSilenceDetected(5000, 100)
	sent := collector.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, 2, sent[0].Seq, "oldest frame must have been dropped")
	assert.Equal(t, 3, sent[1].Seq)
}

func TestUnwrappedMessagePassesGate(t *testing.T) {
	gate, collector, _ := newTestGate(t, PauseAndDrop, 0)

	// Raw wire messages published without an OutboundPayload wrapper are
	// classified all the same.
	require.NoError(t, gate.Handle(context.Background(), &internal_protocol.ErrorMessage{Type: "error", Message: "x"}))
	assert.Len(t, collector.snapshot(), 1)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, PlayThrough, ParseMode(""))
	assert.Equal(t, PlayThrough, ParseMode("bogus"))
	assert.Equal(t, PauseAndBuffer, ParseMode("pause_and_buffer"))
	assert.Equal(t, PauseAndDrop, ParseMode(" Pause_And_Drop "))
}
