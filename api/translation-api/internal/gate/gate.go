// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_gate

import (
	"context"
	"strings"
	"sync"

	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	internal_voicestate "github.com/rapidaai/translation-gateway/api/translation-api/internal/voicestate"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// Mode selects the gate's behavior while the local participant is speaking.
type Mode string

const (
	// PlayThrough forwards everything unchanged.
	PlayThrough Mode = "play_through"
	// PauseAndBuffer holds audio in a byte-capped FIFO and drains it once
	// the participant goes silent.
	PauseAndBuffer Mode = "pause_and_buffer"
	// PauseAndDrop discards audio payloads outright.
	PauseAndDrop Mode = "pause_and_drop"
)

// ParseMode maps a config string to a Mode, defaulting to PlayThrough.
func ParseMode(value string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case PauseAndBuffer:
		return PauseAndBuffer
	case PauseAndDrop:
		return PauseAndDrop
	default:
		return PlayThrough
	}
}

// DefaultBufferLimitBytes caps the pause_and_buffer FIFO.
const DefaultBufferLimitBytes = 5 * 1024 * 1024

// SendFunc delivers one payload to the downstream socket.
type SendFunc func(payload *internal_type.OutboundPayload) error

// OutboundAudioGate is the choke point between the normalized provider
// stream and the downstream socket. Audio payloads are throttled according
// to the mode while the participant's input state is SPEAKING; non-audio
// payloads (control, transcripts) always pass.
type OutboundAudioGate struct {
	logger     commons.Logger
	send       SendFunc
	inputState *internal_voicestate.InputState
	mode       Mode
	sessionID  string

	mu          sync.Mutex
	buffer      []*internal_type.OutboundPayload
	bufferBytes int
	bufferLimit int
}

// NewOutboundAudioGate creates a gate and subscribes it to input state
// transitions so buffered audio drains on SPEAKING→SILENCE.
func NewOutboundAudioGate(
	logger commons.Logger,
	send SendFunc,
	inputState *internal_voicestate.InputState,
	mode Mode,
	sessionID string,
	bufferLimitBytes int,
) *OutboundAudioGate {
	if bufferLimitBytes <= 0 {
		bufferLimitBytes = DefaultBufferLimitBytes
	}
	gate := &OutboundAudioGate{
		logger:      logger,
		send:        send,
		inputState:  inputState,
		mode:        mode,
		sessionID:   sessionID,
		bufferLimit: bufferLimitBytes,
	}
	if inputState != nil {
		inputState.AddListener(gate.onInputStateChanged)
	}
	return gate
}

// Handle implements the bus HandlerFunc contract for the outbound bus.
func (g *OutboundAudioGate) Handle(ctx context.Context, envelope interface{}) error {
	payload, ok := envelope.(*internal_type.OutboundPayload)
	if !ok {
		// Bare wire messages pass through unwrapped.
		payload = &internal_type.OutboundPayload{Message: envelope}
	}

	if !internal_protocol.IsAudioPayload(payload.Message) {
		return g.send(payload)
	}

	if g.mode == PlayThrough {
		return g.send(payload)
	}

	if g.inputState != nil && g.inputState.IsSpeaking() {
		if g.mode == PauseAndDrop {
			g.logger.Infow("outbound gate drop", "session", g.sessionID)
			return nil
		}
		g.bufferPayload(payload)
		return nil
	}

	g.flushBuffer()
	return g.send(payload)
}

func (g *OutboundAudioGate) onInputStateChanged(speaking bool) {
	if !speaking && g.mode == PauseAndBuffer {
		g.flushBuffer()
	}
}

func (g *OutboundAudioGate) bufferPayload(payload *internal_type.OutboundPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.buffer = append(g.buffer, payload)
	g.bufferBytes += internal_protocol.AudioPayloadSize(payload.Message)

	for g.bufferLimit > 0 && g.bufferBytes > g.bufferLimit && len(g.buffer) > 0 {
		dropped := g.buffer[0]
		g.buffer = g.buffer[1:]
		g.bufferBytes -= internal_protocol.AudioPayloadSize(dropped.Message)
		g.logger.Infow("outbound gate buffer overflow",
			"session", g.sessionID,
			"buffer_bytes", g.bufferBytes,
			"limit", g.bufferLimit)
	}
}

func (g *OutboundAudioGate) flushBuffer() {
	g.mu.Lock()
	pending := g.buffer
	g.buffer = nil
	g.bufferBytes = 0
	g.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	g.logger.Infow("outbound gate flush", "session", g.sessionID, "buffered_frames", len(pending))
	for _, payload := range pending {
		if err := g.send(payload); err != nil {
			g.logger.Warnf("failed to send buffered payload: %v", err)
		}
	}
}

// BufferedFrames reports the current FIFO depth (diagnostics and tests).
func (g *OutboundAudioGate) BufferedFrames() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buffer)
}
