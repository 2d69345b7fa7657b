// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_normalizer

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/translation-gateway/api/translation-api/internal/audio"
	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// ProviderResultHandler consumes normalized provider output events from the
// provider-inbound bus and emits wire-ready payloads on the outbound bus:
// audio re-chunked to the negotiated frame size with monotonic sequence
// numbers, buffered transcripts, stop controls, and terminal done events.
type ProviderResultHandler struct {
	logger       commons.Logger
	outboundBus  *internal_bus.EventBus
	metadata     *internal_type.SessionMetadata
	sessionStart time.Time

	mu                sync.Mutex
	audioBuffers      map[string][]byte
	outgoingSeq       map[string]int
	transcriptBuffers map[string]string
}

// NewProviderResultHandler builds the normalizer for one session.
func NewProviderResultHandler(
	logger commons.Logger,
	outboundBus *internal_bus.EventBus,
	metadata *internal_type.SessionMetadata,
	sessionStart time.Time,
) *ProviderResultHandler {
	return &ProviderResultHandler{
		logger:            logger,
		outboundBus:       outboundBus,
		metadata:          metadata,
		sessionStart:      sessionStart,
		audioBuffers:      make(map[string][]byte),
		outgoingSeq:       make(map[string]int),
		transcriptBuffers: make(map[string]string),
	}
}

// Handle implements the bus HandlerFunc contract for the provider-inbound bus.
func (h *ProviderResultHandler) Handle(ctx context.Context, envelope interface{}) error {
	event, ok := envelope.(*internal_type.ProviderOutputEvent)
	if !ok {
		h.logger.Warnf("unsupported provider result payload: %T", envelope)
		return nil
	}

	switch event.EventType {
	case internal_type.ProviderEventAudioDelta:
		h.handleAudioDelta(event)
	case internal_type.ProviderEventAudioDone:
		h.handleAudioDone(event)
	case internal_type.ProviderEventControl:
		h.handleControl(event)
	case internal_type.ProviderEventTranscriptDelta, internal_type.ProviderEventTranscriptDone:
		h.handleTranscript(event)
	case internal_type.ProviderEventError:
		h.handleError(event)
	default:
		h.logger.Debugf("ignoring unsupported provider output event: %s", event.EventType)
	}
	return nil
}

// ============================================================================
// Audio
// ============================================================================

func (h *ProviderResultHandler) handleAudioDelta(event *internal_type.ProviderOutputEvent) {
	if event.Payload.AudioB64 == "" {
		h.logger.Debugf("audio delta without payload for commit=%s", event.CommitID)
		return
	}

	key := h.bufferKey(event)
	audioBytes, err := base64.StdEncoding.DecodeString(event.Payload.AudioB64)
	if err != nil {
		h.logger.Errorf("failed to decode audio for stream %s: %v", key, err)
		h.publishAudioDone(event, internal_type.DoneReasonError, fmt.Sprintf("invalid audio payload: %v", err))
		return
	}

	h.mu.Lock()
	h.audioBuffers[key] = append(h.audioBuffers[key], audioBytes...)
	h.mu.Unlock()

	h.flushFrames(event, key, false)
}

func (h *ProviderResultHandler) handleAudioDone(event *internal_type.ProviderOutputEvent) {
	key := h.bufferKey(event)
	h.flushFrames(event, key, true)

	reason := event.Payload.Reason
	if reason == "" {
		reason = internal_type.DoneReasonCompleted
	}
	h.publishAudioDone(event, reason, event.Payload.Error)

	h.resetStream(key)
}

func (h *ProviderResultHandler) handleControl(event *internal_type.ProviderOutputEvent) {
	if event.Payload.Action != "stop_audio" {
		h.logger.Debugf("control event ignored (action=%s)", event.Payload.Action)
		return
	}

	key := h.bufferKey(event)
	h.resetStream(key)

	h.outboundBus.Publish(&internal_type.OutboundPayload{
		StreamKey: key,
		Message: &internal_protocol.StopAudioMessage{
			Type:          internal_protocol.TypeStopAudio,
			SessionID:     event.SessionID,
			ParticipantID: event.ParticipantID,
			CommitID:      event.CommitID,
			StreamID:      event.StreamID,
			Provider:      event.Provider,
			Detail:        event.Payload.Detail,
		},
	})
	h.logger.Infof("published stop_audio control for %s", key)
}

func (h *ProviderResultHandler) handleError(event *internal_type.ProviderOutputEvent) {
	key := h.bufferKey(event)
	errText := event.Payload.Error
	if errText == "" {
		errText = event.Payload.Text
	}
	h.publishAudioDone(event, internal_type.DoneReasonError, errText)
	h.resetStream(key)
}

// flushFrames emits whole frames while the stream buffer holds at least
// frame_bytes; drain additionally flushes the residual partial frame.
func (h *ProviderResultHandler) flushFrames(event *internal_type.ProviderOutputEvent, key string, drain bool) {
	frameBytes := h.frameBytes(event)

	for {
		h.mu.Lock()
		buffer := h.audioBuffers[key]
		take := 0
		if len(buffer) >= frameBytes {
			take = frameBytes
		} else if drain && len(buffer) > 0 {
			take = len(buffer)
		}
		if take == 0 {
			h.mu.Unlock()
			return
		}
		frame := buffer[:take]
		h.audioBuffers[key] = buffer[take:]
		h.outgoingSeq[key]++
		seq := h.outgoingSeq[key]
		h.mu.Unlock()

		msg := internal_protocol.NewAudioDataMessage(
			internal_protocol.TranslationServiceParticipant, frame, 0, false)
		msg.AudioData.PlayToParticipant = event.ParticipantID

		h.outboundBus.Publish(&internal_type.OutboundPayload{
			Seq:       seq,
			StreamKey: key,
			Message:   msg,
		})
	}
}

func (h *ProviderResultHandler) publishAudioDone(event *internal_type.ProviderOutputEvent, reason, errText string) {
	h.outboundBus.Publish(&internal_type.OutboundPayload{
		StreamKey: h.bufferKey(event),
		Message: &internal_protocol.AudioDoneMessage{
			Type:          internal_protocol.TypeAudioDone,
			SessionID:     event.SessionID,
			ParticipantID: event.ParticipantID,
			CommitID:      event.CommitID,
			StreamID:      event.StreamID,
			Provider:      event.Provider,
			Reason:        reason,
			Error:         errText,
		},
	})
}

// ============================================================================
// Transcripts
// ============================================================================

func (h *ProviderResultHandler) handleTranscript(event *internal_type.ProviderOutputEvent) {
	text := event.Payload.Text
	final := event.Payload.Final || event.EventType == internal_type.ProviderEventTranscriptDone

	key := h.transcriptKey(event)

	if !final {
		if text == "" {
			h.logger.Debugf("transcript delta without text for commit=%s", event.CommitID)
			return
		}
		h.mu.Lock()
		h.transcriptBuffers[key] += text
		h.mu.Unlock()

		h.outboundBus.Publish(&internal_type.OutboundPayload{
			StreamKey: key,
			Message: &internal_protocol.TextDeltaMessage{
				Type:           internal_protocol.TypeTestResponseDelta,
				ParticipantID:  h.participantOrUnknown(event),
				SourceLanguage: event.Payload.SourceLanguage,
				TargetLanguage: event.Payload.TargetLanguage,
				Delta:          text,
				TimestampMs:    h.timestampMs(event),
			},
		})
		return
	}

	// Final: prefer the provider's consolidated text, falling back to the
	// accumulated deltas.
	h.mu.Lock()
	accumulated := h.transcriptBuffers[key]
	delete(h.transcriptBuffers, key)
	h.mu.Unlock()

	finalText := text
	if finalText == "" {
		finalText = accumulated
	}
	if finalText == "" {
		h.logger.Debugf("transcript done without content for commit=%s", event.CommitID)
		return
	}

	h.outboundBus.Publish(&internal_type.OutboundPayload{
		StreamKey: key,
		Message: &internal_protocol.TranscriptMessage{
			Type:           internal_protocol.TypeTranscript,
			ParticipantID:  h.participantOrUnknown(event),
			SourceLanguage: event.Payload.SourceLanguage,
			TargetLanguage: event.Payload.TargetLanguage,
			Text:           finalText,
			TimestampMs:    h.timestampMs(event),
		},
	})
}

// ============================================================================
// Helpers
// ============================================================================

func (h *ProviderResultHandler) resetStream(key string) {
	h.mu.Lock()
	delete(h.audioBuffers, key)
	delete(h.outgoingSeq, key)
	h.mu.Unlock()
}

// ResetAll clears every stream buffer and sequence counter (barge-in path).
func (h *ProviderResultHandler) ResetAll() {
	h.mu.Lock()
	h.audioBuffers = make(map[string][]byte)
	h.outgoingSeq = make(map[string]int)
	h.mu.Unlock()
}

func (h *ProviderResultHandler) frameBytes(event *internal_type.ProviderOutputEvent) int {
	if format, ok := h.metadata.Format(); ok && format.FrameBytes > 0 {
		return format.FrameBytes
	}
	sampleRate, channels := 0, 0
	if event.Payload.Format != nil {
		sampleRate = event.Payload.Format.SampleRateHz
		channels = event.Payload.Format.Channels
	}
	return internal_audio.FrameBytes(sampleRate, channels)
}

// bufferKey identifies one audio stream: session, participant, and the
// stream id (falling back to the commit id).
func (h *ProviderResultHandler) bufferKey(event *internal_type.ProviderOutputEvent) string {
	participant := event.ParticipantID
	if participant == "" {
		participant = "unknown"
	}
	stream := event.StreamID
	if stream == "" {
		stream = event.CommitID
	}
	if stream == "" {
		stream = "stream"
	}
	return fmt.Sprintf("%s:%s:%s", event.SessionID, participant, stream)
}

// transcriptKey buffers deltas per participant, falling back to the
// language pair.
func (h *ProviderResultHandler) transcriptKey(event *internal_type.ProviderOutputEvent) string {
	if event.ParticipantID != "" {
		return event.ParticipantID
	}
	if event.Payload.SourceLanguage != "" || event.Payload.TargetLanguage != "" {
		return fmt.Sprintf("%s->%s", event.Payload.SourceLanguage, event.Payload.TargetLanguage)
	}
	return "default"
}

func (h *ProviderResultHandler) participantOrUnknown(event *internal_type.ProviderOutputEvent) string {
	if event.ParticipantID == "" {
		return "unknown"
	}
	return event.ParticipantID
}

func (h *ProviderResultHandler) timestampMs(event *internal_type.ProviderOutputEvent) int64 {
	if event.TimestampMs != 0 {
		return internal_protocol.NormalizeTimestampMs(event.TimestampMs, h.sessionStart)
	}
	return internal_protocol.NowMs()
}
