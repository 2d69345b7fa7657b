// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"strings"
	"sync"

	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// voiceLiveInboundHandler dispatches VoiceLive messages to type-specific
// handlers and publishes normalized events on the provider-inbound bus.
// Text and transcript deltas are buffered per commit so a final event can
// carry the accumulated translation when the provider sends none.
type voiceLiveInboundHandler struct {
	logger     commons.Logger
	inboundBus *internal_bus.EventBus

	mu                sync.Mutex
	textBuffers       map[string][]string
	transcriptBuffers map[string][]string
	handlers          map[string]func(frame map[string]interface{})
}

func newVoiceLiveInboundHandler(logger commons.Logger, inboundBus *internal_bus.EventBus) *voiceLiveInboundHandler {
	h := &voiceLiveInboundHandler{
		logger:            logger,
		inboundBus:        inboundBus,
		textBuffers:       make(map[string][]string),
		transcriptBuffers: make(map[string][]string),
	}
	h.handlers = map[string]func(frame map[string]interface{}){
		"response.output_text.delta":      func(f map[string]interface{}) { h.textDelta(f, h.textBuffers) },
		"response.output_text.done":       func(f map[string]interface{}) { h.textDone(f, h.textBuffers) },
		"response.audio_transcript.delta": func(f map[string]interface{}) { h.textDelta(f, h.transcriptBuffers) },
		"response.audio_transcript.done":  func(f map[string]interface{}) { h.textDone(f, h.transcriptBuffers) },
		"response.completed":              h.responseCompleted,
		"response.audio.delta":            h.audioDelta,
		"response.output_audio.delta":     h.audioDelta,
		"response.audio.done":             h.audioDone,
		"response.output_audio.done":      h.audioDone,
		"response.error":                  h.responseError,
		"error":                           h.responseError,
	}
	return h
}

// handle dispatches one frame; unmapped types are logged at debug and
// dropped, never forwarded blindly.
func (h *voiceLiveInboundHandler) handle(frame map[string]interface{}) {
	msgType, _ := frame["type"].(string)
	if handler, ok := h.handlers[msgType]; ok {
		handler(frame)
		return
	}
	h.logger.Debugf("voicelive message type %q ignored", msgType)
}

// extractContext lifts the commit/session/participant identifiers out of a
// frame, falling back through the response metadata.
func (h *voiceLiveInboundHandler) extractContext(frame map[string]interface{}) (string, string, string) {
	response, _ := frame["response"].(map[string]interface{})

	lookup := func(key string) string {
		if v, ok := frame[key].(string); ok && v != "" {
			return v
		}
		if response != nil {
			if v, ok := response[key].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	commitID := lookup("commit_id")
	if commitID == "" {
		commitID = lookup("id")
	}
	if commitID == "" {
		commitID = "unknown"
	}
	sessionID := lookup("session_id")
	if sessionID == "" {
		sessionID = "unknown"
	}
	return commitID, sessionID, lookup("participant_id")
}

func (h *voiceLiveInboundHandler) textDelta(frame map[string]interface{}, buffers map[string][]string) {
	commitID, sessionID, participantID := h.extractContext(frame)
	delta, _ := frame["delta"].(string)
	if delta == "" {
		delta, _ = frame["text"].(string)
	}
	if delta == "" {
		delta, _ = frame["transcript"].(string)
	}
	if delta == "" {
		h.logger.Debugf("voicelive delta without content for commit=%s", commitID)
		return
	}

	h.mu.Lock()
	buffers[commitID] = append(buffers[commitID], delta)
	h.mu.Unlock()

	h.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      commitID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		EventType:     internal_type.ProviderEventTranscriptDelta,
		Provider:      NameVoiceLive,
		StreamID:      commitID,
		Payload:       internal_type.ProviderOutputPayload{Text: delta},
	})
}

func (h *voiceLiveInboundHandler) textDone(frame map[string]interface{}, buffers map[string][]string) {
	commitID, sessionID, participantID := h.extractContext(frame)

	h.mu.Lock()
	buffered := strings.Join(buffers[commitID], "")
	delete(buffers, commitID)
	h.mu.Unlock()

	finalText := buffered
	if finalText == "" {
		finalText, _ = frame["text"].(string)
	}
	if finalText == "" {
		finalText, _ = frame["transcript"].(string)
	}
	if finalText == "" {
		h.logger.Debugf("voicelive done without buffered content for commit=%s", commitID)
		return
	}

	h.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      commitID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		EventType:     internal_type.ProviderEventTranscriptDone,
		Provider:      NameVoiceLive,
		StreamID:      commitID,
		Payload:       internal_type.ProviderOutputPayload{Text: finalText, Final: true},
	})
}

// responseCompleted flushes whichever buffer still holds content for the
// commit when the provider marks the response complete.
func (h *voiceLiveInboundHandler) responseCompleted(frame map[string]interface{}) {
	commitID, sessionID, participantID := h.extractContext(frame)

	h.mu.Lock()
	buffered := strings.Join(h.textBuffers[commitID], "")
	if buffered == "" {
		buffered = strings.Join(h.transcriptBuffers[commitID], "")
	}
	delete(h.textBuffers, commitID)
	delete(h.transcriptBuffers, commitID)
	h.mu.Unlock()

	if buffered == "" {
		if text, _ := frame["text"].(string); text != "" {
			buffered = text
		}
	}
	if buffered == "" {
		h.logger.Debugf("voicelive response completed without translation payload for commit=%s", commitID)
		return
	}

	h.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      commitID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		EventType:     internal_type.ProviderEventTranscriptDone,
		Provider:      NameVoiceLive,
		StreamID:      commitID,
		Payload:       internal_type.ProviderOutputPayload{Text: buffered, Final: true},
	})
}

func (h *voiceLiveInboundHandler) audioDelta(frame map[string]interface{}) {
	commitID, sessionID, participantID := h.extractContext(frame)
	audioB64, _ := frame["delta"].(string)
	if audioB64 == "" {
		audioB64, _ = frame["audio"].(string)
	}
	if audioB64 == "" {
		h.logger.Debugf("voicelive audio delta without payload for commit=%s", commitID)
		return
	}

	h.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      commitID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		EventType:     internal_type.ProviderEventAudioDelta,
		Provider:      NameVoiceLive,
		StreamID:      commitID,
		Payload:       internal_type.ProviderOutputPayload{AudioB64: audioB64},
	})
}

func (h *voiceLiveInboundHandler) audioDone(frame map[string]interface{}) {
	commitID, sessionID, participantID := h.extractContext(frame)
	h.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      commitID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		EventType:     internal_type.ProviderEventAudioDone,
		Provider:      NameVoiceLive,
		StreamID:      commitID,
		Payload:       internal_type.ProviderOutputPayload{Reason: internal_type.DoneReasonCompleted},
	})
}

func (h *voiceLiveInboundHandler) responseError(frame map[string]interface{}) {
	commitID, sessionID, participantID := h.extractContext(frame)
	message, _ := frame["message"].(string)
	if message == "" {
		if errBlock, ok := frame["error"].(map[string]interface{}); ok {
			message, _ = errBlock["message"].(string)
		}
	}
	if message == "" {
		message = "provider error"
	}
	h.logger.Errorf("voicelive error message received: %s", message)

	h.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      commitID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		EventType:     internal_type.ProviderEventError,
		Provider:      NameVoiceLive,
		StreamID:      commitID,
		Payload:       internal_type.ProviderOutputPayload{Error: message},
	})
}

// publishStreamFailure surfaces a mid-stream socket failure as an error
// event so downstream streams terminate with audio.done{reason=error}.
func (h *voiceLiveInboundHandler) publishStreamFailure(err error) {
	h.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:  "unknown",
		SessionID: "unknown",
		EventType: internal_type.ProviderEventError,
		Provider:  NameVoiceLive,
		Payload:   internal_type.ProviderOutputPayload{Error: err.Error()},
	})
}
