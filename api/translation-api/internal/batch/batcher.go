// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_batch

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_audio "github.com/rapidaai/translation-gateway/api/translation-api/internal/audio"
	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	internal_voicestate "github.com/rapidaai/translation-gateway/api/translation-api/internal/voicestate"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// SilenceRMSThreshold marks a commit as silence when its RMS energy falls
// below this level.
const SilenceRMSThreshold = 50.0

// commitLogInterval controls the periodic commit-progress log line.
const commitLogInterval = 50

// Config holds the commit thresholds. A commit is sealed when ANY of byte
// count, duration, or idle time crosses its limit.
type Config struct {
	MaxBatchBytes      int
	MaxBatchMs         int
	IdleTimeoutMs      int
	VoiceHysteresisMs  int64
	SilenceThresholdMs int64
}

type audioKey struct {
	sessionID     string
	participantID string
}

// participantState tracks accumulation for a single participant.
type participantState struct {
	chunks                [][]byte
	accumulatedBytes      int
	accumulatedDurationMs float64
	lastMessageAt         time.Time
	idleTimer             *time.Timer

	// Context of the most recent chunk, carried onto the commit.
	sessionID     string
	participantID string
	timestampUTC  string
	messageID     string
}

// AudioMessageHandler consumes decoded AudioData events, buffers PCM per
// participant, and publishes sealed commits to the provider-outbound bus.
// Serialized per participant by the handler mutex.
type AudioMessageHandler struct {
	logger      commons.Logger
	outboundBus *internal_bus.EventBus
	config      Config
	metadata    *internal_type.SessionMetadata
	inputState  *internal_voicestate.InputState

	mu     sync.Mutex
	states map[audioKey]*participantState

	// Commit tracking for periodic logging.
	commitCount           int
	totalCommitBytes      int
	totalCommitDurationMs float64
}

// NewAudioMessageHandler wires a batcher onto the provider-outbound bus.
// inputState may be nil when no gate is attached.
func NewAudioMessageHandler(
	logger commons.Logger,
	outboundBus *internal_bus.EventBus,
	config Config,
	metadata *internal_type.SessionMetadata,
	inputState *internal_voicestate.InputState,
) *AudioMessageHandler {
	return &AudioMessageHandler{
		logger:      logger,
		outboundBus: outboundBus,
		config:      config,
		metadata:    metadata,
		inputState:  inputState,
		states:      make(map[audioKey]*participantState),
	}
}

// Name implements internal_type.MessageHandler.
func (h *AudioMessageHandler) Name() string { return "audio" }

// CanHandle accepts decoded AudioData events.
func (h *AudioMessageHandler) CanHandle(event *internal_type.GatewayInputEvent) bool {
	return event.EventType == internal_type.EventAudioData
}

// Handle appends one audio chunk, seals a commit when a threshold is hit,
// and otherwise (re)arms the idle timer.
func (h *AudioMessageHandler) Handle(ctx context.Context, event *internal_type.GatewayInputEvent) error {
	msg, ok := event.Payload.(*internal_protocol.AudioDataMessage)
	if !ok {
		h.logger.Debugf("skipping audio envelope without AudioData payload (event=%s)", event.EventID)
		return nil
	}

	pcm, err := msg.PCM()
	if err != nil {
		h.logger.Warnf("skipping audio chunk with invalid base64: %v", err)
		return nil
	}
	if len(pcm) == 0 {
		return nil
	}

	key := audioKey{sessionID: event.SessionID, participantID: msg.AudioData.ParticipantRawID}

	h.mu.Lock()
	state, exists := h.states[key]
	if !exists {
		state = &participantState{
			sessionID:     event.SessionID,
			participantID: msg.AudioData.ParticipantRawID,
		}
		h.states[key] = state
	}

	state.chunks = append(state.chunks, pcm)
	state.accumulatedBytes += len(pcm)
	state.accumulatedDurationMs += h.durationMs(len(pcm))
	state.lastMessageAt = time.Now()
	state.timestampUTC = msg.AudioData.Timestamp
	state.messageID = event.EventID
	if state.idleTimer != nil {
		state.idleTimer.Stop()
		state.idleTimer = nil
	}

	shouldCommit := state.accumulatedBytes >= h.config.MaxBatchBytes ||
		state.accumulatedDurationMs >= float64(h.config.MaxBatchMs)

	if !shouldCommit {
		h.armIdleTimerLocked(key, state)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.sealCommit(key)
	return nil
}

// armIdleTimerLocked starts a fresh idle timer for the key. Caller holds mu.
func (h *AudioMessageHandler) armIdleTimerLocked(key audioKey, state *participantState) {
	state.idleTimer = time.AfterFunc(time.Duration(h.config.IdleTimeoutMs)*time.Millisecond, func() {
		h.sealCommit(key)
	})
}

// sealCommit concatenates the buffered PCM for key and publishes a commit.
// When the byte threshold overshoots, exactly MaxBatchBytes are sealed and
// the remainder starts a new buffer with a fresh idle timer.
func (h *AudioMessageHandler) sealCommit(key audioKey) {
	h.mu.Lock()
	state, exists := h.states[key]
	if !exists {
		h.mu.Unlock()
		return
	}
	if state.idleTimer != nil {
		state.idleTimer.Stop()
		state.idleTimer = nil
	}

	raw := concat(state.chunks)

	var remainder []byte
	if len(raw) > h.config.MaxBatchBytes && state.accumulatedBytes >= h.config.MaxBatchBytes {
		remainder = raw[h.config.MaxBatchBytes:]
		raw = raw[:h.config.MaxBatchBytes]
	}

	sessionID := state.sessionID
	participantID := state.participantID
	timestampUTC := state.timestampUTC
	messageID := state.messageID

	if len(remainder) > 0 {
		fresh := &participantState{
			chunks:                [][]byte{remainder},
			accumulatedBytes:      len(remainder),
			accumulatedDurationMs: h.durationMs(len(remainder)),
			lastMessageAt:         state.lastMessageAt,
			sessionID:             sessionID,
			participantID:         participantID,
			timestampUTC:          timestampUTC,
			messageID:             messageID,
		}
		h.states[key] = fresh
		h.armIdleTimerLocked(key, fresh)
	} else {
		delete(h.states, key)
	}
	h.mu.Unlock()

	if len(raw) == 0 {
		h.logger.Debugf("skipping empty commit for session=%s participant=%s", sessionID, participantID)
		return
	}

	channels := internal_audio.DefaultChannels
	if format, ok := h.metadata.Format(); ok && format.Channels > 0 {
		channels = format.Channels
	}
	rms := internal_audio.RMSPcm16(raw, channels)
	isSilence := rms < SilenceRMSThreshold
	h.updateInputState(isSilence)

	commit := &internal_type.ProviderInputEvent{
		CommitID:      uuid.NewString(),
		SessionID:     sessionID,
		ParticipantID: participantID,
		AudioB64:      base64.StdEncoding.EncodeToString(raw),
		Metadata: internal_type.CommitMetadata{
			TimestampUTC: timestampUTC,
			MessageID:    messageID,
			RMS:          rms,
			IsSilence:    isSilence,
			DurationMs:   h.durationMs(len(raw)),
			Bytes:        len(raw),
		},
	}

	h.trackCommit(len(raw))
	h.outboundBus.Publish(commit)
}

func (h *AudioMessageHandler) updateInputState(isSilence bool) {
	if h.inputState == nil {
		return
	}
	nowMs := time.Now().UnixMilli()
	if isSilence {
		h.inputState.OnSilenceDetected(nowMs, h.config.SilenceThresholdMs)
	} else {
		h.inputState.OnVoiceDetected(nowMs, h.config.VoiceHysteresisMs)
	}
}

func (h *AudioMessageHandler) trackCommit(byteCount int) {
	h.mu.Lock()
	h.commitCount++
	h.totalCommitBytes += byteCount
	h.totalCommitDurationMs += h.durationMs(byteCount)
	count := h.commitCount
	totalBytes := h.totalCommitBytes
	totalDuration := h.totalCommitDurationMs
	h.mu.Unlock()

	if count%commitLogInterval == 0 {
		h.logger.Infow("audio commits progress",
			"total_commits", count,
			"total_bytes", totalBytes,
			"total_duration_ms", totalDuration)
	}
}

// durationMs converts a byte count using the negotiated format, defaulting
// to 16 kHz mono PCM16.
func (h *AudioMessageHandler) durationMs(byteCount int) float64 {
	sampleRate, channels := 0, 0
	if format, ok := h.metadata.Format(); ok {
		sampleRate, channels = format.SampleRateHz, format.Channels
	}
	return internal_audio.DurationMs(byteCount, sampleRate, channels)
}

// Flush discards buffered audio without publishing. Empty participantID
// flushes every participant. Used by the control plane on barge-in.
func (h *AudioMessageHandler) Flush(participantID string) {
	h.mu.Lock()
	flushed := 0
	for key, state := range h.states {
		if participantID != "" && key.participantID != participantID {
			continue
		}
		if state.idleTimer != nil {
			state.idleTimer.Stop()
		}
		delete(h.states, key)
		flushed++
	}
	h.mu.Unlock()

	if flushed > 0 {
		h.logger.Infof("flushed %d participant buffers (participant=%s)", flushed, participantID)
	}
}

// Shutdown cancels all idle timers and clears state.
func (h *AudioMessageHandler) Shutdown() {
	h.mu.Lock()
	cancelled := 0
	for key, state := range h.states {
		if state.idleTimer != nil {
			state.idleTimer.Stop()
			cancelled++
		}
		delete(h.states, key)
	}
	h.mu.Unlock()

	if cancelled > 0 {
		h.logger.Infof("cancelled %d idle timers during shutdown", cancelled)
	}
}

func concat(chunks [][]byte) []byte {
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}
	out := make([]byte, 0, total)
	for _, chunk := range chunks {
		out = append(out, chunk...)
	}
	return out
}
