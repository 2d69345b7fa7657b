// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_protocol

import (
	"encoding/base64"
	"strings"
)

// Wire kinds and types. Two framing families coexist: ACS-style messages
// keyed by "kind" and control/test messages keyed by "type".
const (
	KindAudioMetadata = "AudioMetadata"
	KindAudioData     = "AudioData"

	TypeTranscript           = "transcript"
	TypeTranslationTextDelta = "translation.text_delta"
	TypeTestResponseText     = "control.test.response.text"
	TypeTestResponseDelta    = "control.test.response.text_delta"
	TypeTestSettings         = "control.test.settings"
	TypeSystemInfoRequest    = "control.test.request.system_info"
	TypeSystemInfoResponse   = "control.test.response.system_info"
	TypeAudioDone            = "audio.done"
	TypeStopAudio            = "control.stop_audio"
	TypeError                = "error"

	TypeConnectionEstablished = "connection.established"
	TypeConnectionReady       = "connection.ready"
	TypeParticipantJoined     = "participant.joined"
	TypeParticipantLeft       = "participant.left"
	TypeParticipantList       = "participant.list"
)

// PCM16Encoding is the only sample format the gateway accepts: 2 bytes per
// sample, negotiated once per call before any audio flows.
const PCM16Encoding = "PCM"

// TranslationServiceParticipant tags audio frames synthesized by the
// translation service so clients can distinguish them from human speakers.
const TranslationServiceParticipant = "vt-translation-service"

// ============================================================================
// ACS-style messages (kind family)
// ============================================================================

// AudioMetadataBody carries the negotiated stream format.
type AudioMetadataBody struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
	Length         int    `json:"length"`
}

// AudioMetadataMessage is the session negotiation frame, sent once per call
// before any audio flows.
type AudioMetadataMessage struct {
	Kind          string            `json:"kind"`
	AudioMetadata AudioMetadataBody `json:"audioMetadata"`
}

// NewAudioMetadataMessage builds the negotiation frame for PCM16 audio.
func NewAudioMetadataMessage(subscriptionID string, sampleRate, channels, frameBytes int) *AudioMetadataMessage {
	return &AudioMetadataMessage{
		Kind: KindAudioMetadata,
		AudioMetadata: AudioMetadataBody{
			SubscriptionID: subscriptionID,
			Encoding:       PCM16Encoding,
			SampleRate:     sampleRate,
			Channels:       channels,
			Length:         frameBytes,
		},
	}
}

// AudioDataBody carries one base64-encoded PCM frame.
type AudioDataBody struct {
	Data              string `json:"data"`
	ParticipantRawID  string `json:"participantRawID,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"`
	Silent            bool   `json:"silent"`
	PlayToParticipant string `json:"playToParticipant,omitempty"`
}

// AudioDataMessage is one PCM frame on the wire.
type AudioDataMessage struct {
	Kind      string        `json:"kind"`
	AudioData AudioDataBody `json:"audioData"`
}

// NewAudioDataMessage wraps raw PCM into a wire frame. timestampMs of zero
// means "now".
func NewAudioDataMessage(participantID string, pcm []byte, timestampMs int64, silent bool) *AudioDataMessage {
	return &AudioDataMessage{
		Kind: KindAudioData,
		AudioData: AudioDataBody{
			Data:             base64.StdEncoding.EncodeToString(pcm),
			ParticipantRawID: participantID,
			Timestamp:        ISOTimestamp(timestampMs),
			Silent:           silent,
		},
	}
}

// PCM decodes the frame's base64 payload.
func (m *AudioDataMessage) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.AudioData.Data)
}

// ============================================================================
// Control/test messages (type family)
// ============================================================================

// TestSettingsMessage configures a session before audio flows: provider
// choice, outbound gate mode, and any provider-specific overrides.
type TestSettingsMessage struct {
	Type     string                 `json:"type"`
	Settings map[string]interface{} `json:"settings"`
}

// NewTestSettingsMessage builds the per-session settings frame.
func NewTestSettingsMessage(settings map[string]interface{}) *TestSettingsMessage {
	return &TestSettingsMessage{Type: TypeTestSettings, Settings: settings}
}

// TranscriptMessage is a finalized translation text result.
type TranscriptMessage struct {
	Type           string `json:"type"`
	ParticipantID  string `json:"participant_id"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Text           string `json:"text"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

// TextDeltaMessage is an incremental translation text fragment. Type is
// either translation.text_delta or control.test.response.text_delta.
type TextDeltaMessage struct {
	Type           string `json:"type"`
	ParticipantID  string `json:"participant_id"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Delta          string `json:"delta"`
	TimestampMs    int64  `json:"timestamp_ms,omitempty"`
}

// AudioDoneMessage terminates one audio stream downstream. Reason is one of
// completed, canceled, or error.
type AudioDoneMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	CommitID      string `json:"commit_id,omitempty"`
	StreamID      string `json:"stream_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Reason        string `json:"reason"`
	Error         string `json:"error,omitempty"`
}

// StopAudioMessage tells the client to stop playout immediately.
type StopAudioMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	CommitID      string `json:"commit_id,omitempty"`
	StreamID      string `json:"stream_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// ErrorMessage carries a human-readable failure to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: message}
}

// ConnectionEventMessage acknowledges connection lifecycle milestones.
type ConnectionEventMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ParticipantEventMessage announces membership changes and rosters.
type ParticipantEventMessage struct {
	Type          string   `json:"type"`
	ParticipantID string   `json:"participant_id,omitempty"`
	Participants  []string `json:"participants"`
}

// SystemInfoResponseMessage answers a system info request without touching
// the translation provider.
type SystemInfoResponseMessage struct {
	Type       string                 `json:"type"`
	Timestamp  string                 `json:"timestamp"`
	SystemInfo map[string]interface{} `json:"system_info"`
}

// ============================================================================
// Payload classification
// ============================================================================

// IsAudioPayload reports whether an outbound payload carries audio. A frame
// is audio iff its kind is AudioData/audio.data or it contains an audioData
// object with a data field. Everything else bypasses the outbound gate.
func IsAudioPayload(payload interface{}) bool {
	switch p := payload.(type) {
	case *AudioDataMessage:
		return true
	case AudioDataMessage:
		return true
	case map[string]interface{}:
		kind, _ := p["kind"].(string)
		if kind == "" {
			kind, _ = p["type"].(string)
		}
		if strings.EqualFold(kind, KindAudioData) || kind == "audio.data" {
			return true
		}
		audioData, ok := p["audioData"].(map[string]interface{})
		if !ok {
			audioData, ok = p["audio_data"].(map[string]interface{})
		}
		if ok {
			_, hasData := audioData["data"]
			return hasData
		}
	}
	return false
}

// AudioPayloadSize returns the size of an audio payload for byte-capped
// buffering: the length of the base64 data string, zero for anything else.
func AudioPayloadSize(payload interface{}) int {
	switch p := payload.(type) {
	case *AudioDataMessage:
		return len(p.AudioData.Data)
	case AudioDataMessage:
		return len(p.AudioData.Data)
	case map[string]interface{}:
		audioData, ok := p["audioData"].(map[string]interface{})
		if !ok {
			audioData, ok = p["audio_data"].(map[string]interface{})
		}
		if ok {
			if data, isString := audioData["data"].(string); isString {
				return len(data)
			}
		}
	}
	return 0
}
