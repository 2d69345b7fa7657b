// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Decoded is the result of running one inbound frame through the strategy
// chain: the canonical event type, the typed payload, and the identifiers
// lifted out of the frame.
type Decoded struct {
	EventType      string
	Payload        interface{}
	ParticipantID  string
	SubscriptionID string
	TimestampUTC   string
	Raw            map[string]interface{}
}

// Gateway event types produced by decoding (mirrors internal_type constants;
// kept here so the codec stays dependency-free).
const (
	EventAudioData         = "acs.audio.data"
	EventAudioMetadata     = "acs.audio.metadata"
	EventTestSettings      = "control.test.settings"
	EventSystemInfoRequest = "control.test.request.system_info"
	EventTranscript        = "transcript"
	EventTextDelta         = "translation.text_delta"
	EventUnknown           = "acs.unknown"
)

// DecodeStrategy is one link in the decode chain. The chain is ordered by
// specificity: audio-shaped messages win over generic ones, and the first
// strategy whose CanHandle returns true decodes the frame.
type DecodeStrategy interface {
	Name() string
	CanHandle(frame map[string]interface{}) bool
	Decode(raw []byte, frame map[string]interface{}) (*Decoded, error)
}

// Decoder runs raw JSON frames through the strategy chain.
type Decoder struct {
	strategies []DecodeStrategy
}

// NewDecoder builds the default chain: AudioData, AudioMetadata, transcript,
// text delta, test settings, system info. Unmatched frames decode to
// EventUnknown so callers can log and drop without disconnecting.
func NewDecoder() *Decoder {
	return &Decoder{
		strategies: []DecodeStrategy{
			audioDataStrategy{},
			audioMetadataStrategy{},
			transcriptStrategy{},
			textDeltaStrategy{},
			testSettingsStrategy{},
			systemInfoStrategy{},
		},
	}
}

// Decode parses one raw text frame. Invalid JSON or malformed base64 inside
// an audio frame returns an error; callers log at warning and drop the frame.
func (d *Decoder) Decode(raw []byte) (*Decoded, error) {
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("invalid JSON frame: %w", err)
	}

	for _, strategy := range d.strategies {
		if strategy.CanHandle(frame) {
			return strategy.Decode(raw, frame)
		}
	}

	return &Decoded{EventType: EventUnknown, Raw: frame}, nil
}

// ============================================================================
// Strategies
// ============================================================================

type audioDataStrategy struct{}

func (audioDataStrategy) Name() string { return "audio_data" }

func (audioDataStrategy) CanHandle(frame map[string]interface{}) bool {
	kind, _ := frame["kind"].(string)
	return strings.EqualFold(kind, KindAudioData)
}

func (audioDataStrategy) Decode(raw []byte, frame map[string]interface{}) (*Decoded, error) {
	var msg AudioDataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed AudioData frame: %w", err)
	}
	if msg.AudioData.Data == "" {
		return nil, fmt.Errorf("AudioData frame without data payload")
	}
	if _, err := base64.StdEncoding.DecodeString(msg.AudioData.Data); err != nil {
		return nil, fmt.Errorf("invalid base64 data payload: %w", err)
	}
	return &Decoded{
		EventType:     EventAudioData,
		Payload:       &msg,
		ParticipantID: msg.AudioData.ParticipantRawID,
		TimestampUTC:  msg.AudioData.Timestamp,
		Raw:           frame,
	}, nil
}

type audioMetadataStrategy struct{}

func (audioMetadataStrategy) Name() string { return "audio_metadata" }

func (audioMetadataStrategy) CanHandle(frame map[string]interface{}) bool {
	kind, _ := frame["kind"].(string)
	return strings.EqualFold(kind, KindAudioMetadata)
}

func (audioMetadataStrategy) Decode(raw []byte, frame map[string]interface{}) (*Decoded, error) {
	var msg AudioMetadataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed AudioMetadata frame: %w", err)
	}
	return &Decoded{
		EventType:      EventAudioMetadata,
		Payload:        &msg,
		SubscriptionID: msg.AudioMetadata.SubscriptionID,
		Raw:            frame,
	}, nil
}

type transcriptStrategy struct{}

func (transcriptStrategy) Name() string { return "transcript" }

func (transcriptStrategy) CanHandle(frame map[string]interface{}) bool {
	msgType, _ := frame["type"].(string)
	return msgType == TypeTranscript
}

func (transcriptStrategy) Decode(raw []byte, frame map[string]interface{}) (*Decoded, error) {
	var msg TranscriptMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed transcript frame: %w", err)
	}
	return &Decoded{
		EventType:     EventTranscript,
		Payload:       &msg,
		ParticipantID: msg.ParticipantID,
		Raw:           frame,
	}, nil
}

type textDeltaStrategy struct{}

func (textDeltaStrategy) Name() string { return "text_delta" }

func (textDeltaStrategy) CanHandle(frame map[string]interface{}) bool {
	msgType, _ := frame["type"].(string)
	return msgType == TypeTranslationTextDelta || msgType == TypeTestResponseDelta
}

func (textDeltaStrategy) Decode(raw []byte, frame map[string]interface{}) (*Decoded, error) {
	var msg TextDeltaMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed text delta frame: %w", err)
	}
	return &Decoded{
		EventType:     EventTextDelta,
		Payload:       &msg,
		ParticipantID: msg.ParticipantID,
		Raw:           frame,
	}, nil
}

type testSettingsStrategy struct{}

func (testSettingsStrategy) Name() string { return "test_settings" }

func (testSettingsStrategy) CanHandle(frame map[string]interface{}) bool {
	msgType, _ := frame["type"].(string)
	return msgType == TypeTestSettings
}

func (testSettingsStrategy) Decode(raw []byte, frame map[string]interface{}) (*Decoded, error) {
	var msg TestSettingsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed settings frame: %w", err)
	}
	return &Decoded{
		EventType: EventTestSettings,
		Payload:   &msg,
		Raw:       frame,
	}, nil
}

type systemInfoStrategy struct{}

func (systemInfoStrategy) Name() string { return "system_info" }

func (systemInfoStrategy) CanHandle(frame map[string]interface{}) bool {
	msgType, _ := frame["type"].(string)
	return msgType == TypeSystemInfoRequest
}

func (systemInfoStrategy) Decode(raw []byte, frame map[string]interface{}) (*Decoded, error) {
	return &Decoded{EventType: EventSystemInfoRequest, Payload: frame, Raw: frame}, nil
}
