// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Gateway input events — decoded frames from the downstream socket
// ============================================================================

// Gateway event types produced by the protocol decoder.
const (
	EventAudioData         = "acs.audio.data"
	EventAudioMetadata     = "acs.audio.metadata"
	EventTestSettings      = "control.test.settings"
	EventSystemInfoRequest = "control.test.request.system_info"
	EventUnknown           = "acs.unknown"
)

// Trace carries ingress bookkeeping for one decoded frame.
type Trace struct {
	Sequence    int
	IngressWSID string
	ReceivedAt  time.Time
}

// GatewayInputEvent wraps one decoded inbound frame. Frames are dispatched
// to handlers in receive order within a session.
type GatewayInputEvent struct {
	EventID        string
	Source         string
	EventType      string
	SessionID      string
	ParticipantID  string
	SubscriptionID string
	ReceivedAt     time.Time
	TimestampUTC   string
	Payload        interface{}
	Raw            map[string]interface{}
	Trace          Trace
}

// NewGatewayInputEvent stamps a decoded frame with an id and trace info.
func NewGatewayInputEvent(sessionID, eventType string, payload interface{}, trace Trace) *GatewayInputEvent {
	now := time.Now().UTC()
	return &GatewayInputEvent{
		EventID:    uuid.NewString(),
		Source:     "acs",
		EventType:  eventType,
		SessionID:  sessionID,
		ReceivedAt: now,
		Payload:    payload,
		Trace:      trace,
	}
}

// ============================================================================
// Provider events — both directions of the provider-facing buses
// ============================================================================

// CommitMetadata rides along with a sealed audio commit.
type CommitMetadata struct {
	TimestampUTC string
	MessageID    string
	RMS          float64
	IsSilence    bool
	DurationMs   float64
	Bytes        int
}

// ProviderInputEvent is one sealed audio commit, published to the
// provider-outbound bus. Immutable after creation.
type ProviderInputEvent struct {
	CommitID      string
	SessionID     string
	ParticipantID string
	AudioB64      string
	Metadata      CommitMetadata
}

// Provider output event types.
const (
	ProviderEventAudioDelta      = "audio.delta"
	ProviderEventAudioDone       = "audio.done"
	ProviderEventTranscriptDelta = "transcript.delta"
	ProviderEventTranscriptDone  = "transcript.done"
	ProviderEventControl         = "control"
	ProviderEventError           = "error"
)

// Audio done reasons.
const (
	DoneReasonCompleted = "completed"
	DoneReasonCanceled  = "canceled"
	DoneReasonError     = "error"
)

// AudioFormat describes the negotiated PCM stream format.
type AudioFormat struct {
	Encoding     string
	SampleRateHz int
	Channels     int
	FrameBytes   int
}

// ProviderOutputPayload holds the event-specific fields of a provider
// output event. Only the fields relevant to the event type are populated.
type ProviderOutputPayload struct {
	AudioB64       string
	Text           string
	Final          bool
	Reason         string
	Error          string
	Action         string
	Detail         string
	SourceLanguage string
	TargetLanguage string
	Format         *AudioFormat
	Seq            int
}

// ProviderOutputEvent is one normalized event from a translation provider,
// published to the provider-inbound bus.
type ProviderOutputEvent struct {
	CommitID           string
	SessionID          string
	ParticipantID      string
	EventType          string
	Payload            ProviderOutputPayload
	Provider           string
	StreamID           string
	ProviderResponseID string
	ProviderItemID     string
	TimestampMs        int64
}

// ============================================================================
// Outbound frames — payloads headed for the downstream socket
// ============================================================================

// OutboundPayload wraps a wire message bound for the downstream socket with
// its stream bookkeeping. Seq is assigned by the normalizer for audio frames
// (monotonic from 1 per stream) and zero for everything else.
type OutboundPayload struct {
	Seq       int
	StreamKey string
	Message   interface{}
}

// ============================================================================
// Handler contracts
// ============================================================================

// MessageHandler is one strategy in the inbound dispatch chain: the first
// handler whose CanHandle returns true processes the event.
type MessageHandler interface {
	Name() string
	CanHandle(event *GatewayInputEvent) bool
	Handle(ctx context.Context, event *GatewayInputEvent) error
}
