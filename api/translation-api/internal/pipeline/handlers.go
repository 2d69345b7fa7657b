// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_pipeline

import (
	"context"
	"fmt"
	"time"

	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// ============================================================================
// AudioMetadata handler
// ============================================================================

// audioMetadataHandler stores the negotiated stream format on the session.
// A sample format other than 16-bit PCM is an invariant breach that fails
// the whole session.
type audioMetadataHandler struct {
	logger   commons.Logger
	metadata *internal_type.SessionMetadata
	fatal    func(error)
}

func (h *audioMetadataHandler) Name() string { return "audio_metadata" }

func (h *audioMetadataHandler) CanHandle(event *internal_type.GatewayInputEvent) bool {
	return event.EventType == internal_type.EventAudioMetadata
}

func (h *audioMetadataHandler) Handle(ctx context.Context, event *internal_type.GatewayInputEvent) error {
	msg, ok := event.Payload.(*internal_protocol.AudioMetadataMessage)
	if !ok {
		h.logger.Warnf("expected AudioMetadata payload (event=%s)", event.EventID)
		return nil
	}

	format := internal_type.AudioFormat{
		Encoding:     msg.AudioMetadata.Encoding,
		SampleRateHz: msg.AudioMetadata.SampleRate,
		Channels:     msg.AudioMetadata.Channels,
		FrameBytes:   msg.AudioMetadata.Length,
	}
	if err := h.metadata.SetFormat(format); err != nil {
		if h.fatal != nil {
			h.fatal(err)
		}
		return err
	}

	h.logger.Infow("stored audio metadata",
		"session", event.SessionID,
		"subscription", msg.AudioMetadata.SubscriptionID,
		"encoding", format.Encoding,
		"sample_rate", format.SampleRateHz,
		"channels", format.Channels,
		"frame_bytes", format.FrameBytes)
	return nil
}

// ============================================================================
// Settings handler
// ============================================================================

// testSettingsHandler merges control.test.settings into the session.
type testSettingsHandler struct {
	logger   commons.Logger
	metadata *internal_type.SessionMetadata
}

func (h *testSettingsHandler) Name() string { return "test_settings" }

func (h *testSettingsHandler) CanHandle(event *internal_type.GatewayInputEvent) bool {
	return event.EventType == internal_type.EventTestSettings
}

func (h *testSettingsHandler) Handle(ctx context.Context, event *internal_type.GatewayInputEvent) error {
	msg, ok := event.Payload.(*internal_protocol.TestSettingsMessage)
	if !ok || msg.Settings == nil {
		h.logger.Debugf("ignoring control.test.settings without settings (event=%s)", event.EventID)
		return nil
	}
	h.metadata.ApplySettings(msg.Settings)
	h.logger.Infow("applied translation settings", "session", event.SessionID, "settings", msg.Settings)
	return nil
}

// ============================================================================
// System info handler
// ============================================================================

// systemInfoHandler answers test-framework system info requests directly on
// the outbound bus, bypassing the translation provider.
type systemInfoHandler struct {
	logger         commons.Logger
	outboundBus    *internal_bus.EventBus
	serviceName    string
	serviceVersion string
	provider       string
}

func (h *systemInfoHandler) Name() string { return "system_info" }

func (h *systemInfoHandler) CanHandle(event *internal_type.GatewayInputEvent) bool {
	return event.EventType == internal_type.EventSystemInfoRequest
}

func (h *systemInfoHandler) Handle(ctx context.Context, event *internal_type.GatewayInputEvent) error {
	h.logger.Infof("handling system info request: %s", event.EventID)

	h.outboundBus.Publish(&internal_type.OutboundPayload{
		Message: &internal_protocol.SystemInfoResponseMessage{
			Type:      internal_protocol.TypeSystemInfoResponse,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			SystemInfo: map[string]interface{}{
				"service": map[string]interface{}{
					"name":     h.serviceName,
					"version":  h.serviceVersion,
					"provider": h.provider,
				},
				"configuration": map[string]interface{}{
					"features": map[string]interface{}{
						"streaming":         true,
						"system_info_query": true,
					},
				},
			},
		},
	})
	return nil
}

// ============================================================================
// Audit handler
// ============================================================================

// auditHandler traces every ingress envelope at debug level on its own
// queue so a slow log sink can never stall dispatch.
type auditHandler struct {
	logger commons.Logger
}

func (h *auditHandler) audit(ctx context.Context, envelope interface{}) error {
	event, ok := envelope.(*internal_type.GatewayInputEvent)
	if !ok {
		return fmt.Errorf("audit received unexpected envelope %T", envelope)
	}
	h.logger.Debugw("ingress event",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"session", event.SessionID,
		"participant", event.ParticipantID,
		"sequence", event.Trace.Sequence)
	return nil
}
