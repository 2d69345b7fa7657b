// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// mockProvider simulates translation without any external calls: each commit
// produces one partial and one final transcript after a short delay. Used
// for offline testing and as the fallback adapter.
type mockProvider struct {
	logger      commons.Logger
	outboundBus *internal_bus.EventBus
	inboundBus  *internal_bus.EventBus
	delay       time.Duration
	closed      atomic.Bool
}

// NewMockProvider creates the mock adapter.
func NewMockProvider(
	logger commons.Logger,
	options Options,
	outboundBus *internal_bus.EventBus,
	inboundBus *internal_bus.EventBus,
) TranslationProvider {
	delay := options.MockDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &mockProvider{
		logger:      logger,
		outboundBus: outboundBus,
		inboundBus:  inboundBus,
		delay:       delay,
	}
}

func (p *mockProvider) Name() string { return NameMock }

// Start registers the egress handler on the provider-outbound bus.
func (p *mockProvider) Start(ctx context.Context) error {
	if p.closed.Load() {
		return fmt.Errorf("cannot start closed adapter")
	}
	err := p.outboundBus.RegisterHandler(
		internal_bus.HandlerConfig{
			Name:           "mock_egress",
			QueueMax:       1000,
			OverflowPolicy: internal_queue.DropOldest,
			Concurrency:    1,
		},
		p.processAudio,
	)
	if err != nil {
		return err
	}
	p.logger.Infof("mock adapter started")
	return nil
}

// processAudio simulates partial and final translation results for one
// commit.
func (p *mockProvider) processAudio(ctx context.Context, envelope interface{}) error {
	request, ok := envelope.(*internal_type.ProviderInputEvent)
	if !ok {
		return nil
	}
	if p.closed.Load() {
		return nil
	}

	p.logger.Debugf("mock adapter processing audio: commit=%s session=%s bytes=%d",
		request.CommitID, request.SessionID, len(request.AudioB64))

	shortID := request.CommitID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(p.delay / 2):
	}

	p.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      request.CommitID,
		SessionID:     request.SessionID,
		ParticipantID: request.ParticipantID,
		EventType:     internal_type.ProviderEventTranscriptDelta,
		Provider:      NameMock,
		StreamID:      request.CommitID,
		Payload: internal_type.ProviderOutputPayload{
			Text: fmt.Sprintf("[mock partial] processing commit %s...", shortID),
		},
	})

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(p.delay / 2):
	}

	p.inboundBus.Publish(&internal_type.ProviderOutputEvent{
		CommitID:      request.CommitID,
		SessionID:     request.SessionID,
		ParticipantID: request.ParticipantID,
		EventType:     internal_type.ProviderEventTranscriptDone,
		Provider:      NameMock,
		StreamID:      request.CommitID,
		Payload: internal_type.ProviderOutputPayload{
			Text:  fmt.Sprintf("[mock final] translated audio for commit %s", shortID),
			Final: true,
		},
	})
	return nil
}

// Cancel is a no-op: mock responses complete within the simulated delay.
func (p *mockProvider) Cancel(streamID string) error { return nil }

func (p *mockProvider) Close() error {
	p.closed.Store(true)
	p.logger.Infof("mock adapter closed")
	return nil
}

func (p *mockProvider) Health() string {
	if p.closed.Load() {
		return "degraded"
	}
	return "ok"
}
