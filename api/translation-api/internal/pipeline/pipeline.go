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

	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/translation-gateway/api/translation-api/internal/audio"
	internal_batch "github.com/rapidaai/translation-gateway/api/translation-api/internal/batch"
	internal_bus "github.com/rapidaai/translation-gateway/api/translation-api/internal/bus"
	internal_gate "github.com/rapidaai/translation-gateway/api/translation-api/internal/gate"
	internal_normalizer "github.com/rapidaai/translation-gateway/api/translation-api/internal/normalizer"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_provider "github.com/rapidaai/translation-gateway/api/translation-api/internal/provider"
	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	internal_voicestate "github.com/rapidaai/translation-gateway/api/translation-api/internal/voicestate"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// Config bundles everything one pipeline needs from the config layer.
type Config struct {
	IngressQueueMax int
	EgressQueueMax  int
	OverflowPolicy  internal_queue.OverflowPolicy

	Batching internal_batch.Config
	GateMode internal_gate.Mode

	Provider        string
	ProviderOptions internal_provider.Options

	TailSilenceMs  int
	ServiceName    string
	ServiceVersion string
}

// SendFunc delivers one outbound payload to the downstream socket.
type SendFunc func(payload *internal_type.OutboundPayload) error

// SessionPipeline owns the four event buses of one translation pipeline and
// wires the data plane end to end: inbound dispatcher → batcher → provider
// adapter → normalizer → gate → downstream sender. A pipeline serves either
// a whole session (shared routing) or a single participant.
type SessionPipeline struct {
	logger        commons.Logger
	sessionID     string
	participantID string
	config        Config

	IngressBus          *internal_bus.EventBus
	ProviderOutboundBus *internal_bus.EventBus
	ProviderInboundBus  *internal_bus.EventBus
	OutboundBus         *internal_bus.EventBus

	metadata   *internal_type.SessionMetadata
	inputState *internal_voicestate.InputState
	batcher    *internal_batch.AudioMessageHandler
	normalizer *internal_normalizer.ProviderResultHandler
	gate       *internal_gate.OutboundAudioGate
	provider   internal_provider.TranslationProvider

	dispatchChain []internal_type.MessageHandler
	send          SendFunc
	fatal         func(error)
}

// NewSessionPipeline builds an unstarted pipeline. send delivers payloads
// to the downstream socket; fatal is invoked on invariant breaches that
// must fail the session.
func NewSessionPipeline(
	logger commons.Logger,
	sessionID string,
	participantID string,
	config Config,
	send SendFunc,
	fatal func(error),
) *SessionPipeline {
	pipelineID := sessionID
	if participantID != "" {
		pipelineID = fmt.Sprintf("%s_%s", sessionID, participantID)
	}

	p := &SessionPipeline{
		logger:        logger,
		sessionID:     sessionID,
		participantID: participantID,
		config:        config,
		metadata:      internal_type.NewSessionMetadata(),
		inputState:    internal_voicestate.NewInputState(logger),
		send:          send,
		fatal:         fatal,

		IngressBus:          internal_bus.NewEventBus(fmt.Sprintf("acs_in_%s", pipelineID), logger),
		ProviderOutboundBus: internal_bus.NewEventBus(fmt.Sprintf("prov_out_%s", pipelineID), logger),
		ProviderInboundBus:  internal_bus.NewEventBus(fmt.Sprintf("prov_in_%s", pipelineID), logger),
		OutboundBus:         internal_bus.NewEventBus(fmt.Sprintf("acs_out_%s", pipelineID), logger),
	}
	return p
}

// Metadata exposes the session's negotiated state.
func (p *SessionPipeline) Metadata() *internal_type.SessionMetadata { return p.metadata }

// InputState exposes the participant voice state driving the gate.
func (p *SessionPipeline) InputState() *internal_voicestate.InputState { return p.inputState }

// Start creates the provider adapter and registers every handler.
func (p *SessionPipeline) Start(ctx context.Context) error {
	providerName := p.config.Provider
	if override := p.metadata.StringSetting("provider"); override != "" {
		providerName = override
	}

	p.provider = internal_provider.CreateProvider(
		p.logger, providerName, p.config.ProviderOptions,
		p.ProviderOutboundBus, p.ProviderInboundBus, p.metadata)

	if err := p.provider.Start(ctx); err != nil {
		return fmt.Errorf("failed to start provider %s: %w", providerName, err)
	}
	p.logger.Infof("session %s provider started: %s", p.sessionID, providerName)

	if err := p.registerHandlers(); err != nil {
		return err
	}
	p.logger.Infof("session %s handlers registered", p.sessionID)
	return nil
}

func (p *SessionPipeline) registerHandlers() error {
	// Batcher feeds the provider-outbound bus and drives the voice state.
	p.batcher = internal_batch.NewAudioMessageHandler(
		p.logger, p.ProviderOutboundBus, p.config.Batching, p.metadata, p.inputState)

	p.dispatchChain = []internal_type.MessageHandler{
		p.batcher,
		&audioMetadataHandler{logger: p.logger, metadata: p.metadata, fatal: p.fatal},
		&testSettingsHandler{logger: p.logger, metadata: p.metadata},
		&systemInfoHandler{
			logger:         p.logger,
			outboundBus:    p.OutboundBus,
			serviceName:    p.config.ServiceName,
			serviceVersion: p.config.ServiceVersion,
			provider:       p.config.Provider,
		},
	}

	// 1. Audit handler on its own queue.
	audit := &auditHandler{logger: p.logger}
	err := p.IngressBus.RegisterHandler(
		internal_bus.HandlerConfig{
			Name:           fmt.Sprintf("audit_%s", p.sessionID),
			QueueMax:       500,
			OverflowPolicy: p.config.OverflowPolicy,
			Concurrency:    1,
		},
		audit.audit,
	)
	if err != nil {
		return err
	}

	// 2. Dispatcher routing each decoded frame to the first matching handler.
	err = p.IngressBus.RegisterHandler(
		internal_bus.HandlerConfig{
			Name:           fmt.Sprintf("translation_%s", p.sessionID),
			QueueMax:       p.config.IngressQueueMax,
			OverflowPolicy: p.config.OverflowPolicy,
			Concurrency:    1,
		},
		p.dispatch,
	)
	if err != nil {
		return err
	}

	// 3. Normalizer on the provider-inbound bus.
	p.normalizer = internal_normalizer.NewProviderResultHandler(
		p.logger, p.OutboundBus, p.metadata, time.Now())
	err = p.ProviderInboundBus.RegisterHandler(
		internal_bus.HandlerConfig{
			Name:           fmt.Sprintf("provider_output_%s", p.sessionID),
			QueueMax:       p.config.EgressQueueMax,
			OverflowPolicy: p.config.OverflowPolicy,
			Concurrency:    1,
		},
		p.normalizer.Handle,
	)
	if err != nil {
		return err
	}

	// 4. Gate in front of the downstream sender on the outbound bus.
	gateMode := p.config.GateMode
	if override := p.metadata.StringSetting("outbound_gate_mode"); override != "" {
		gateMode = internal_gate.ParseMode(override)
	}
	p.gate = internal_gate.NewOutboundAudioGate(
		p.logger, internal_gate.SendFunc(p.send), p.inputState, gateMode, p.sessionID, 0)

	return p.OutboundBus.RegisterHandler(
		internal_bus.HandlerConfig{
			Name:           fmt.Sprintf("acs_send_%s", p.sessionID),
			QueueMax:       p.config.EgressQueueMax,
			OverflowPolicy: p.config.OverflowPolicy,
			Concurrency:    1,
		},
		p.gate.Handle,
	)
}

// dispatch walks the handler chain; the first match wins. Unsupported
// envelopes are logged and dropped without disconnecting.
func (p *SessionPipeline) dispatch(ctx context.Context, envelope interface{}) error {
	event, ok := envelope.(*internal_type.GatewayInputEvent)
	if !ok {
		p.logger.Debugf("ignoring non-gateway envelope %T", envelope)
		return nil
	}
	for _, handler := range p.dispatchChain {
		if handler.CanHandle(event) {
			return handler.Handle(ctx, event)
		}
	}
	p.logger.Debugf("ignoring unsupported envelope: type=%s event=%s", event.EventType, event.EventID)
	return nil
}

// ProcessMessage feeds one decoded frame into the pipeline.
func (p *SessionPipeline) ProcessMessage(event *internal_type.GatewayInputEvent) {
	p.IngressBus.Publish(event)
}

// Flush discards pending batched audio and per-stream normalizer state
// (the barge-in path). Empty participantID flushes everything.
func (p *SessionPipeline) Flush(participantID string) {
	if p.batcher != nil {
		p.batcher.Flush(participantID)
	}
	if p.normalizer != nil {
		p.normalizer.ResetAll()
	}
}

// CancelResponse aborts one in-flight provider response (barge-in): a
// cancel control goes upstream, pending audio and per-stream normalizer
// state are discarded, and the stream terminates downstream with
// audio.done{reason=canceled}. Nothing publishes on that stream afterwards
// until the provider answers a new commit.
func (p *SessionPipeline) CancelResponse(participantID, streamID string) {
	if p.batcher != nil {
		p.batcher.Flush(participantID)
	}
	if p.provider != nil {
		if err := p.provider.Cancel(streamID); err != nil {
			p.logger.Warnf("provider cancel failed for stream %s: %v", streamID, err)
		}
	}
	if p.normalizer != nil {
		p.normalizer.ResetAll()
	}
	p.OutboundBus.Publish(&internal_type.OutboundPayload{
		StreamKey: streamID,
		Message: &internal_protocol.AudioDoneMessage{
			Type:          internal_protocol.TypeAudioDone,
			SessionID:     p.sessionID,
			ParticipantID: participantID,
			StreamID:      streamID,
			Reason:        internal_type.DoneReasonCanceled,
		},
	})
}

// Cleanup tears the pipeline down: tail silence padding, batcher timers,
// provider socket, then every bus. Queued envelopes are dropped by design.
func (p *SessionPipeline) Cleanup() {
	p.sendTailSilence()

	if p.batcher != nil {
		p.batcher.Shutdown()
	}
	if p.provider != nil {
		if err := p.provider.Close(); err != nil {
			p.logger.Warnf("provider close failed: %v", err)
		}
	}

	// The buses are independent; unwind their workers in parallel.
	var g errgroup.Group
	for _, bus := range []*internal_bus.EventBus{
		p.IngressBus, p.ProviderOutboundBus, p.ProviderInboundBus, p.OutboundBus,
	} {
		g.Go(func() error {
			bus.Shutdown()
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Infof("session %s pipeline cleaned up", p.sessionID)
}

// sendTailSilence pads the downstream stream with silence frames so client
// playout buffers drain cleanly before the socket goes away.
func (p *SessionPipeline) sendTailSilence() {
	if p.config.TailSilenceMs <= 0 {
		return
	}
	format, ok := p.metadata.Format()
	if !ok {
		return
	}

	frameBytes := format.FrameBytes
	if frameBytes <= 0 {
		frameBytes = internal_audio.FrameBytes(format.SampleRateHz, format.Channels)
	}
	pcm := internal_audio.SilenceFrame(p.config.TailSilenceMs, format.SampleRateHz, format.Channels)

	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := offset + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		msg := internal_protocol.NewAudioDataMessage(
			internal_protocol.TranslationServiceParticipant, pcm[offset:end], 0, true)
		if err := p.send(&internal_type.OutboundPayload{Message: msg}); err != nil {
			return
		}
	}
}
