// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_calls

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_audio "github.com/rapidaai/translation-gateway/api/translation-api/internal/audio"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	internal_upstream "github.com/rapidaai/translation-gateway/api/translation-api/internal/upstream"
	internal_wsconn "github.com/rapidaai/translation-gateway/api/translation-api/internal/wsconn"
	"github.com/rapidaai/translation-gateway/pkg/commons"
	"github.com/rapidaai/translation-gateway/pkg/utils"
)

// Call is one logical multi-party session identified by a call code. It
// owns the participant sockets and the lazily-initialized upstream
// connection to the translation service.
type Call struct {
	Code       string
	Service    string
	ServiceURL string
	Provider   string
	BargeIn    string
	CreatedAt  time.Time

	logger         commons.Logger
	upstreamConfig internal_upstream.Config

	// initMu guards upstream initialization so only one connect attempt
	// runs at a time.
	initMu sync.Mutex

	mu             sync.Mutex
	participants   map[string]*internal_wsconn.Conn
	upstream       *internal_upstream.Connection
	subscriptionID string
	metadataSent   bool
	lastActivity   time.Time
}

func newCall(logger commons.Logger, code, service, serviceURL, provider, bargeIn string, upstreamConfig internal_upstream.Config) *Call {
	upstreamConfig.URL = serviceURL
	return &Call{
		Code:           code,
		Service:        service,
		ServiceURL:     serviceURL,
		Provider:       provider,
		BargeIn:        bargeIn,
		CreatedAt:      time.Now().UTC(),
		logger:         logger,
		upstreamConfig: upstreamConfig,
		participants:   make(map[string]*internal_wsconn.Conn),
		subscriptionID: uuid.NewString(),
		lastActivity:   time.Now(),
	}
}

// ParticipantCount returns the number of connected participants.
func (c *Call) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// ParticipantIDs returns the current roster.
func (c *Call) ParticipantIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	return ids
}

func (c *Call) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Call) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ensureUpstream establishes the upstream connection if needed and runs the
// once-per-upstream-session handshake: control.test.settings first, then
// AudioMetadata. Guarded so concurrent joins trigger a single connect.
func (c *Call) ensureUpstream(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	existing := c.upstream
	c.mu.Unlock()
	if existing != nil {
		return nil
	}

	c.logger.Infof("establishing upstream connection for call %s to %s", c.Code, c.ServiceURL)

	upstream := internal_upstream.NewConnection(c.logger, c.upstreamConfig)
	if err := upstream.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.upstream = upstream
	c.metadataSent = false
	c.mu.Unlock()

	if err := c.sendHandshake(upstream); err != nil {
		_ = upstream.Close()
		c.mu.Lock()
		c.upstream = nil
		c.mu.Unlock()
		return err
	}

	utils.Go(ctx, func() { c.pumpUpstream(ctx, upstream) })
	c.logger.Infof("upstream configured for call %s (16kHz mono PCM16)", c.Code)
	return nil
}

// sendHandshake sends, in order, the per-session settings and the audio
// metadata exactly once per upstream session.
func (c *Call) sendHandshake(upstream *internal_upstream.Connection) error {
	settings := internal_protocol.NewTestSettingsMessage(map[string]interface{}{
		"provider":           c.Provider,
		"outbound_gate_mode": c.BargeIn,
	})
	if err := upstream.Send(settings); err != nil {
		return err
	}

	c.mu.Lock()
	alreadySent := c.metadataSent
	c.mu.Unlock()
	if alreadySent {
		return nil
	}

	frameBytes := internal_audio.FrameBytes(internal_audio.DefaultSampleRateHz, internal_audio.DefaultChannels)
	metadata := internal_protocol.NewAudioMetadataMessage(
		c.subscriptionID, internal_audio.DefaultSampleRateHz, internal_audio.DefaultChannels, frameBytes)
	if err := upstream.Send(metadata); err != nil {
		return err
	}

	c.mu.Lock()
	c.metadataSent = true
	c.mu.Unlock()
	return nil
}

// pumpUpstream forwards translated output to every participant until the
// inbound stream ends. While participants remain, it attempts reconnection
// on the upstream's backoff schedule.
func (c *Call) pumpUpstream(ctx context.Context, upstream *internal_upstream.Connection) {
	for frame := range upstream.Messages() {
		c.Broadcast(frame)
	}

	c.mu.Lock()
	lost := c.upstream == upstream
	if lost {
		c.upstream = nil
		c.metadataSent = false
	}
	remaining := len(c.participants)
	c.mu.Unlock()

	if !lost || remaining == 0 {
		return
	}

	c.logger.Warnf("upstream for call %s dropped with %d participants connected", c.Code, remaining)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(upstream.NextReconnectDelay()):
		}

		if c.ParticipantCount() == 0 {
			return
		}
		err := c.ensureUpstream(ctx)
		if err == nil {
			return
		}
		c.logger.Errorf("reconnect failed for call %s: %v", c.Code, err)
	}
}

// SendAudio forwards one participant PCM frame upstream and mirrors it to
// the other participants. The sender is excluded from the broadcast so it
// never hears its own raw audio back.
func (c *Call) SendAudio(participantID string, pcm []byte, timestampMs int64) error {
	c.touch()

	c.mu.Lock()
	upstream := c.upstream
	c.mu.Unlock()
	if upstream == nil {
		return nil
	}

	payload := internal_protocol.NewAudioDataMessage(participantID, pcm, timestampMs, false)
	if err := upstream.Send(payload); err != nil {
		return err
	}
	c.broadcastAudioToOthers(participantID, payload)
	return nil
}

// Broadcast fans one payload out to every participant. A send failure is
// read as "participant gone": the participant is pruned after the sweep.
// Translation-service audio frames without a participant id are tagged so
// clients can tell them apart from human speakers.
func (c *Call) Broadcast(payload interface{}) {
	if frame, ok := payload.(map[string]interface{}); ok {
		kind, _ := frame["kind"].(string)
		if strings.EqualFold(kind, internal_protocol.KindAudioData) {
			if audioData, ok := frame["audioData"].(map[string]interface{}); ok {
				if id, _ := audioData["participantRawID"].(string); id == "" {
					audioData["participantRawID"] = internal_protocol.TranslationServiceParticipant
				}
			}
		}
	}

	c.mu.Lock()
	targets := make(map[string]*internal_wsconn.Conn, len(c.participants))
	for id, conn := range c.participants {
		targets[id] = conn
	}
	c.mu.Unlock()

	c.sendToAll(targets, payload)
}

func (c *Call) broadcastAudioToOthers(senderID string, payload interface{}) {
	c.mu.Lock()
	targets := make(map[string]*internal_wsconn.Conn, len(c.participants))
	for id, conn := range c.participants {
		if id == senderID {
			continue
		}
		targets[id] = conn
	}
	c.mu.Unlock()

	c.sendToAll(targets, payload)
}

func (c *Call) sendToAll(targets map[string]*internal_wsconn.Conn, payload interface{}) {
	var inactive []string
	var wg sync.WaitGroup
	var inactiveMu sync.Mutex

	for id, conn := range targets {
		wg.Add(1)
		go func(id string, conn *internal_wsconn.Conn) {
			defer wg.Done()
			if err := conn.SendJSON(payload); err != nil {
				c.logger.Infof("dropping disconnected participant %s", id)
				inactiveMu.Lock()
				inactive = append(inactive, id)
				inactiveMu.Unlock()
			}
		}(id, conn)
	}
	wg.Wait()

	if len(inactive) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range inactive {
		delete(c.participants, id)
	}
	c.mu.Unlock()
}

// sendParticipantList delivers the current roster to one participant.
func (c *Call) sendParticipantList(conn *internal_wsconn.Conn) error {
	return conn.SendJSON(&internal_protocol.ParticipantEventMessage{
		Type:         internal_protocol.TypeParticipantList,
		Participants: c.ParticipantIDs(),
	})
}

// closeUpstream shuts the upstream down and resets the handshake flag so a
// later join re-negotiates.
func (c *Call) closeUpstream() {
	c.mu.Lock()
	upstream := c.upstream
	c.upstream = nil
	c.metadataSent = false
	c.mu.Unlock()

	if upstream != nil {
		_ = upstream.Close()
	}
}

// Snapshot returns a read-only view for the recent-calls listing.
func (c *Call) Snapshot() internal_type.CallSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return internal_type.CallSummary{
		CallCode:         c.Code,
		Service:          c.Service,
		Provider:         c.Provider,
		BargeIn:          c.BargeIn,
		CreatedAt:        c.CreatedAt.Format(time.RFC3339),
		ParticipantCount: len(c.participants),
		IsActive:         len(c.participants) > 0,
	}
}
