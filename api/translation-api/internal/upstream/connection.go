// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	"github.com/rapidaai/translation-gateway/pkg/commons"
	"github.com/rapidaai/translation-gateway/pkg/utils"
)

// Defaults for provider-facing connections. The read limit must accommodate
// long synthesized segments, which can reach tens of megabytes.
const (
	DefaultReadLimit        = 64 * 1024 * 1024
	DefaultPingInterval     = 20 * time.Second
	DefaultOutboundQueueMax = 1000
)

// Config describes one logical provider connection.
type Config struct {
	URL               string
	Headers           http.Header
	ConnectTimeout    time.Duration
	ReadLimit         int64
	PingInterval      time.Duration
	OutboundQueueMax  int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// Connection manages one bidirectional stream to a translation provider:
// an outbound queue drained by a dedicated egress task, an inbound message
// channel fed by the ingress loop, and keep-alive pings. Reconnection is
// driven by the owner (the Session Pipeline), not by this component; the
// connection only supplies the backoff schedule.
type Connection struct {
	logger commons.Logger
	config Config

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	inbound chan map[string]interface{}
	ready   chan struct{}
	closed  bool

	sendQueue *internal_queue.BoundedQueue[interface{}]
	reconnect *backoff.ExponentialBackOff

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// NewConnection creates an unconnected provider connection.
func NewConnection(logger commons.Logger, config Config) *Connection {
	if config.ReadLimit <= 0 {
		config.ReadLimit = DefaultReadLimit
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.OutboundQueueMax <= 0 {
		config.OutboundQueueMax = DefaultOutboundQueueMax
	}
	if config.ReconnectMinDelay <= 0 {
		config.ReconnectMinDelay = 250 * time.Millisecond
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = 10 * time.Second
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = config.ReconnectMinDelay
	reconnect.MaxInterval = config.ReconnectMaxDelay
	reconnect.MaxElapsedTime = 0 // the owner decides when to stop retrying

	return &Connection{
		logger:    logger,
		config:    config,
		ready:     make(chan struct{}),
		sendQueue: internal_queue.NewBoundedQueue[interface{}](config.OutboundQueueMax, internal_queue.DropOldest),
		reconnect: reconnect,
	}
}

// Connect dials the provider and starts the ingress, egress, and keep-alive
// loops. Safe to call again after a connection loss.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	dialCtx := ctx
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(dialCtx, c.config.URL, c.config.Headers)
	if err != nil {
		return fmt.Errorf("failed to connect to provider at %s: %w", c.config.URL, err)
	}

	conn.SetReadLimit(c.config.ReadLimit)
	conn.SetPongHandler(func(appData string) error {
		c.logger.Debugf("received pong from provider")
		return nil
	})

	loopCtx, loopCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.inbound = make(chan map[string]interface{}, 256)
	c.loopCtx = loopCtx
	c.loopCancel = loopCancel
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()

	c.reconnect.Reset()

	utils.Go(loopCtx, func() { c.egressLoop(loopCtx, conn) })
	utils.Go(loopCtx, func() { c.ingressLoop(loopCtx, conn) })
	utils.Go(loopCtx, func() { c.keepAliveLoop(loopCtx, conn) })

	c.logger.Infof("upstream connected to %s", c.config.URL)
	return nil
}

// WaitReady blocks until the first successful connect or ctx expiry.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues one JSON payload for the egress task. Payload kinds are
// whitelisted; anything else is rejected.
func (c *Connection) Send(payload interface{}) error {
	if !isAllowedOutbound(payload) {
		return fmt.Errorf("unsupported outbound payload: %T", payload)
	}
	if accepted := c.sendQueue.Put(payload); !accepted {
		c.logger.Warnw("upstream send queue overflow",
			"url", c.config.URL,
			"depth", c.sendQueue.Len(),
			"policy", string(c.sendQueue.Policy()))
	}
	return nil
}

// Messages returns the inbound channel for the current connection. The
// channel closes when the ingress loop exits (socket failure or Close).
func (c *Connection) Messages() <-chan map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound
}

// NextReconnectDelay returns the next delay in the exponential backoff
// schedule between the configured minimum and maximum.
func (c *Connection) NextReconnectDelay() time.Duration {
	return c.reconnect.NextBackOff()
}

// Close tears the connection down. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.loopCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			c.logger.Debugf("error closing upstream socket: %v", err)
		}
	}
	return nil
}

// ============================================================================
// Loops
// ============================================================================

func (c *Connection) egressLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		payload, err := c.sendQueue.Get(ctx)
		if err != nil {
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Errorf("failed to marshal upstream payload: %v", err)
			continue
		}
		c.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Warnf("upstream write failed: %v", err)
			return
		}
	}
}

func (c *Connection) ingressLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.teardownAfterIngress(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("upstream closed normally")
			} else {
				c.logger.Warnf("upstream read error: %v", err)
			}
			return
		}

		var frame map[string]interface{}
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warnf("received non-JSON message from provider: %v", err)
			continue
		}

		if !isAllowedInbound(frame) {
			c.logger.Infof("ignoring unsupported inbound provider event: kind=%v type=%v",
				frame["kind"], frame["type"])
			continue
		}

		c.mu.Lock()
		inbound := c.inbound
		c.mu.Unlock()
		select {
		case inbound <- frame:
		default:
			c.logger.Warnw("upstream inbound channel full, dropping message",
				"url", c.config.URL)
		}
	}
}

// teardownAfterIngress closes the inbound channel so the owner observes the
// stream end, and clears the socket so Connect can run again.
func (c *Connection) teardownAfterIngress(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	inbound := c.inbound
	cancel := c.loopCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
	if inbound != nil {
		close(inbound)
	}
}

func (c *Connection) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debugf("keep-alive ping failed: %v", err)
				return
			}
		}
	}
}

// ============================================================================
// Whitelists
// ============================================================================

// isAllowedOutbound accepts AudioMetadata, AudioData, and control messages
// whose type begins with "control.".
func isAllowedOutbound(payload interface{}) bool {
	switch p := payload.(type) {
	case *internal_protocol.AudioMetadataMessage, internal_protocol.AudioMetadataMessage,
		*internal_protocol.AudioDataMessage, internal_protocol.AudioDataMessage:
		return true
	case *internal_protocol.TestSettingsMessage:
		return strings.HasPrefix(p.Type, "control.")
	case internal_protocol.TestSettingsMessage:
		return strings.HasPrefix(p.Type, "control.")
	case map[string]interface{}:
		kind, _ := p["kind"].(string)
		if kind == internal_protocol.KindAudioMetadata || kind == internal_protocol.KindAudioData {
			return true
		}
		msgType, _ := p["type"].(string)
		return strings.HasPrefix(msgType, "control.")
	}
	return false
}

// isAllowedInbound accepts AudioData, AudioMetadata, transcripts, text
// deltas, control responses, and system info responses.
func isAllowedInbound(frame map[string]interface{}) bool {
	kind, _ := frame["kind"].(string)
	if strings.EqualFold(kind, internal_protocol.KindAudioData) ||
		strings.EqualFold(kind, internal_protocol.KindAudioMetadata) {
		return true
	}
	msgType, _ := frame["type"].(string)
	switch msgType {
	case internal_protocol.TypeTranscript,
		internal_protocol.TypeTranslationTextDelta,
		internal_protocol.TypeTestResponseText,
		internal_protocol.TypeTestResponseDelta,
		"system_info_response",
		internal_protocol.TypeSystemInfoResponse:
		return true
	}
	return false
}
