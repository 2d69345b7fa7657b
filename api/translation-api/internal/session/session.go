// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_pipeline "github.com/rapidaai/translation-gateway/api/translation-api/internal/pipeline"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	internal_wsconn "github.com/rapidaai/translation-gateway/api/translation-api/internal/wsconn"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// Routing strategies. Shared runs one pipeline for all participants of the
// session; per_participant materializes an isolated pipeline (own buses,
// own upstream) the first time a participant sends audio.
const (
	RoutingShared         = "shared"
	RoutingPerParticipant = "per_participant"
)

// UpstreamFailureCloseCode is sent when provider initialization fails.
const UpstreamFailureCloseCode = 1011

// Session manages one accepted downstream WebSocket: the receive loop, the
// routing strategy picked from the first message, and the owned pipelines.
// Lifecycle is tied 1:1 with the socket.
type Session struct {
	logger    commons.Logger
	sessionID string
	conn      *internal_wsconn.Conn
	config    internal_pipeline.Config
	decoder   *internal_protocol.Decoder

	ctx    context.Context
	cancel context.CancelFunc

	mu                   sync.Mutex
	routingStrategy      string
	initialized          bool
	sequence             int
	pendingSettings      map[string]interface{}
	sharedPipeline       *internal_pipeline.SessionPipeline
	participantPipelines map[string]*internal_pipeline.SessionPipeline
}

// NewSession wraps one accepted connection.
func NewSession(logger commons.Logger, conn *internal_wsconn.Conn, config internal_pipeline.Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		logger:               logger,
		sessionID:            uuid.NewString(),
		conn:                 conn,
		config:               config,
		decoder:              internal_protocol.NewDecoder(),
		ctx:                  ctx,
		cancel:               cancel,
		participantPipelines: make(map[string]*internal_pipeline.SessionPipeline),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.sessionID }

// Run processes inbound frames until disconnect, then unwinds the session:
// cancel tasks, shut down every owned pipeline, close the socket.
func (s *Session) Run() {
	s.logger.Infof("session %s started", s.sessionID)
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infof("session %s disconnected", s.sessionID)
			} else if !s.conn.IsClosed() {
				s.logger.Infof("session %s receive loop ended: %v", s.sessionID, err)
			}
			return
		}

		decoded, err := s.decoder.Decode(raw)
		if err != nil {
			s.logger.Warnf("session %s dropping undecodable frame: %v", s.sessionID, err)
			continue
		}
		if decoded.EventType == internal_protocol.EventUnknown {
			s.logger.Infof("session %s ignoring unsupported frame", s.sessionID)
			continue
		}

		if !s.initializedOnce() {
			if err := s.initializeFromFirstMessage(decoded); err != nil {
				s.failSession(err)
				return
			}
		}

		s.routeMessage(decoded)
	}
}

func (s *Session) initializedOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// initializeFromFirstMessage picks the routing strategy and, for shared
// routing, starts the single pipeline. Settings carried by the first frame
// are applied before provider selection.
func (s *Session) initializeFromFirstMessage(decoded *internal_protocol.Decoded) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}

	settings := s.extractSettings(decoded)
	s.pendingSettings = settings
	s.routingStrategy = s.selectRoutingStrategy(decoded, settings)
	s.initialized = true
	strategy := s.routingStrategy
	s.mu.Unlock()

	s.logger.Infof("session %s routing: %s", s.sessionID, strategy)

	if strategy == RoutingPerParticipant {
		// Pipelines are materialized on demand per participant.
		return nil
	}

	pipeline, err := s.startPipeline("")
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sharedPipeline = pipeline
	s.mu.Unlock()
	return nil
}

func (s *Session) extractSettings(decoded *internal_protocol.Decoded) map[string]interface{} {
	if msg, ok := decoded.Payload.(*internal_protocol.TestSettingsMessage); ok {
		return msg.Settings
	}
	return nil
}

// selectRoutingStrategy honors an explicit "routing" key in the frame
// metadata or the settings; anything else defaults to shared.
func (s *Session) selectRoutingStrategy(decoded *internal_protocol.Decoded, settings map[string]interface{}) string {
	if metadata, ok := decoded.Raw["metadata"].(map[string]interface{}); ok {
		if routing, ok := metadata["routing"].(string); ok {
			if routing == RoutingShared || routing == RoutingPerParticipant {
				return routing
			}
		}
	}
	if settings != nil {
		if routing, ok := settings["routing"].(string); ok {
			if routing == RoutingShared || routing == RoutingPerParticipant {
				return routing
			}
		}
	}
	return RoutingShared
}

// startPipeline builds and starts one pipeline, seeding it with any
// settings captured from the first message.
func (s *Session) startPipeline(participantID string) (*internal_pipeline.SessionPipeline, error) {
	pipeline := internal_pipeline.NewSessionPipeline(
		s.logger, s.sessionID, participantID, s.config, s.sendPayload, s.failSession)

	s.mu.Lock()
	pending := s.pendingSettings
	s.mu.Unlock()
	if pending != nil {
		pipeline.Metadata().ApplySettings(pending)
	}

	if err := pipeline.Start(s.ctx); err != nil {
		pipeline.Cleanup()
		return nil, fmt.Errorf("pipeline start failed: %w", err)
	}
	return pipeline, nil
}

// routeMessage hands the decoded frame to the right pipeline. Per the
// strategy, this is the shared pipeline or a lazily created per-participant
// one (double-checked under the session mutex).
func (s *Session) routeMessage(decoded *internal_protocol.Decoded) {
	event := internal_type.NewGatewayInputEvent(s.sessionID, decoded.EventType, decoded.Payload, internal_type.Trace{
		Sequence:    s.nextSequence(),
		IngressWSID: s.sessionID,
	})
	event.ParticipantID = decoded.ParticipantID
	event.SubscriptionID = decoded.SubscriptionID
	event.TimestampUTC = decoded.TimestampUTC
	event.Raw = decoded.Raw

	s.mu.Lock()
	strategy := s.routingStrategy
	s.mu.Unlock()

	if strategy == RoutingShared {
		s.mu.Lock()
		pipeline := s.sharedPipeline
		s.mu.Unlock()
		if pipeline != nil {
			pipeline.ProcessMessage(event)
		}
		return
	}

	participantID := decoded.ParticipantID
	if participantID == "" {
		participantID = "default"
	}

	pipeline, err := s.participantPipeline(participantID)
	if err != nil {
		s.failSession(err)
		return
	}
	pipeline.ProcessMessage(event)
}

// participantPipeline returns the pipeline for participantID, creating it
// on first use.
func (s *Session) participantPipeline(participantID string) (*internal_pipeline.SessionPipeline, error) {
	s.mu.Lock()
	if pipeline, ok := s.participantPipelines[participantID]; ok {
		s.mu.Unlock()
		return pipeline, nil
	}
	s.mu.Unlock()

	s.logger.Infof("session %s creating pipeline for participant %s", s.sessionID, participantID)
	pipeline, err := s.startPipeline(participantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.participantPipelines[participantID]; ok {
		// Lost the race; keep the winner.
		go pipeline.Cleanup()
		return existing, nil
	}
	s.participantPipelines[participantID] = pipeline
	return pipeline, nil
}

func (s *Session) nextSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	return s.sequence
}

// sendPayload serializes one outbound payload onto the socket. A send
// failure is logged; the receive loop notices the dead socket on its own.
func (s *Session) sendPayload(payload *internal_type.OutboundPayload) error {
	if err := s.conn.SendJSON(payload.Message); err != nil {
		s.logger.Debugf("session %s send failed: %v", s.sessionID, err)
		return err
	}
	return nil
}

// failSession surfaces a structured error downstream and closes with 1011.
func (s *Session) failSession(err error) {
	s.logger.Errorf("session %s failed: %v", s.sessionID, err)
	_ = s.conn.SendJSON(internal_protocol.NewErrorMessage(
		fmt.Sprintf("Failed to connect to translation service: %v", err)))
	_ = s.conn.CloseWithCode(UpstreamFailureCloseCode, "Upstream connection failed")
	s.cancel()
}

// cleanup unwinds the session in order: cancel tasks, shut down every owned
// pipeline, close the downstream socket.
func (s *Session) cleanup() {
	s.logger.Infof("session %s cleanup started", s.sessionID)
	s.cancel()

	s.mu.Lock()
	shared := s.sharedPipeline
	participants := make([]*internal_pipeline.SessionPipeline, 0, len(s.participantPipelines))
	for _, pipeline := range s.participantPipelines {
		participants = append(participants, pipeline)
	}
	s.sharedPipeline = nil
	s.participantPipelines = make(map[string]*internal_pipeline.SessionPipeline)
	s.mu.Unlock()

	if shared != nil {
		shared.Cleanup()
	}
	for _, pipeline := range participants {
		pipeline.Cleanup()
	}

	_ = s.conn.Close()
	s.logger.Infof("session %s cleanup complete", s.sessionID)
}
