// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package translation_api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/translation-gateway/config"

	internal_batch "github.com/rapidaai/translation-gateway/api/translation-api/internal/batch"
	internal_calls "github.com/rapidaai/translation-gateway/api/translation-api/internal/calls"
	internal_gate "github.com/rapidaai/translation-gateway/api/translation-api/internal/gate"
	internal_pipeline "github.com/rapidaai/translation-gateway/api/translation-api/internal/pipeline"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_provider "github.com/rapidaai/translation-gateway/api/translation-api/internal/provider"
	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	internal_session "github.com/rapidaai/translation-gateway/api/translation-api/internal/session"
	internal_wsconn "github.com/rapidaai/translation-gateway/api/translation-api/internal/wsconn"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// WebSocket close codes used by the participant endpoint.
const (
	CloseMissingCallCode      = 4400
	CloseMissingParticipantID = 4401
	CloseUnknownCall          = 4404
)

// TranslationAPI exposes the call control surface and both WebSocket
// endpoints: /ws/participant (call side) and /ws (session side).
type TranslationAPI struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	manager  *internal_calls.Manager
	upgrader websocket.Upgrader

	services       map[string]string
	providers      []string
	bargeInModes   []string
	pipelineConfig internal_pipeline.Config
}

// New builds the API surface. services maps service names to WebSocket
// session URLs (the gateway's own /ws by default).
func New(cfg *config.AppConfig, logger commons.Logger, manager *internal_calls.Manager, services map[string]string) *TranslationAPI {
	return &TranslationAPI{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		services:       services,
		providers:      []string{internal_provider.NameMock, internal_provider.NameVoiceLive},
		bargeInModes:   []string{string(internal_gate.PlayThrough), string(internal_gate.PauseAndBuffer), string(internal_gate.PauseAndDrop)},
		pipelineConfig: PipelineConfig(cfg),
	}
}

// PipelineConfig maps the application config onto one session pipeline.
func PipelineConfig(cfg *config.AppConfig) internal_pipeline.Config {
	return internal_pipeline.Config{
		IngressQueueMax: cfg.Buffering.IngressQueueMax,
		EgressQueueMax:  cfg.Buffering.EgressQueueMax,
		OverflowPolicy:  internal_queue.ParsePolicy(cfg.Buffering.OverflowPolicy),
		Batching: internal_batch.Config{
			MaxBatchBytes: cfg.Batching.MaxBatchBytes,
			MaxBatchMs:    cfg.Batching.MaxBatchMs,
			IdleTimeoutMs: cfg.Batching.IdleTimeoutMs,
		},
		GateMode: internal_gate.ParseMode(cfg.Dispatch.OutboundGateMode),
		Provider: cfg.Dispatch.Provider,
		ProviderOptions: internal_provider.Options{
			Endpoint:       cfg.Dispatch.ProviderEndpoint,
			APIKey:         cfg.Dispatch.ProviderAPIKey,
			ConnectTimeout: time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
		},
		TailSilenceMs:  cfg.Upstream.TailSilenceMs,
		ServiceName:    cfg.Name,
		ServiceVersion: cfg.Version,
	}
}

// Healthz reports liveness.
func (a *TranslationAPI) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TestSettings lists the configurable options for the call-creation UI.
func (a *TranslationAPI) TestSettings(c *gin.Context) {
	names := make([]string, 0, len(a.services))
	for name := range a.services {
		names = append(names, name)
	}
	c.JSON(http.StatusOK, gin.H{
		"services":       names,
		"providers":      a.providers,
		"barge_in_modes": a.bargeInModes,
	})
}

// RecentCalls lists the ten most recently created calls.
func (a *TranslationAPI) RecentCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": a.manager.RecentCalls()})
}

type createCallRequest struct {
	Service  string `json:"service" binding:"required"`
	Provider string `json:"provider" binding:"required"`
	BargeIn  string `json:"barge_in" binding:"required"`
}

// CreateCall allocates a call code.
func (a *TranslationAPI) CreateCall(c *gin.Context) {
	var request createCallRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	serviceURL, ok := a.services[request.Service]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Unsupported service"})
		return
	}
	if !contains(a.providers, request.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Unsupported provider"})
		return
	}
	if !contains(a.bargeInModes, request.BargeIn) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Unsupported barge-in mode"})
		return
	}

	call := a.manager.CreateCall(request.Service, serviceURL, request.Provider, request.BargeIn)
	c.JSON(http.StatusOK, gin.H{"call_code": call.Code})
}

// ParticipantSocket joins one downstream client to a call.
func (a *TranslationAPI) ParticipantSocket(c *gin.Context) {
	callCode := c.Query("call_code")
	participantID := c.Query("participant_id")

	socket, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warnf("participant upgrade failed: %v", err)
		return
	}
	conn := internal_wsconn.New(a.logger, socket, fmt.Sprintf("participant_%s", participantID), a.cfg.LogWire)

	if callCode == "" {
		_ = conn.CloseWithCode(CloseMissingCallCode, "missing call code")
		return
	}
	if participantID == "" {
		_ = conn.CloseWithCode(CloseMissingParticipantID, "missing participant id")
		return
	}

	call := a.manager.GetCall(callCode)
	if call == nil {
		a.logger.Warnf("call not found: %s", callCode)
		_ = conn.CloseWithCode(CloseUnknownCall, "unknown call")
		return
	}

	_ = conn.SendJSON(&internal_protocol.ConnectionEventMessage{
		Type:    internal_protocol.TypeConnectionEstablished,
		Message: "WebSocket connected, initializing translation service...",
	})

	// The upstream and its pump outlive this request handler, so they are
	// bound to the process context, not the request's.
	if _, err := a.manager.AddParticipant(context.Background(), callCode, participantID, conn); err != nil {
		a.logger.Errorf("failed to connect to upstream service: %v", err)
		_ = conn.SendJSON(internal_protocol.NewErrorMessage(
			fmt.Sprintf("Failed to connect to translation service: %v", err)))
		_ = conn.CloseWithCode(internal_session.UpstreamFailureCloseCode, "Upstream connection failed")
		return
	}

	_ = conn.SendJSON(&internal_protocol.ConnectionEventMessage{
		Type:    internal_protocol.TypeConnectionReady,
		Message: "Translation service connected",
	})

	defer a.manager.RemoveParticipant(call, participantID)
	a.participantReceiveLoop(call, participantID, conn)
}

// participantReceiveLoop forwards client audio into the call until the
// socket closes.
func (a *TranslationAPI) participantReceiveLoop(call *internal_calls.Call, participantID string, conn *internal_wsconn.Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			a.logger.Infof("participant %s disconnected from call %s", participantID, call.Code)
			return
		}

		var message struct {
			Type        string `json:"type"`
			Data        string `json:"data"`
			TimestampMs int64  `json:"timestamp_ms"`
		}
		if err := json.Unmarshal(raw, &message); err != nil {
			a.logger.Warnf("participant %s sent invalid JSON: %v", participantID, err)
			continue
		}
		if message.Type != "audio" || message.Data == "" {
			continue
		}

		pcm, err := base64.StdEncoding.DecodeString(message.Data)
		if err != nil {
			a.logger.Warnf("participant %s sent invalid base64 audio: %v", participantID, err)
			continue
		}
		if err := call.SendAudio(participantID, pcm, message.TimestampMs); err != nil {
			a.logger.Warnf("failed to forward audio for participant %s: %v", participantID, err)
		}
	}
}

// SessionSocket accepts one translation session (the upstream side of a
// call, or an external ACS-style client).
func (a *TranslationAPI) SessionSocket(c *gin.Context) {
	socket, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warnf("session upgrade failed: %v", err)
		return
	}

	conn := internal_wsconn.New(a.logger, socket, "acs_session", a.cfg.LogWire)
	session := internal_session.NewSession(a.logger, conn, a.pipelineConfig)
	a.logger.Infof("new session connection %s from %s", session.ID(), c.Request.RemoteAddr)
	session.Run()
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
