// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_batch "github.com/rapidaai/translation-gateway/api/translation-api/internal/batch"
	internal_gate "github.com/rapidaai/translation-gateway/api/translation-api/internal/gate"
	internal_pipeline "github.com/rapidaai/translation-gateway/api/translation-api/internal/pipeline"
	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_provider "github.com/rapidaai/translation-gateway/api/translation-api/internal/provider"
	internal_queue "github.com/rapidaai/translation-gateway/api/translation-api/internal/queue"
	internal_wsconn "github.com/rapidaai/translation-gateway/api/translation-api/internal/wsconn"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

func testSessionConfig() internal_pipeline.Config {
	return internal_pipeline.Config{
		IngressQueueMax: 100,
		EgressQueueMax:  100,
		OverflowPolicy:  internal_queue.DropOldest,
		Batching: internal_batch.Config{
			MaxBatchBytes: 500,
			MaxBatchMs:    1_000_000,
			IdleTimeoutMs: 50,
		},
		GateMode:        internal_gate.PlayThrough,
		Provider:        internal_provider.NameMock,
		ProviderOptions: internal_provider.Options{MockDelay: 10 * time.Millisecond},
		ServiceName:     "translation-gateway",
		ServiceVersion:  "test",
	}
}

// sessionClient dials a live Session served over a real WebSocket.
type sessionClient struct {
	conn *websocket.Conn

	mu       sync.Mutex
	received []map[string]interface{}
	closeErr error
}

func (c *sessionClient) snapshot() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.received...)
}

func (c *sessionClient) sendJSON(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(v))
}

func (c *sessionClient) waitFor(t *testing.T, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range c.snapshot() {
			if match(msg) {
				return msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected session message not received")
	return nil
}

func newSessionClient(t *testing.T, config internal_pipeline.Config) *sessionClient {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLevel("error"))
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := internal_wsconn.New(logger, socket, "acs_session_test", false)
		NewSession(logger, conn, config).Run()
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)

	client := &sessionClient{conn: conn}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				client.mu.Lock()
				client.closeErr = err
				client.mu.Unlock()
				return
			}
			var msg map[string]interface{}
			if json.Unmarshal(data, &msg) == nil {
				client.mu.Lock()
				client.received = append(client.received, msg)
				client.mu.Unlock()
			}
		}
	}()
	return client
}

// Full session flow: settings, metadata, audio in; transcript out through
// the mock provider.
func TestSession_SharedRouting_EndToEnd(t *testing.T) {
	client := newSessionClient(t, testSessionConfig())

	client.sendJSON(t, internal_protocol.NewTestSettingsMessage(map[string]interface{}{
		"provider":           "mock",
		"outbound_gate_mode": "play_through",
	}))
	client.sendJSON(t, internal_protocol.NewAudioMetadataMessage("sub-1", 16000, 1, 640))
	client.sendJSON(t, internal_protocol.NewAudioDataMessage("p1", make([]byte, 500), 0, false))

	msg := client.waitFor(t, func(msg map[string]interface{}) bool {
		msgType, _ := msg["type"].(string)
		return msgType == internal_protocol.TypeTranscript
	})
	text, _ := msg["text"].(string)
	assert.Contains(t, text, "[mock final]")
}

func TestSession_PerParticipantRouting(t *testing.T) {
	client := newSessionClient(t, testSessionConfig())

	client.sendJSON(t, map[string]interface{}{
		"type": "control.test.settings",
		"settings": map[string]interface{}{
			"provider": "mock",
			"routing":  "per_participant",
		},
	})
	client.sendJSON(t, internal_protocol.NewAudioDataMessage("alice", make([]byte, 500), 0, false))
	client.sendJSON(t, internal_protocol.NewAudioDataMessage("bob", make([]byte, 500), 0, false))

	// Both participants' isolated pipelines answer on the one socket.
	seen := map[string]bool{}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(seen) < 2 {
		for _, msg := range client.snapshot() {
			if msgType, _ := msg["type"].(string); msgType == internal_protocol.TypeTranscript {
				seen[msg["participant_id"].(string)] = true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, seen, 2, "both per-participant pipelines must produce output")
}

// An invariant breach (non-PCM16 metadata) fails the session with an error
// payload and close code 1011.
func TestSession_InvalidEncodingCloses1011(t *testing.T) {
	client := newSessionClient(t, testSessionConfig())

	client.sendJSON(t, map[string]interface{}{
		"kind": "AudioMetadata",
		"audioMetadata": map[string]interface{}{
			"subscriptionId": "sub-1",
			"encoding":       "MULAW",
			"sampleRate":     8000,
			"channels":       1,
			"length":         160,
		},
	})

	client.waitFor(t, func(msg map[string]interface{}) bool {
		msgType, _ := msg["type"].(string)
		return msgType == internal_protocol.TypeError
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		closeErr := client.closeErr
		client.mu.Unlock()
		if closeErr != nil {
			assert.True(t, websocket.IsCloseError(closeErr, UpstreamFailureCloseCode),
				"expected close 1011, got %v", closeErr)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket was not closed")
}

// Unknown frames are logged and dropped without disconnecting.
func TestSession_UnknownFrameIgnored(t *testing.T) {
	client := newSessionClient(t, testSessionConfig())

	client.sendJSON(t, map[string]interface{}{"type": "definitely.not.a.thing"})
	client.sendJSON(t, internal_protocol.NewTestSettingsMessage(map[string]interface{}{"provider": "mock"}))
	client.sendJSON(t, internal_protocol.NewAudioDataMessage("p1", make([]byte, 500), 0, false))

	client.waitFor(t, func(msg map[string]interface{}) bool {
		msgType, _ := msg["type"].(string)
		return msgType == internal_protocol.TypeTranscript
	})
}
