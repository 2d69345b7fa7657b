// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_calls

import (
	"context"
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

	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_upstream "github.com/rapidaai/translation-gateway/api/translation-api/internal/upstream"
	internal_wsconn "github.com/rapidaai/translation-gateway/api/translation-api/internal/wsconn"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLevel("error"))
	require.NoError(t, err)
	return logger
}

// quietUpstream accepts upstream connections and reads frames without ever
// responding, standing in for a translation service.
func quietUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

// participantConn is one fake downstream client: the server-side wrapped
// conn plus everything the client has received.
type participantConn struct {
	server *internal_wsconn.Conn
	client *websocket.Conn

	mu       sync.Mutex
	received []map[string]interface{}
}

func (p *participantConn) snapshot() []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]interface{}(nil), p.received...)
}

func (p *participantConn) audioFrames() []map[string]interface{} {
	var frames []map[string]interface{}
	for _, msg := range p.snapshot() {
		if kind, _ := msg["kind"].(string); strings.EqualFold(kind, "AudioData") {
			frames = append(frames, msg)
		}
	}
	return frames
}

// newParticipantConn builds a real WebSocket pair and pumps client-received
// frames into the participant's buffer.
func newParticipantConn(t *testing.T, logger commons.Logger, name string) *participantConn {
	t.Helper()
	p := &participantConn{}

	upgrader := websocket.Upgrader{}
	serverReady := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverReady <- conn
		// Keep the handler alive while the test runs.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	p.client = client

	serverConn := <-serverReady
	p.server = internal_wsconn.New(logger, serverConn, name, false)

	go func() {
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if json.Unmarshal(data, &msg) == nil {
				p.mu.Lock()
				p.received = append(p.received, msg)
				p.mu.Unlock()
			}
		}
	}()
	return p
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testLogger(t), Config{
		TTL:             time.Minute,
		CleanupInterval: time.Minute,
		Upstream: internal_upstream.Config{
			ConnectTimeout: 2 * time.Second,
		},
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// Call codes: unique, 6 characters, base-36 uppercase alphabet.
func TestCallCodeUniqueness(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		code := GenerateCallCode()
		assert.Len(t, code, CallCodeLength)
		for _, r := range code {
			assert.Contains(t, callCodeAlphabet, string(r))
		}
		assert.False(t, seen[code], "duplicate call code %s", code)
		seen[code] = true
	}
}

func TestCreateAndGetCall(t *testing.T) {
	manager := newTestManager(t)
	call := manager.CreateCall("local", "ws://localhost:1/ws", "mock", "play_through")

	assert.NotNil(t, manager.GetCall(call.Code))
	assert.Nil(t, manager.GetCall("NOPE99"))
	assert.Equal(t, "mock", call.Provider)
}

func TestRecentCallsRing(t *testing.T) {
	manager := newTestManager(t)
	var lastCode string
	for i := 0; i < 13; i++ {
		lastCode = manager.CreateCall("local", "ws://localhost:1/ws", "mock", "play_through").Code
	}

	recent := manager.RecentCalls()
	require.Len(t, recent, 10, "ring keeps the 10 most recent calls")
	assert.Equal(t, lastCode, recent[0].CallCode, "newest first")
	assert.False(t, recent[0].IsActive)
}

func TestAddParticipant_UnknownCall(t *testing.T) {
	manager := newTestManager(t)
	_, err := manager.AddParticipant(context.Background(), "ZZZZZZ", "p1", nil)
	assert.Error(t, err)
}

func TestAddParticipant_JoinFlow(t *testing.T) {
	upstream := quietUpstream(t)
	defer upstream.Close()

	logger := testLogger(t)
	manager := newTestManager(t)
	call := manager.CreateCall("local", "ws"+strings.TrimPrefix(upstream.URL, "http"), "mock", "play_through")

	ctx := context.Background()
	p1 := newParticipantConn(t, logger, "p1")
	_, err := manager.AddParticipant(ctx, call.Code, "p1", p1.server)
	require.NoError(t, err)

	// The new participant receives the roster and the joined event.
	waitUntil(t, func() bool { return len(p1.snapshot()) >= 2 })
	types := []string{}
	for _, msg := range p1.snapshot() {
		if msgType, _ := msg["type"].(string); msgType != "" {
			types = append(types, msgType)
		}
	}
	assert.Contains(t, types, internal_protocol.TypeParticipantList)
	assert.Contains(t, types, internal_protocol.TypeParticipantJoined)

	p2 := newParticipantConn(t, logger, "p2")
	_, err = manager.AddParticipant(ctx, call.Code, "p2", p2.server)
	require.NoError(t, err)

	// Everyone hears about the second join.
	waitUntil(t, func() bool {
		for _, msg := range p1.snapshot() {
			if msgType, _ := msg["type"].(string); msgType == internal_protocol.TypeParticipantJoined {
				if pid, _ := msg["participant_id"].(string); pid == "p2" {
					return true
				}
			}
		}
		return false
	})
	assert.Equal(t, 2, call.ParticipantCount())
}

// No self-echo: audio sent by p1 reaches p2 but never comes back to p1.
func TestSendAudio_ExcludesSender(t *testing.T) {
	upstream := quietUpstream(t)
	defer upstream.Close()

	logger := testLogger(t)
	manager := newTestManager(t)
	call := manager.CreateCall("local", "ws"+strings.TrimPrefix(upstream.URL, "http"), "mock", "play_through")

	ctx := context.Background()
	p1 := newParticipantConn(t, logger, "p1")
	p2 := newParticipantConn(t, logger, "p2")
	_, err := manager.AddParticipant(ctx, call.Code, "p1", p1.server)
	require.NoError(t, err)
	_, err = manager.AddParticipant(ctx, call.Code, "p2", p2.server)
	require.NoError(t, err)

	require.NoError(t, call.SendAudio("p1", []byte{1, 2, 3, 4}, 0))

	waitUntil(t, func() bool { return len(p2.audioFrames()) >= 1 })

	frame := p2.audioFrames()[0]
	audioData := frame["audioData"].(map[string]interface{})
	assert.Equal(t, "p1", audioData["participantRawID"])

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, p1.audioFrames(), "sender must never receive its own raw audio")
}

func TestRemoveParticipant_LastLeaveClosesUpstream(t *testing.T) {
	upstream := quietUpstream(t)
	defer upstream.Close()

	logger := testLogger(t)
	manager := newTestManager(t)
	call := manager.CreateCall("local", "ws"+strings.TrimPrefix(upstream.URL, "http"), "mock", "play_through")

	ctx := context.Background()
	p1 := newParticipantConn(t, logger, "p1")
	p2 := newParticipantConn(t, logger, "p2")
	_, err := manager.AddParticipant(ctx, call.Code, "p1", p1.server)
	require.NoError(t, err)
	_, err = manager.AddParticipant(ctx, call.Code, "p2", p2.server)
	require.NoError(t, err)

	manager.RemoveParticipant(call, "p1")

	// Remaining participant hears the leave.
	waitUntil(t, func() bool {
		for _, msg := range p2.snapshot() {
			if msgType, _ := msg["type"].(string); msgType == internal_protocol.TypeParticipantLeft {
				return true
			}
		}
		return false
	})

	manager.RemoveParticipant(call, "p2")
	assert.Equal(t, 0, call.ParticipantCount())

	call.mu.Lock()
	upstreamGone := call.upstream == nil
	metadataReset := !call.metadataSent
	call.mu.Unlock()
	assert.True(t, upstreamGone, "upstream closes when the call empties")
	assert.True(t, metadataReset, "a later join must re-negotiate metadata")
}

func TestReapIdleCalls(t *testing.T) {
	manager := NewManager(testLogger(t), Config{
		TTL:             10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})
	call := manager.CreateCall("local", "ws://localhost:1/ws", "mock", "play_through")

	time.Sleep(30 * time.Millisecond)
	manager.reapIdleCalls()

	assert.Nil(t, manager.GetCall(call.Code), "empty call past TTL is reaped")
}
