// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_calls

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	internal_protocol "github.com/rapidaai/translation-gateway/api/translation-api/internal/protocol"
	internal_type "github.com/rapidaai/translation-gateway/api/translation-api/internal/type"
	internal_upstream "github.com/rapidaai/translation-gateway/api/translation-api/internal/upstream"
	internal_wsconn "github.com/rapidaai/translation-gateway/api/translation-api/internal/wsconn"
	"github.com/rapidaai/translation-gateway/pkg/commons"
	"github.com/rapidaai/translation-gateway/pkg/utils"
)

// Call codes are 6 characters from the base-36 uppercase alphabet.
const (
	callCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CallCodeLength   = 6
	maxRecentCalls   = 10
)

// GenerateCallCode draws a random call code.
func GenerateCallCode() string {
	code := make([]byte, CallCodeLength)
	alphabetSize := big.NewInt(int64(len(callCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			// crypto/rand only fails when the platform source is broken.
			panic(fmt.Sprintf("call code generation failed: %v", err))
		}
		code[i] = callCodeAlphabet[n.Int64()]
	}
	return string(code)
}

// Config governs call housekeeping and the per-call upstream connections.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	Upstream        internal_upstream.Config
}

// recentCall records creation-time metadata for the diagnostic listing.
type recentCall struct {
	callCode  string
	service   string
	provider  string
	bargeIn   string
	createdAt string
}

// Manager is the process-wide, mutex-protected call registry: it allocates
// call codes, tracks participants, and reaps idle calls.
type Manager struct {
	logger commons.Logger
	config Config

	mu     sync.Mutex
	calls  map[string]*Call
	recent []recentCall
}

// NewManager creates an empty registry.
func NewManager(logger commons.Logger, config Config) *Manager {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	return &Manager{
		logger: logger,
		config: config,
		calls:  make(map[string]*Call),
	}
}

// CreateCall allocates a call with a unique code and records it in the
// recent-calls ring.
func (m *Manager) CreateCall(service, serviceURL, provider, bargeIn string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	code := GenerateCallCode()
	for m.calls[code] != nil {
		code = GenerateCallCode()
	}

	call := newCall(m.logger, code, service, serviceURL, provider, bargeIn, m.config.Upstream)
	m.calls[code] = call

	m.recent = append([]recentCall{{
		callCode:  code,
		service:   service,
		provider:  provider,
		bargeIn:   bargeIn,
		createdAt: call.CreatedAt.Format(time.RFC3339),
	}}, m.recent...)
	if len(m.recent) > maxRecentCalls {
		m.recent = m.recent[:maxRecentCalls]
	}

	m.logger.Infof("created call %s (service: %s, provider: %s)", code, service, provider)
	return call
}

// GetCall looks a call up by code; nil when unknown.
func (m *Manager) GetCall(code string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[code]
}

// RecentCalls returns the ten most recently created calls with live
// participant counts.
func (m *Manager) RecentCalls() []internal_type.CallSummary {
	m.mu.Lock()
	recent := append([]recentCall(nil), m.recent...)
	calls := make(map[string]*Call, len(m.calls))
	for code, call := range m.calls {
		calls[code] = call
	}
	m.mu.Unlock()

	out := make([]internal_type.CallSummary, 0, len(recent))
	for _, entry := range recent {
		summary := internal_type.CallSummary{
			CallCode:  entry.callCode,
			Service:   entry.service,
			Provider:  entry.provider,
			BargeIn:   entry.bargeIn,
			CreatedAt: entry.createdAt,
		}
		if call, ok := calls[entry.callCode]; ok {
			live := call.Snapshot()
			summary.ParticipantCount = live.ParticipantCount
			summary.IsActive = live.IsActive
		}
		out = append(out, summary)
	}
	return out
}

// AddParticipant inserts the participant, lazily initializes the upstream
// (settings and metadata sent once), then broadcasts the roster to the new
// participant and a joined event to everyone.
func (m *Manager) AddParticipant(ctx context.Context, code, participantID string, conn *internal_wsconn.Conn) (*Call, error) {
	call := m.GetCall(code)
	if call == nil {
		return nil, fmt.Errorf("call not found: %s", code)
	}

	call.mu.Lock()
	call.participants[participantID] = conn
	call.lastActivity = time.Now()
	call.mu.Unlock()

	if err := call.ensureUpstream(ctx); err != nil {
		call.mu.Lock()
		delete(call.participants, participantID)
		call.mu.Unlock()
		return nil, err
	}

	if err := call.sendParticipantList(conn); err != nil {
		m.logger.Debugf("failed to send roster to %s: %v", participantID, err)
	}
	call.Broadcast(&internal_protocol.ParticipantEventMessage{
		Type:          internal_protocol.TypeParticipantJoined,
		ParticipantID: participantID,
		Participants:  call.ParticipantIDs(),
	})

	m.logger.Infof("participant %s joined call %s (%d total participants)",
		participantID, code, call.ParticipantCount())
	return call, nil
}

// RemoveParticipant drops the participant, notifies the rest, and closes
// the upstream when the call empties so a later join re-negotiates.
func (m *Manager) RemoveParticipant(call *Call, participantID string) {
	call.mu.Lock()
	delete(call.participants, participantID)
	remaining := len(call.participants)
	call.lastActivity = time.Now()
	call.mu.Unlock()

	m.logger.Infof("participant %s left call %s (%d remaining participants)",
		participantID, call.Code, remaining)

	if remaining > 0 {
		call.Broadcast(&internal_protocol.ParticipantEventMessage{
			Type:          internal_protocol.TypeParticipantLeft,
			ParticipantID: participantID,
			Participants:  call.ParticipantIDs(),
		})
		return
	}

	m.logger.Infof("last participant left call %s, closing upstream connection", call.Code)
	call.closeUpstream()
}

// StartReaper launches the idle-call sweep until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context) {
	utils.Go(ctx, func() {
		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdleCalls()
			}
		}
	})
}

// reapIdleCalls destroys calls that have sat empty past the TTL.
func (m *Manager) reapIdleCalls() {
	cutoff := time.Now().Add(-m.config.TTL)

	m.mu.Lock()
	var expired []*Call
	for code, call := range m.calls {
		if call.ParticipantCount() == 0 && call.idleSince().Before(cutoff) {
			delete(m.calls, code)
			expired = append(expired, call)
		}
	}
	m.mu.Unlock()

	for _, call := range expired {
		call.closeUpstream()
		m.logger.Infof("reaped idle call %s", call.Code)
	}
}

// Shutdown closes every call's upstream.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Call, 0, len(m.calls))
	for _, call := range m.calls {
		all = append(all, call)
	}
	m.calls = make(map[string]*Call)
	m.mu.Unlock()

	for _, call := range all {
		call.closeUpstream()
	}
}
