// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	"fmt"
	"sync"
)

// SessionMetadata is the per-session negotiated state shared between the
// inbound handlers, the batcher, and the normalizer: the audio format from
// the AudioMetadata frame and the translation settings from
// control.test.settings. Safe for concurrent use.
type SessionMetadata struct {
	mu       sync.RWMutex
	format   *AudioFormat
	settings map[string]interface{}
}

// NewSessionMetadata creates empty session metadata.
func NewSessionMetadata() *SessionMetadata {
	return &SessionMetadata{settings: make(map[string]interface{})}
}

// SetFormat stores the negotiated stream format. Returns an error for any
// sample format other than 16-bit PCM — the gateway does not transcode.
func (m *SessionMetadata) SetFormat(format AudioFormat) error {
	switch format.Encoding {
	case "PCM", "PCM16", "pcm", "pcm16":
	default:
		return fmt.Errorf("unsupported encoding %q: only 16-bit PCM is accepted", format.Encoding)
	}
	m.mu.Lock()
	m.format = &format
	m.mu.Unlock()
	return nil
}

// Format returns the negotiated format and whether negotiation happened.
func (m *SessionMetadata) Format() (AudioFormat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.format == nil {
		return AudioFormat{}, false
	}
	return *m.format, true
}

// ApplySettings merges a control.test.settings payload into the session.
func (m *SessionMetadata) ApplySettings(settings map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range settings {
		m.settings[key] = value
	}
}

// Setting returns one settings value.
func (m *SessionMetadata) Setting(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.settings[key]
	return value, ok
}

// StringSetting returns one settings value as a string, empty when unset.
func (m *SessionMetadata) StringSetting(key string) string {
	value, ok := m.Setting(key)
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

// BoolSetting returns one settings value as a bool, false when unset.
func (m *SessionMetadata) BoolSetting(key string) bool {
	value, ok := m.Setting(key)
	if !ok {
		return false
	}
	b, _ := value.(bool)
	return b
}

// Settings returns a copy of all settings.
func (m *SessionMetadata) Settings() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.settings))
	for key, value := range m.settings {
		out[key] = value
	}
	return out
}
