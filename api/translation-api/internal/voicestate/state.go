// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_voicestate

import (
	"context"
	"sync"

	"github.com/looplab/fsm"

	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// Status is the participant's input voice state.
type Status string

const (
	StatusSilence  Status = "silence"
	StatusSpeaking Status = "speaking"
)

const (
	eventVoice = "voice"
	eventQuiet = "quiet"
)

// Listener observes SILENCE/SPEAKING transitions.
type Listener func(speaking bool)

// InputState tracks whether a participant's inbound audio recently contains
// speech. Driven by the batcher's RMS readings: voice must be sustained for
// the hysteresis window before SILENCE→SPEAKING fires, and silence must last
// past the threshold before SPEAKING→SILENCE fires.
type InputState struct {
	mu      sync.Mutex
	machine *fsm.FSM
	logger  commons.Logger

	// voiceDetectedFromMs marks the start of the current voice run while
	// still in SILENCE; negative when no run is active.
	voiceDetectedFromMs int64
	voiceDetectedLastMs int64

	listeners []Listener
}

// NewInputState creates a state machine starting in SILENCE.
func NewInputState(logger commons.Logger) *InputState {
	s := &InputState{
		logger:              logger,
		voiceDetectedFromMs: -1,
	}
	s.machine = fsm.NewFSM(
		string(StatusSilence),
		fsm.Events{
			{Name: eventVoice, Src: []string{string(StatusSilence)}, Dst: string(StatusSpeaking)},
			{Name: eventQuiet, Src: []string{string(StatusSpeaking)}, Dst: string(StatusSilence)},
		},
		fsm.Callbacks{},
	)
	return s
}

// Status returns the current state.
func (s *InputState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status(s.machine.Current())
}

// IsSpeaking reports whether the participant is currently speaking.
func (s *InputState) IsSpeaking() bool {
	return s.Status() == StatusSpeaking
}

// AddListener registers a transition observer. Listeners run outside the
// state lock, after the transition has committed.
func (s *InputState) AddListener(listener Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// OnVoiceDetected records a voiced reading at nowMs. The SILENCE→SPEAKING
// transition only fires once voice has been detected continuously for at
// least hysteresisMs, filtering out single-frame spikes. Returns true when
// a transition happened.
func (s *InputState) OnVoiceDetected(nowMs, hysteresisMs int64) bool {
	s.mu.Lock()

	if Status(s.machine.Current()) == StatusSpeaking {
		// Already speaking; refresh the last-voice timestamp.
		s.voiceDetectedLastMs = nowMs
		s.mu.Unlock()
		return false
	}

	if s.voiceDetectedFromMs < 0 {
		s.voiceDetectedFromMs = nowMs
	}
	if nowMs-s.voiceDetectedFromMs < hysteresisMs {
		s.mu.Unlock()
		return false
	}

	if err := s.machine.Event(context.Background(), eventVoice); err != nil {
		s.mu.Unlock()
		s.logger.Warnf("voice state transition rejected: %v", err)
		return false
	}
	s.voiceDetectedLastMs = nowMs
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Infow("input state changed", "from", string(StatusSilence), "to", string(StatusSpeaking))
	for _, listener := range listeners {
		listener(true)
	}
	return true
}

// OnSilenceDetected records a silent reading at nowMs. The SPEAKING→SILENCE
// transition fires once no voice has been detected for silenceThresholdMs.
// Returns true when a transition happened.
func (s *InputState) OnSilenceDetected(nowMs, silenceThresholdMs int64) bool {
	s.mu.Lock()

	if Status(s.machine.Current()) != StatusSpeaking {
		// A silent reading ends any voice run still inside the hysteresis window.
		s.voiceDetectedFromMs = -1
		s.mu.Unlock()
		return false
	}
	if s.voiceDetectedLastMs == 0 {
		s.mu.Unlock()
		return false
	}
	if nowMs-s.voiceDetectedLastMs <= silenceThresholdMs {
		s.mu.Unlock()
		return false
	}

	if err := s.machine.Event(context.Background(), eventQuiet); err != nil {
		s.mu.Unlock()
		s.logger.Warnf("voice state transition rejected: %v", err)
		return false
	}
	s.voiceDetectedFromMs = -1
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Infow("input state changed", "from", string(StatusSpeaking), "to", string(StatusSilence))
	for _, listener := range listeners {
		listener(false)
	}
	return true
}
