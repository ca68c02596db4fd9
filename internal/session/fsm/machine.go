package fsm

import (
	"strings"
	"sync"
)

// State describes where a voice session is in its lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateListening   State = "listening"
	StateSpeaking    State = "speaking"
)

// Mode is the listen mode announced in listen messages.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeManual   Mode = "manual"
	ModeRealtime Mode = "realtime"
)

// ParseMode falls back to manual for unknown values.
func ParseMode(mode string) Mode {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case string(ModeAuto):
		return ModeAuto
	case string(ModeRealtime):
		return ModeRealtime
	default:
		return ModeManual
	}
}

// Machine guards session state transitions. Event methods report whether
// the event was legal in the current state; illegal events leave the state
// untouched.
type Machine struct {
	mu    sync.RWMutex
	state State
	mode  Mode
}

// New creates a state machine in idle/manual.
func New() *Machine {
	return &Machine{
		state: StateIdle,
		mode:  ModeManual,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Mode returns the current listen mode.
func (m *Machine) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode updates the listen mode.
func (m *Machine) SetMode(mode string) {
	m.mu.Lock()
	m.mode = ParseMode(mode)
	m.mu.Unlock()
}

// OnHelloSent enters negotiation from any state.
func (m *Machine) OnHelloSent() State {
	return m.transition(StateNegotiating)
}

// OnHelloAck completes negotiation.
func (m *Machine) OnHelloAck() bool {
	return m.guarded(StateListening, StateNegotiating)
}

// OnTTSStart enters speaking. It needs an established session.
func (m *Machine) OnTTSStart() bool {
	return m.guarded(StateSpeaking, StateListening, StateSpeaking)
}

// OnTTSStop returns to listening.
func (m *Machine) OnTTSStop() bool {
	return m.guarded(StateListening, StateListening, StateSpeaking)
}

// Reset returns to idle from any state and reports the previous state.
func (m *Machine) Reset() State {
	return m.transition(StateIdle)
}

// HasSession reports whether a handshake has completed.
func (m *Machine) HasSession() bool {
	switch m.State() {
	case StateListening, StateSpeaking:
		return true
	default:
		return false
	}
}

func (m *Machine) guarded(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			m.state = to
			return true
		}
	}
	return false
}

func (m *Machine) transition(state State) State {
	m.mu.Lock()
	prev := m.state
	m.state = state
	m.mu.Unlock()
	return prev
}
