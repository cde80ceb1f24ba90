package chat

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kinshipapp/kinchat/internal/bus"
)

// ConnState represents the transport lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
	StateFailed       ConnState = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[ConnState][]ConnState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateFailed, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

// stateMachine tracks and enforces transport state transitions.
type stateMachine struct {
	mu      sync.RWMutex
	current ConnState
	bus     *bus.Bus
}

// newStateMachine creates a state machine starting disconnected.
func newStateMachine(b *bus.Bus) *stateMachine {
	return &stateMachine{
		current: StateDisconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *stateMachine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; the current state is unchanged in that case.
func (m *stateMachine) Transition(to ConnState) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state_changed",
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to},
		})
	}
	return nil
}

// StateChange is the payload for conn.state_changed events.
type StateChange struct {
	From ConnState
	To   ConnState
}
