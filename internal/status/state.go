package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/loom-chat/loom/internal/bus"
)

// State represents an engine lifecycle state. One machine exists per
// authenticated identity.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Initializing  State = "INITIALIZING"
	Ready         State = "READY"
	ShuttingDown  State = "SHUTTING_DOWN"
	Closed        State = "CLOSED"
)

// validTransitions defines allowed state transitions. Initializing may fall
// back to Uninitialized when startup fails.
var validTransitions = map[State][]State{
	Uninitialized: {Initializing},
	Initializing:  {Ready, Uninitialized},
	Ready:         {ShuttingDown},
	ShuttingDown:  {Closed},
	Closed:        {},
}

// Machine tracks and enforces engine lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Uninitialized.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Uninitialized,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for lifecycle change events.
type StatusChange struct {
	From State
	To   State
}
