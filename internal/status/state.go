package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// EventStatusChanged is published on every connection state transition.
const EventStatusChanged = "connection.status_changed"

// State represents the transport connection state.
type State string

const (
	Initialized            State = "INITIALIZED"
	Connecting             State = "CONNECTING"
	WaitingForConnectionID State = "WAITING_FOR_CONNECTION_ID"
	Connected              State = "CONNECTED"
	Disconnecting          State = "DISCONNECTING"
	Disconnected           State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Initialized:            {Connecting, Disconnected},
	Connecting:             {WaitingForConnectionID, Disconnecting, Disconnected},
	WaitingForConnectionID: {Connected, Disconnecting, Disconnected},
	Connected:              {Disconnecting, Disconnected},
	Disconnecting:          {Disconnected},
	Disconnected:           {Connecting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu           sync.RWMutex
	current      State
	connectionID string
	bus          *bus.Bus

	listeners map[int]func(StatusChange)
	nextID    int
}

// NewMachine creates a new state machine starting in Initialized state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current:   Initialized,
		bus:       b,
		listeners: make(map[int]func(StatusChange)),
	}
}

// OnTransition registers fn to run synchronously on every transition, before
// the transition is published on the bus and before the next one can start.
// fn must not call back into the Machine.
func (m *Machine) OnTransition(fn func(StatusChange)) (unregister func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ConnectionID returns the id assigned by the server while Connected.
func (m *Machine) ConnectionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionID
}

// Transition attempts to move to a new state. Use Connected and Disconnected
// for the states that carry data.
func (m *Machine) Transition(to State) error {
	if to == Connected {
		return fmt.Errorf("transition to %s requires a connection id", to)
	}
	return m.transition(to, "", nil)
}

// Connected completes the handshake with the server-assigned connection id.
func (m *Machine) Connected(connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("connected without connection id")
	}
	return m.transition(Connected, connectionID, nil)
}

// Disconnected records the connection loss; cause is nil for a clean close.
func (m *Machine) Disconnected(cause error) error {
	return m.transition(Disconnected, "", cause)
}

func (m *Machine) transition(to State, connectionID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.connectionID = connectionID

	change := StatusChange{From: from, To: to, ConnectionID: connectionID, Err: cause}
	for _, fn := range m.listeners {
		fn(change)
	}
	// Published under the lock so subscribers observe transitions in order.
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: EventStatusChanged, Payload: change})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From         State
	To           State
	ConnectionID string
	Err          error
}
