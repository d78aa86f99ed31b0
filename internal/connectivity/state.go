// Package connectivity tracks whether the remote store is reachable. The
// edge into Online is what triggers a sweep of the offline queue.
package connectivity

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatcore/internal/bus"
)

// State is the link state towards the remote store.
type State string

const (
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	Degraded   State = "DEGRADED"
)

var validTransitions = map[State][]State{
	Offline:    {Connecting, Online},
	Connecting: {Online, Degraded, Offline},
	Online:     {Degraded, Offline},
	Degraded:   {Online, Connecting, Offline},
}

// Machine enforces link state transitions and publishes every change as
// connectivity.changed.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine starts Offline; nothing is sent until something reports the
// link up.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Offline, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether sends should be attempted.
func (m *Machine) Online() bool {
	return m.Current() == Online
}

// Transition moves to the given state. Transitioning to the current state
// is a no-op and publishes nothing.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid connectivity transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.ConnectivityChange, bus.ConnectivityEvent{From: string(from), To: string(to), Reason: reason})
	}
	return nil
}

// SetOnline is the coarse switch used by the coordinator and the CLI.
func (m *Machine) SetOnline(online bool, reason string) error {
	if online {
		return m.Transition(Online, reason)
	}
	return m.Transition(Offline, reason)
}

// CameOnline reports whether evt is an edge into Online.
func CameOnline(evt bus.Event) bool {
	change, ok := evt.Payload.(bus.ConnectivityEvent)
	return ok && evt.Kind == bus.ConnectivityChange && change.To == string(Online) && change.From != string(Online)
}
