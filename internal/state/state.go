// Package state provides a small finite-state machine with observer
// channels. It replaces ad-hoc status fields with an explicit lifecycle
// type: state is mutated first, observers are notified second, and an
// observer can never re-enter the machine while a transition is in
// progress.
package state

import "sync"

// State is a named lifecycle state.
type State string

// Machine tracks a current State and fans each transition out to
// registered watchers. The zero value is not usable; use New.
type Machine struct {
	mu       sync.Mutex
	state    State
	watchers map[chan State]struct{}
}

// New returns a Machine starting in the given state.
func New(initial State) *Machine {
	return &Machine{
		state:    initial,
		watchers: make(map[chan State]struct{}),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the current state is one of the given states.
func (m *Machine) Is(states ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}

// Set transitions to next and notifies watchers. The state is updated
// before any watcher observes the transition.
func (m *Machine) Set(next State) {
	m.mu.Lock()
	m.state = next
	chans := make([]chan State, 0, len(m.watchers))
	for ch := range m.watchers {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- next:
		default:
			// Watcher is lagging; evict its oldest observation so the
			// newest state is never lost.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// CompareAndSet transitions to next only if the current state is one of
// from. It reports whether the transition happened.
func (m *Machine) CompareAndSet(next State, from ...State) bool {
	m.mu.Lock()
	ok := false
	for _, s := range from {
		if m.state == s {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.state = next
	chans := make([]chan State, 0, len(m.watchers))
	for ch := range m.watchers {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	return true
}

// Watch registers a new observer channel. Every transition after the
// call is delivered to the channel; a slow observer may miss
// intermediate states but always sees the most recent one. Release with
// Unwatch.
func (m *Machine) Watch() <-chan State {
	ch := make(chan State, 8)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unwatch removes an observer channel registered with Watch.
func (m *Machine) Unwatch(ch <-chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.watchers {
		if (<-chan State)(c) == ch {
			delete(m.watchers, c)
			return
		}
	}
}
