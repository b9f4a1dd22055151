package connection

import (
	"sync"
	"time"
)

// Machine holds the state of one session. Transitions are validated
// against CanTransitionTo and reported to observers outside the lock.
//
// The session goroutine is the only writer; other goroutines may read
// the state or take an Info snapshot at any time.
type Machine struct {
	mu sync.RWMutex

	session string
	state   State
	// Reason and error of the last transition
	reason    string
	lastError error

	observers []Observer
	now       func() time.Time

	lastTransition time.Time
	connectedSince time.Time
	attempts       int
	reconnects     int
}

// MachineConfig holds configuration for creating a Machine.
type MachineConfig struct {
	Session   string
	Observers []Observer
	// Now overrides the time source, mainly for tests.
	Now func() time.Time
}

// NewMachine creates a Machine in the Stopped state.
func NewMachine(cfg MachineConfig) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		session:        cfg.Session,
		state:          StateStopped,
		observers:      cfg.Observers,
		now:            now,
		lastTransition: now(),
	}
}

// Session returns the session key.
func (m *Machine) Session() string {
	return m.session
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the error that caused the last transition, if any.
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// AddObserver adds an observer to receive state change notifications.
func (m *Machine) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// TransitionTo attempts to transition to the target state.
// Returns a *TransitionError if the transition is invalid.
func (m *Machine) TransitionTo(target State, reason string, err error) error {
	m.mu.Lock()

	from := m.state
	if !from.CanTransitionTo(target) {
		m.mu.Unlock()
		return NewTransitionError(from, target, m.session, reason)
	}

	now := m.now()
	m.state = target
	m.reason = reason
	m.lastError = err
	m.lastTransition = now

	switch target {
	case StateConnecting:
		m.attempts++
		if from == StateBackoff {
			m.reconnects++
		}
	case StateIdle:
		m.connectedSince = now
	case StateStopped, StateBackoff:
		m.connectedSince = time.Time{}
	}

	transition := Transition{
		Session:   m.session,
		From:      from,
		To:        target,
		Timestamp: now,
		Reason:    reason,
		Error:     err,
	}

	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)

	m.mu.Unlock()

	for _, o := range observers {
		o.OnTransition(transition)
	}
	return nil
}

// Info contains snapshot information about a session's state.
type Info struct {
	Session        string
	State          State
	Reason         string
	LastError      error
	LastTransition time.Time
	ConnectedSince time.Time
	Attempts       int
	Reconnects     int
}

// Info returns a snapshot of the current state.
func (m *Machine) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Info{
		Session:        m.session,
		State:          m.state,
		Reason:         m.reason,
		LastError:      m.lastError,
		LastTransition: m.lastTransition,
		ConnectedSince: m.connectedSince,
		Attempts:       m.attempts,
		Reconnects:     m.reconnects,
	}
}
