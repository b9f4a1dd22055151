package connection

import (
	"time"

	"github.com/rs/zerolog"
)

// Transition represents a state change event.
type Transition struct {
	// Session is the key of the session whose state changed.
	Session string

	// From is the previous state.
	From State

	// To is the new state.
	To State

	// Timestamp is when the transition occurred.
	Timestamp time.Time

	// Reason is a human-readable description of why the transition occurred.
	Reason string

	// Error is non-nil if the transition was caused by an error.
	Error error
}

// Observer receives notifications about state transitions.
// Notifications are delivered synchronously on the session goroutine, so
// implementations must not block or call back into the session.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc is an adapter that allows using ordinary functions as Observers.
type ObserverFunc func(Transition)

// OnTransition implements the Observer interface.
func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}

// MultiObserver combines multiple observers into one.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a new MultiObserver with the given observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{
		observers: observers,
	}
}

// Add adds an observer to the multi-observer.
func (m *MultiObserver) Add(o Observer) {
	m.observers = append(m.observers, o)
}

// OnTransition notifies all observers of the transition.
func (m *MultiObserver) OnTransition(t Transition) {
	for _, o := range m.observers {
		o.OnTransition(t)
	}
}

// LoggingObserver logs every transition at debug level, and transitions
// caused by an error at warn level.
type LoggingObserver struct {
	Logger zerolog.Logger
}

// OnTransition implements the Observer interface.
func (l LoggingObserver) OnTransition(t Transition) {
	event := l.Logger.Debug()
	if t.Error != nil {
		event = l.Logger.Warn().Err(t.Error)
	}
	event.
		Str("session", t.Session).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("reason", t.Reason).
		Msg("session state transition")
}
