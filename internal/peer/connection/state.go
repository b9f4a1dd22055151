package connection

import "fmt"

// State represents the protocol state of one relay session.
type State int

const (
	// StateStopped indicates the session is not running. It is the initial
	// state and the only one reachable by an explicit stop.
	StateStopped State = iota

	// StateConnecting indicates a control channel is being established.
	StateConnecting

	// StateAuthenticating indicates the channel is open and the handshake
	// has not completed.
	StateAuthenticating

	// StateIdle indicates the channel is authenticated and no tunnel exists.
	StateIdle

	// StateTunneling indicates a tunnel is forwarding datagrams.
	StateTunneling

	// StateBackoff indicates the session failed and is waiting to reconnect.
	StateBackoff
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateTunneling:
		return "tunneling"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsRunning returns true for every state except Stopped.
func (s State) IsRunning() bool {
	return s != StateStopped
}

// IsAuthenticated returns true if the control channel has completed the
// handshake.
func (s State) IsAuthenticated() bool {
	return s == StateIdle || s == StateTunneling
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	if target == StateStopped {
		return s != StateStopped
	}

	switch s {
	case StateStopped:
		return target == StateConnecting

	case StateConnecting:
		// Channel opened, or the attempt failed
		return target == StateAuthenticating || target == StateBackoff

	case StateAuthenticating:
		return target == StateIdle || target == StateBackoff

	case StateIdle:
		return target == StateTunneling || target == StateBackoff

	case StateTunneling:
		// A replaced tunnel stays in Tunneling without a transition
		return target == StateBackoff

	case StateBackoff:
		return target == StateConnecting

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	From    State
	To      State
	Session string
	Message string
}

func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid state transition for session %s: %s -> %s: %s",
			e.Session, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("invalid state transition for session %s: %s -> %s",
		e.Session, e.From, e.To)
}

// NewTransitionError creates a new transition error.
func NewTransitionError(from, to State, session, message string) *TransitionError {
	return &TransitionError{
		From:    from,
		To:      to,
		Session: session,
		Message: message,
	}
}
