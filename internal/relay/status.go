package relay

import (
	"fmt"

	"github.com/moblink/moblink-relay/internal/peer/connection"
)

// Status is the user-facing condition of one session.
type Status int

const (
	StatusIdle Status = iota
	StatusMissingConfig
	StatusWaitingForUplink
	StatusWaitingForLocal
	StatusConnecting
	StatusConnected
	StatusWrongPassword
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusMissingConfig:
		return "missing config"
	case StatusWaitingForUplink:
		return "waiting for uplink"
	case StatusWaitingForLocal:
		return "waiting for local network"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusWrongPassword:
		return "wrong password"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// statusInputs is everything a status is derived from.
type statusInputs struct {
	missingConfig bool
	uplink        bool
	local         bool
	state         connection.State
	wrongPassword bool
}

// deriveStatus applies the priority order: configuration, then network
// availability, then protocol state.
func deriveStatus(in statusInputs) Status {
	switch {
	case in.missingConfig:
		return StatusMissingConfig
	case !in.uplink:
		return StatusWaitingForUplink
	case !in.local:
		return StatusWaitingForLocal
	case in.state == connection.StateStopped:
		return StatusIdle
	case in.wrongPassword:
		return StatusWrongPassword
	}

	switch in.state {
	case connection.StateConnecting, connection.StateAuthenticating:
		return StatusConnecting
	case connection.StateIdle, connection.StateTunneling:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}
