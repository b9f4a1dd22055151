// Package netmon tracks the network interfaces a relay forwards between.
//
// A platform Monitor reports raw link and address changes. The Tracker
// turns those into the current Handle for each interface class ("local"
// faces the streamer, "uplink" carries the extra bandwidth) and notifies
// subscribers when a class gains, loses or switches its interface.
package netmon

import (
	"context"
	"net"
	"time"
)

// ChangeType represents the type of network change detected.
type ChangeType int

const (
	ChangeUnknown ChangeType = iota
	ChangeAddressAdded
	ChangeAddressRemoved
	ChangeInterfaceUp
	ChangeInterfaceDown
)

// String returns a string representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeAddressAdded:
		return "address_added"
	case ChangeAddressRemoved:
		return "address_removed"
	case ChangeInterfaceUp:
		return "interface_up"
	case ChangeInterfaceDown:
		return "interface_down"
	default:
		return "unknown"
	}
}

// Event represents a raw network change reported by the OS.
type Event struct {
	Type      ChangeType
	Interface string
	Address   net.IP
	Timestamp time.Time
}

// Monitor watches for network interface changes.
type Monitor interface {
	// Start begins monitoring. Events are sent to the returned channel,
	// which is closed when ctx is cancelled or the monitor fails.
	Start(ctx context.Context) (<-chan Event, error)

	// Close releases any resources held by the monitor.
	Close() error
}

// Config holds monitor configuration.
type Config struct {
	// DebounceInterval coalesces bursts of changes into one event.
	DebounceInterval time.Duration

	// PollInterval is used by platforms without change notifications.
	PollInterval time.Duration

	// IgnoreInterfaces contains interface name patterns to ignore.
	IgnoreInterfaces []string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 500 * time.Millisecond,
		PollInterval:     2 * time.Second,
		IgnoreInterfaces: []string{"lo", "docker*", "veth*", "br-*"},
	}
}

// New creates a new platform-specific network monitor.
func New(cfg Config) (Monitor, error) {
	def := DefaultConfig()
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	return newPlatformMonitor(cfg)
}

func ignored(patterns []string, name string) bool {
	if name == "" {
		return false
	}
	for _, pattern := range patterns {
		if matchName(pattern, name) {
			return true
		}
	}
	return false
}
