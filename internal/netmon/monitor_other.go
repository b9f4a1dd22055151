//go:build !linux

package netmon

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"
)

// pollingMonitor snapshots interface state periodically on platforms
// without a change notification socket.
type pollingMonitor struct {
	cfg    Config
	events chan Event
	last   string
}

func newPlatformMonitor(cfg Config) (Monitor, error) {
	return &pollingMonitor{
		cfg:    cfg,
		events: make(chan Event, 16),
	}, nil
}

func (m *pollingMonitor) Start(ctx context.Context) (<-chan Event, error) {
	m.last = m.snapshot()
	go m.pollLoop(ctx)
	return m.events, nil
}

func (m *pollingMonitor) pollLoop(ctx context.Context) {
	defer close(m.events)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := m.snapshot()
			if current == m.last {
				continue
			}
			m.last = current
			select {
			case m.events <- Event{Type: ChangeUnknown, Timestamp: time.Now()}:
			default:
			}
		}
	}
}

// snapshot renders every non-ignored interface with its flags and
// addresses into a comparable string.
func (m *pollingMonitor) snapshot() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	var parts []string
	for _, iface := range ifaces {
		if ignored(m.cfg.IgnoreInterfaces, iface.Name) {
			continue
		}
		entry := iface.Name + "/" + iface.Flags.String()
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				entry += "/" + addr.String()
			}
		}
		parts = append(parts, entry)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func (m *pollingMonitor) Close() error {
	return nil
}
