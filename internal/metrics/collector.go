package metrics

import (
	"context"
	"time"

	"github.com/moblink/moblink-relay/internal/peer/connection"
)

var sessionStates = []connection.State{
	connection.StateStopped,
	connection.StateConnecting,
	connection.StateAuthenticating,
	connection.StateIdle,
	connection.StateTunneling,
	connection.StateBackoff,
}

// SessionSource lists the sessions currently held by the relay.
type SessionSource interface {
	SessionInfos() []connection.Info
}

// BatterySource reads the battery level. A negative value means unknown.
type BatterySource interface {
	Percentage(ctx context.Context) (int, error)
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Sessions SessionSource
	Battery  BatterySource
}

// Collector periodically collects gauges that are derived from state
// rather than recorded at the event.
type Collector struct {
	metrics  *RelayMetrics
	sessions SessionSource
	battery  BatterySource

	// Sessions seen on the previous pass, so removed ones can be cleared
	known map[string]struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(m *RelayMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:  m,
		sessions: cfg.Sessions,
		battery:  cfg.Battery,
		known:    make(map[string]struct{}),
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect(ctx context.Context) {
	c.collectSessionStats()
	c.collectBattery(ctx)
}

func (c *Collector) collectSessionStats() {
	if c.sessions == nil {
		return
	}

	infos := c.sessions.SessionInfos()
	seen := make(map[string]struct{}, len(infos))
	connected := 0
	for _, info := range infos {
		seen[info.Session] = struct{}{}
		if info.State.IsAuthenticated() {
			connected++
		}
		for _, s := range sessionStates {
			value := 0.0
			if s == info.State {
				value = 1
			}
			c.metrics.SessionState.WithLabelValues(info.Session, s.String()).Set(value)
		}
	}

	for session := range c.known {
		if _, ok := seen[session]; !ok {
			for _, s := range sessionStates {
				c.metrics.SessionState.DeleteLabelValues(session, s.String())
			}
		}
	}
	c.known = seen

	c.metrics.SessionsTotal.Set(float64(len(infos)))
	c.metrics.SessionsConnected.Set(float64(connected))
}

func (c *Collector) collectBattery(ctx context.Context) {
	if c.battery == nil {
		return
	}
	pct, err := c.battery.Percentage(ctx)
	if err != nil || pct < 0 {
		return
	}
	c.metrics.BatteryPercent.Set(float64(pct))
}

// Run collects metrics periodically until the context is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// TrackReconnect increments the reconnect counter for a session.
func (c *Collector) TrackReconnect(session string) {
	c.metrics.Reconnects.WithLabelValues(session).Inc()
}

// ReconnectObserver returns an observer that counts every attempt that
// follows a backoff.
func (c *Collector) ReconnectObserver() connection.Observer {
	return connection.ObserverFunc(func(t connection.Transition) {
		if t.From == connection.StateBackoff && t.To == connection.StateConnecting {
			c.TrackReconnect(t.Session)
		}
	})
}
