package netmon

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Change describes a transition of one interface class.
type Change struct {
	Class    Class
	Handle   *Handle // nil when the class has no usable interface
	Previous *Handle
}

// Lost reports whether the class lost its interface.
func (c Change) Lost() bool {
	return c.Handle == nil && c.Previous != nil
}

// TrackerConfig selects the interface for each class. A pattern is an
// interface name or a glob such as "wlan*". An empty pattern means the
// class is always available on the default route.
type TrackerConfig struct {
	Local  string
	Uplink string
	Logger zerolog.Logger
}

// Tracker holds the current Handle for each interface class. It holds no
// sockets; owners subscribe and react to changes.
type Tracker struct {
	mu       sync.Mutex
	patterns [2]string
	handles  [2]*Handle
	subs     map[int]func(Change)
	nextSub  int
	log      zerolog.Logger

	// Overridable for tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

// NewTracker creates a tracker. No class has a handle until Refresh or
// Set is called.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		patterns:   [2]string{cfg.Local, cfg.Uplink},
		subs:       make(map[int]func(Change)),
		log:        cfg.Logger,
		interfaces: net.Interfaces,
		addrs: func(iface net.Interface) ([]net.Addr, error) {
			return iface.Addrs()
		},
	}
}

// Handle returns the current handle for class, or nil.
func (t *Tracker) Handle(class Class) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[class]
}

// Subscribe registers fn for every change. Callbacks run on the goroutine
// that caused the change and must not block.
func (t *Tracker) Subscribe(fn func(Change)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Set replaces the handle of a class and notifies subscribers if the
// interface identity changed.
func (t *Tracker) Set(class Class, h *Handle) {
	if h != nil {
		h.Class = class
	}

	t.mu.Lock()
	prev := t.handles[class]
	if prev.Equal(h) {
		t.handles[class] = h
		t.mu.Unlock()
		return
	}
	t.handles[class] = h
	subs := make([]func(Change), 0, len(t.subs))
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, t.subs[id])
	}
	t.mu.Unlock()

	if h == nil {
		t.log.Info().Str("class", class.String()).Str("previous", prev.String()).Msg("network lost")
	} else {
		t.log.Info().Str("class", class.String()).Str("handle", h.String()).Msg("network available")
	}

	change := Change{Class: class, Handle: h, Previous: prev}
	for _, fn := range subs {
		fn(change)
	}
}

// Refresh rescans the system interfaces and updates every class.
func (t *Tracker) Refresh() {
	t.mu.Lock()
	patterns := t.patterns
	t.mu.Unlock()

	for _, class := range Classes {
		pattern := patterns[class]
		if pattern == "" {
			t.Set(class, Unbound(class))
			continue
		}
		t.Set(class, t.find(class, pattern))
	}
}

// SetPatterns changes the interface selection and rescans.
func (t *Tracker) SetPatterns(local, uplink string) {
	t.mu.Lock()
	t.patterns = [2]string{local, uplink}
	t.mu.Unlock()
	t.Refresh()
}

// find returns the first interface, by name, matching pattern that is up
// and has a routable address.
func (t *Tracker) find(class Class, pattern string) *Handle {
	ifaces, err := t.interfaces()
	if err != nil {
		t.log.Warn().Err(err).Msg("list interfaces")
		return nil
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || !matchName(pattern, iface.Name) {
			continue
		}
		addrs, err := t.addrs(iface)
		if err != nil {
			continue
		}
		var ips []net.IP
		for _, addr := range addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}
			if ip == nil || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip)
		}
		if len(ips) == 0 {
			continue
		}
		return &Handle{Class: class, Interface: iface.Name, Index: iface.Index, Addrs: ips}
	}
	return nil
}

// Run rescans immediately and then on every event from mon until ctx is
// done.
func (t *Tracker) Run(ctx context.Context, mon Monitor) error {
	t.Refresh()

	events, err := mon.Start(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			t.log.Debug().
				Str("type", event.Type.String()).
				Str("interface", event.Interface).
				Msg("network change")
			t.Refresh()
		}
	}
}
