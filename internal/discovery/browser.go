package discovery

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const (
	// DefaultQueryInterval is how often a browser repeats its query.
	DefaultQueryInterval = 10 * time.Second
	// DefaultQueryTimeout bounds how long one query collects answers.
	DefaultQueryTimeout = 2 * time.Second
	// DefaultLostAfter is how long an instance may go unanswered before
	// it is reported lost.
	DefaultLostAfter = 3 * DefaultQueryInterval
)

// Sink receives discovery results. *relay.Supervisor implements it.
type Sink interface {
	Found(name, url string) error
	Lost(name string) error
}

// QueryFunc runs one mDNS query, delivering answers to params.Entries
// until params.Timeout elapses.
type QueryFunc func(params *mdns.QueryParam) error

// BrowserConfig holds configuration for creating a Browser.
type BrowserConfig struct {
	Sink      Sink
	Interval  time.Duration
	Timeout   time.Duration
	LostAfter time.Duration
	// Interface restricts queries to one interface.
	Interface *net.Interface
	Clock     clock.Clock
	// Query overrides mdns.Query.
	Query  QueryFunc
	Logger zerolog.Logger
}

type instance struct {
	svc      Service
	url      string
	lastSeen time.Time
}

// Browser queries for ServiceType and reports resolved instances to a Sink.
// mDNS has no reliable departure signal, so an instance is lost once it
// stops answering for LostAfter.
type Browser struct {
	cfg   BrowserConfig
	log   zerolog.Logger
	clock clock.Clock

	mu        sync.Mutex
	instances map[string]*instance
}

// NewBrowser creates a browser. Call Run to start querying.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultQueryInterval
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Interval {
		cfg.Timeout = min(DefaultQueryTimeout, cfg.Interval)
	}
	if cfg.LostAfter <= 0 {
		cfg.LostAfter = 3 * cfg.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Query == nil {
		cfg.Query = mdns.Query
	}
	return &Browser{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "browser").Logger(),
		clock:     cfg.Clock,
		instances: make(map[string]*instance),
	}
}

// Run queries until ctx is done. A query in flight finishes before Run
// returns.
func (b *Browser) Run(ctx context.Context) error {
	b.log.Info().Str("service", ServiceType).Msg("browsing for streamers")

	ticker := b.clock.Ticker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		b.browse()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// browse runs one query and then drops instances that stopped answering.
func (b *Browser) browse() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			b.handle(entry)
		}
	}()

	params := &mdns.QueryParam{
		Service:             ServiceName,
		Domain:              Domain,
		Timeout:             b.cfg.Timeout,
		Interface:           b.cfg.Interface,
		Entries:             entries,
		WantUnicastResponse: true,
	}
	if err := b.cfg.Query(params); err != nil {
		b.log.Debug().Err(err).Msg("mdns query failed")
	}
	close(entries)
	<-done

	b.expire()
}

type event struct {
	label string
	url   string
	lost  bool
}

// handle records one answer and reports the instance when it is new or
// its URL changed.
func (b *Browser) handle(entry *mdns.ServiceEntry) {
	if entry == nil {
		return
	}
	label, ok := instanceLabel(entry.Name)
	if !ok || entry.Port <= 0 || entry.Port > 0xffff {
		return
	}
	var addrs []net.IP
	for _, ip := range []net.IP{entry.AddrV4, entry.AddrV6} {
		if ip != nil {
			addrs = append(addrs, ip)
		}
	}
	if len(addrs) == 0 {
		return
	}
	svc := Service{
		Instance: label,
		Host:     entry.Host,
		Port:     uint16(entry.Port),
		Addrs:    addrs,
		Text:     entry.InfoFields,
	}
	url := svc.URL()

	b.mu.Lock()
	prev := b.instances[label]
	b.instances[label] = &instance{svc: svc, url: url, lastSeen: b.clock.Now()}
	b.mu.Unlock()

	if prev == nil || prev.url != url {
		b.report([]event{{label: label, url: url}})
	}
}

// expire reports instances not seen for LostAfter.
func (b *Browser) expire() {
	b.mu.Lock()
	cutoff := b.clock.Now().Add(-b.cfg.LostAfter)
	var events []event
	for _, label := range sortedLabels(b.instances) {
		if b.instances[label].lastSeen.After(cutoff) {
			continue
		}
		delete(b.instances, label)
		events = append(events, event{label: label, lost: true})
	}
	b.mu.Unlock()

	b.report(events)
}

func (b *Browser) report(events []event) {
	if b.cfg.Sink == nil {
		return
	}
	for _, ev := range events {
		var err error
		if ev.lost {
			b.log.Info().Str("streamer", ev.label).Msg("streamer lost")
			err = b.cfg.Sink.Lost(ev.label)
		} else {
			b.log.Info().Str("streamer", ev.label).Str("url", ev.url).Msg("streamer found")
			err = b.cfg.Sink.Found(ev.label, ev.url)
		}
		if err != nil {
			b.log.Debug().Err(err).Str("streamer", ev.label).Msg("discovery result dropped")
		}
	}
}

// Services returns the known instances sorted by label.
func (b *Browser) Services() []Service {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Service, 0, len(b.instances))
	for _, label := range sortedLabels(b.instances) {
		out = append(out, b.instances[label].svc)
	}
	return out
}

func sortedLabels(m map[string]*instance) []string {
	labels := make([]string, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
