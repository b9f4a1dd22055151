package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/moblink/moblink-relay/internal/metrics"
	"github.com/moblink/moblink-relay/internal/netmon"
	"github.com/moblink/moblink-relay/internal/peer/connection"
)

// MaxSessions bounds the number of sessions a supervisor holds.
const MaxSessions = 5

// ErrNotRunning is returned by supervisor calls made after Run returned.
var ErrNotRunning = errors.New("supervisor not running")

// Mode selects how sessions are populated.
type Mode string

const (
	// ModeManual dials a fixed list of streamer URLs.
	ModeManual Mode = "manual"
	// ModeAutomatic dials streamers found by discovery.
	ModeAutomatic Mode = "automatic"
	// ModeServer accepts connections from streamers.
	ModeServer Mode = "server"
)

// Lifecycle keeps the device awake while the relay is started.
type Lifecycle interface {
	Acquire()
	Release()
}

// Streamer is one configured or discovered streamer.
type Streamer struct {
	Name string
	URL  string
}

// SupervisorSettings are the values a supervisor can be reconfigured with.
type SupervisorSettings struct {
	Mode      Mode
	ID        string
	Name      string
	Password  string
	Streamers []Streamer
}

// SupervisorConfig holds configuration for creating a Supervisor.
type SupervisorConfig struct {
	Settings SupervisorSettings

	// Listener provides channels in server mode.
	Listener Connector

	Networks       Networks
	Battery        Battery
	Sink           StatusSink
	Lifecycle      Lifecycle
	Clock          clock.Clock
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	OpenTunnel     TunnelOpener
	Observers      []connection.Observer
	Metrics        *metrics.RelayMetrics
	Logger         zerolog.Logger
}

// SessionInfo describes one session for status reporting.
type SessionInfo struct {
	Key    string
	URL    string
	State  connection.State
	Status Status
}

// Supervisor owns the relay's sessions. All bookkeeping happens on the
// goroutine running Run; the exported methods deliver requests to it.
type Supervisor struct {
	cfg      SupervisorConfig
	log      zerolog.Logger
	requests chan func()
	done     chan struct{}

	// Owned by the Run goroutine.
	settings   SupervisorSettings
	started    bool
	sessions   map[string]*Session
	urls       map[string]string
	order      []string
	discovered map[string]string
	aggregate  string
}

// NewSupervisor creates a stopped supervisor. Call Run to process requests.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Settings.Mode == "" {
		cfg.Settings.Mode = ModeManual
	}
	return &Supervisor{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "supervisor").Logger(),
		requests:   make(chan func()),
		done:       make(chan struct{}),
		settings:   cfg.Settings,
		sessions:   make(map[string]*Session),
		urls:       make(map[string]string),
		discovered: make(map[string]string),
		aggregate:  aggregateNotStarted,
	}
}

// Run processes requests until ctx is done, then stops every session.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	var unsubscribe func()
	if s.cfg.Networks != nil {
		unsubscribe = s.cfg.Networks.Subscribe(func(netmon.Change) {
			// Aggregate status depends on the uplink.
			go func() { _ = s.do(func() {}) }()
		})
	}

	for {
		select {
		case <-ctx.Done():
			if unsubscribe != nil {
				unsubscribe()
			}
			s.stop()
			s.closeSessions()
			return ctx.Err()
		case fn := <-s.requests:
			fn()
			s.publishAggregate()
		}
	}
}

// do runs fn on the Run goroutine and waits for it.
func (s *Supervisor) do(fn func()) error {
	result := make(chan struct{})
	select {
	case s.requests <- func() { fn(); close(result) }:
	case <-s.done:
		return ErrNotRunning
	}
	<-result
	return nil
}

// Start starts every session. In automatic mode sessions for previously
// discovered streamers are recreated.
func (s *Supervisor) Start() error {
	return s.do(s.start)
}

// Stop stops every session. In automatic mode the sessions are removed.
func (s *Supervisor) Stop() error {
	return s.do(s.stop)
}

// Found reports a discovered streamer.
func (s *Supervisor) Found(name, url string) error {
	return s.do(func() { s.found(name, url) })
}

// Lost reports that a streamer is no longer advertised. Its session, if
// any, keeps running.
func (s *Supervisor) Lost(name string) error {
	return s.do(func() {
		delete(s.discovered, name)
		s.log.Debug().Str("name", name).Msg("streamer lost")
	})
}

// UpdateSettings reconfigures the supervisor. A mode change or a change
// of the configured streamer list rebuilds the sessions.
func (s *Supervisor) UpdateSettings(settings SupervisorSettings) error {
	return s.do(func() { s.updateSettings(settings) })
}

// Status returns the aggregate status line.
func (s *Supervisor) Status() (string, error) {
	var status string
	err := s.do(func() { status = s.aggregateStatus() })
	return status, err
}

// Sessions describes the current sessions in creation order.
func (s *Supervisor) Sessions() ([]SessionInfo, error) {
	var infos []SessionInfo
	err := s.do(func() {
		for _, key := range s.order {
			sess := s.sessions[key]
			infos = append(infos, SessionInfo{
				Key:    key,
				URL:    s.urls[key],
				State:  sess.State(),
				Status: sess.Status(),
			})
		}
	})
	return infos, err
}

// SessionInfos returns state machine snapshots of every session.
func (s *Supervisor) SessionInfos() []connection.Info {
	var infos []connection.Info
	_ = s.do(func() {
		for _, key := range s.order {
			infos = append(infos, s.sessions[key].Info())
		}
	})
	return infos
}

func (s *Supervisor) start() {
	if s.started {
		return
	}
	s.started = true
	if s.cfg.Lifecycle != nil {
		s.cfg.Lifecycle.Acquire()
	}
	s.log.Info().Str("mode", string(s.settings.Mode)).Msg("starting relay")

	switch s.settings.Mode {
	case ModeAutomatic:
		for _, name := range sortedKeys(s.discovered) {
			s.found(name, s.discovered[name])
		}
	default:
		s.ensureSessions()
		for _, key := range s.order {
			s.sessions[key].Start()
		}
	}
}

func (s *Supervisor) stop() {
	if !s.started {
		return
	}
	s.started = false
	for _, key := range s.order {
		s.sessions[key].Stop()
	}
	if s.settings.Mode == ModeAutomatic {
		s.closeSessions()
	}
	if s.cfg.Lifecycle != nil {
		s.cfg.Lifecycle.Release()
	}
	s.log.Info().Msg("relay stopped")
}

// ensureSessions creates the fixed sessions of manual and server mode
// if they do not exist yet.
func (s *Supervisor) ensureSessions() {
	if len(s.sessions) > 0 {
		return
	}
	switch s.settings.Mode {
	case ModeManual:
		for i, streamer := range s.settings.Streamers {
			if i == MaxSessions {
				s.log.Warn().Int("max", MaxSessions).Msg("ignoring extra streamers")
				break
			}
			key := streamer.Name
			if key == "" {
				key = streamer.URL
			}
			if _, dup := s.sessions[key]; dup || key == "" {
				key = fmt.Sprintf("streamer-%d", i+1)
			}
			s.addSession(key, RoleResponder, nil, streamer.URL)
		}
	case ModeServer:
		if s.cfg.Listener == nil {
			s.log.Error().Msg("server mode without a listener")
			return
		}
		for i := 0; i < MaxSessions; i++ {
			s.addSession(fmt.Sprintf("server-%d", i+1), RoleChallenger, s.cfg.Listener, "")
		}
	}
}

func (s *Supervisor) found(name, url string) {
	if s.settings.Mode != ModeAutomatic {
		return
	}
	s.discovered[name] = url
	if !s.started {
		return
	}

	if _, ok := s.sessions[name]; ok {
		if s.urls[name] == url {
			return
		}
		s.log.Info().Str("name", name).Str("url", url).Msg("streamer moved, replacing session")
		s.removeSession(name)
	}
	if len(s.sessions) >= MaxSessions {
		s.log.Warn().Str("name", name).Int("max", MaxSessions).Msg("session limit reached")
		return
	}
	s.addSession(name, RoleResponder, nil, url).Start()
}

func (s *Supervisor) updateSettings(settings SupervisorSettings) {
	if settings.Mode == "" {
		settings.Mode = ModeManual
	}
	rebuild := settings.Mode != s.settings.Mode || !sameStreamers(settings.Streamers, s.settings.Streamers)
	s.settings = settings

	if rebuild {
		wasStarted := s.started
		s.stop()
		s.closeSessions()
		if settings.Mode != ModeAutomatic {
			s.discovered = make(map[string]string)
		}
		if wasStarted {
			s.start()
		}
		return
	}
	for _, key := range s.order {
		s.sessions[key].UpdateSettings(s.sessionSettings(s.urls[key]))
	}
}

func (s *Supervisor) sessionSettings(url string) Settings {
	return Settings{
		ID:       s.settings.ID,
		Name:     s.settings.Name,
		Password: s.settings.Password,
		URL:      url,
	}
}

func (s *Supervisor) addSession(key string, role Role, connector Connector, url string) *Session {
	sess := NewSession(SessionConfig{
		Key:            key,
		Role:           role,
		Connector:      connector,
		Networks:       s.cfg.Networks,
		Settings:       s.sessionSettings(url),
		Battery:        s.cfg.Battery,
		Sink:           s.cfg.Sink,
		Clock:          s.cfg.Clock,
		ReconnectDelay: s.cfg.ReconnectDelay,
		PingInterval:   s.cfg.PingInterval,
		OpenTunnel:     s.cfg.OpenTunnel,
		Observers:      s.cfg.Observers,
		Metrics:        s.cfg.Metrics,
		Logger:         s.cfg.Logger,
	})
	s.sessions[key] = sess
	s.urls[key] = url
	s.order = append(s.order, key)
	return sess
}

func (s *Supervisor) removeSession(key string) {
	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	sess.Close()
	s.sessionRemoved(key)
	delete(s.sessions, key)
	delete(s.urls, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) closeSessions() {
	for _, key := range s.order {
		s.sessions[key].Close()
		s.sessionRemoved(key)
	}
	s.sessions = make(map[string]*Session)
	s.urls = make(map[string]string)
	s.order = nil
}

func (s *Supervisor) sessionRemoved(key string) {
	if r, ok := s.cfg.Sink.(SessionRemover); ok {
		r.SessionRemoved(key)
	}
}

const (
	aggregateNotStarted       = "not started"
	aggregateWaitingForUplink = "waiting for uplink"
	aggregateSearching        = "searching"
)

func (s *Supervisor) aggregateStatus() string {
	if !s.started {
		return aggregateNotStarted
	}
	if s.cfg.Networks != nil && s.cfg.Networks.Handle(netmon.ClassUplink) == nil {
		return aggregateWaitingForUplink
	}
	if s.settings.Mode == ModeAutomatic && len(s.sessions) == 0 {
		return aggregateSearching
	}
	connected := 0
	for _, sess := range s.sessions {
		if sess.State().IsAuthenticated() {
			connected++
		}
	}
	return fmt.Sprintf("%d of %d connected", connected, len(s.sessions))
}

func (s *Supervisor) publishAggregate() {
	status := s.aggregateStatus()
	if status == s.aggregate {
		return
	}
	s.aggregate = status
	s.log.Info().Str("status", status).Msg("relay status")
}

func sameStreamers(a, b []Streamer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
