// Package relay runs the relay's control sessions.
//
// A Session owns one control channel at a time and at most one tunnel.
// Every event that touches session state (channel messages, channel and
// tunnel failures, backoff timers, network changes, battery readings and
// commands) is executed on the session's own goroutine, so the state
// machine never needs a lock. Goroutines that block (connecting, reading
// the channel, reading the battery) only post results back.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/moblink/moblink-relay/internal/auth"
	"github.com/moblink/moblink-relay/internal/metrics"
	"github.com/moblink/moblink-relay/internal/netmon"
	"github.com/moblink/moblink-relay/internal/peer/connection"
	"github.com/moblink/moblink-relay/internal/transport"
	"github.com/moblink/moblink-relay/internal/tunnel"
	"github.com/moblink/moblink-relay/pkg/proto"
)

// DefaultReconnectDelay is the fixed wait between a failure and the next
// connection attempt.
const DefaultReconnectDelay = 5 * time.Second

// Role selects which side of the handshake the relay plays.
type Role int

const (
	// RoleResponder answers the streamer's Hello. Used when the relay dials.
	RoleResponder Role = iota
	// RoleChallenger sends Hello and verifies the streamer. Used when the
	// relay accepts connections.
	RoleChallenger
)

func (r Role) String() string {
	if r == RoleChallenger {
		return "challenger"
	}
	return "responder"
}

// Connector produces a control channel: by dialing, or by waiting for an
// incoming connection.
type Connector interface {
	Connect(ctx context.Context) (transport.Channel, error)
}

// StatusSink receives status changes. It is called on the session
// goroutine and must not block or call back into the session.
type StatusSink interface {
	SessionStatus(key string, status Status)
}

// SessionRemover is implemented by a StatusSink that wants to know when
// the supervisor discards a session. It is called after the session's
// last status push.
type SessionRemover interface {
	SessionRemoved(key string)
}

// StatusSinkFunc adapts a function to StatusSink.
type StatusSinkFunc func(key string, status Status)

// SessionStatus implements StatusSink.
func (f StatusSinkFunc) SessionStatus(key string, status Status) {
	f(key, status)
}

// Battery reads the battery level in percent. A negative value means
// unknown.
type Battery interface {
	Percentage(ctx context.Context) (int, error)
}

// Networks reports the interfaces available for each class.
// *netmon.Tracker implements it.
type Networks interface {
	Handle(class netmon.Class) *netmon.Handle
	Subscribe(fn func(netmon.Change)) (unsubscribe func())
}

// Tunnel is an open forwarding session.
type Tunnel interface {
	LocalPort() int
	Close() error
}

// TunnelOpener opens tunnels. The default wraps tunnel.Open.
type TunnelOpener func(ctx context.Context, cfg tunnel.Config) (Tunnel, error)

func openTunnel(ctx context.Context, cfg tunnel.Config) (Tunnel, error) {
	t, err := tunnel.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Settings are the per-session values that may change at runtime.
type Settings struct {
	ID       string
	Name     string
	Password string
	// URL of the streamer. Only used by responder sessions without a
	// Connector.
	URL string
}

// SessionConfig holds configuration for creating a Session.
type SessionConfig struct {
	Key  string
	Role Role

	// Connector is optional for responder sessions; without it the
	// session dials Settings.URL through the local network.
	Connector Connector
	Networks  Networks
	Settings  Settings

	Battery        Battery
	Sink           StatusSink
	Clock          clock.Clock
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	OpenTunnel     TunnelOpener
	Observers      []connection.Observer
	Metrics        *metrics.RelayMetrics
	Logger         zerolog.Logger
}

// Session is one relay control session.
type Session struct {
	key            string
	role           Role
	connector      Connector
	networks       Networks
	battery        Battery
	sink           StatusSink
	clock          clock.Clock
	reconnectDelay time.Duration
	pingInterval   time.Duration
	openTunnel     TunnelOpener
	metrics        *metrics.RelayMetrics
	log            zerolog.Logger

	machine *connection.Machine
	status  atomic.Int32

	ctx         context.Context
	cancel      context.CancelFunc
	actions     chan func()
	quit        chan struct{}
	loopDone    chan struct{}
	closeOnce   sync.Once
	unsubscribe func()

	// Owned by the session goroutine.
	settings      Settings
	gen           uint64
	connectCancel context.CancelFunc
	channel       transport.Channel
	challenger    *auth.Challenger
	identified    bool
	wrongPassword bool
	tunnel        Tunnel
	tunnelGen     uint64
	tunnelHandles [2]*netmon.Handle
	timer         *clock.Timer
	lastStatus    Status
}

// NewSession creates a stopped session and starts its event loop.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.OpenTunnel == nil {
		cfg.OpenTunnel = openTunnel
	}

	logger := cfg.Logger.With().Str("session", cfg.Key).Str("role", cfg.Role.String()).Logger()
	observers := append([]connection.Observer{connection.LoggingObserver{Logger: logger}}, cfg.Observers...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:            cfg.Key,
		role:           cfg.Role,
		connector:      cfg.Connector,
		networks:       cfg.Networks,
		battery:        cfg.Battery,
		sink:           cfg.Sink,
		clock:          cfg.Clock,
		reconnectDelay: cfg.ReconnectDelay,
		pingInterval:   cfg.PingInterval,
		openTunnel:     cfg.OpenTunnel,
		metrics:        cfg.Metrics,
		log:            logger,
		machine:        connection.NewMachine(connection.MachineConfig{Session: cfg.Key, Observers: observers}),
		ctx:            ctx,
		cancel:         cancel,
		actions:        make(chan func(), 32),
		quit:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		settings:       cfg.Settings,
	}
	s.lastStatus = s.deriveStatus()
	s.status.Store(int32(s.lastStatus))

	if s.networks != nil {
		s.unsubscribe = s.networks.Subscribe(func(change netmon.Change) {
			s.post(func() { s.onNetworkChange(change) })
		})
	}

	go s.run()
	return s
}

// Key returns the session key.
func (s *Session) Key() string {
	return s.key
}

// State returns the current protocol state.
func (s *Session) State() connection.State {
	return s.machine.State()
}

// Status returns the last derived status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Info returns a snapshot of the session's state machine.
func (s *Session) Info() connection.Info {
	return s.machine.Info()
}

// Start begins connecting. It does nothing if the session is running.
func (s *Session) Start() {
	s.post(func() {
		if s.machine.State() != connection.StateStopped {
			return
		}
		s.connect()
	})
}

// Stop tears the session down and waits until it is Stopped. Calling it
// on a stopped session does nothing. Stop must not be called from a
// StatusSink callback.
func (s *Session) Stop() {
	s.call(func() { s.stop("stop requested") })
}

// UpdateSettings replaces the session settings. They take effect on the
// next connection attempt.
func (s *Session) UpdateSettings(settings Settings) {
	s.post(func() { s.settings = settings })
}

// Close stops the session and ends its event loop.
func (s *Session) Close() {
	s.Stop()
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.quit)
		s.cancel()
	})
	<-s.loopDone
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.actions:
			fn()
			s.publishStatus()
		case <-s.quit:
			return
		}
	}
}

// post queues fn for the session goroutine. It reports false once the
// session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.actions <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the session goroutine and waits for it.
func (s *Session) call(fn func()) {
	done := make(chan struct{})
	if !s.post(func() {
		fn()
		s.publishStatus()
		close(done)
	}) {
		return
	}
	select {
	case <-done:
	case <-s.loopDone:
	}
}

func (s *Session) transition(target connection.State, reason string, err error) {
	if terr := s.machine.TransitionTo(target, reason, err); terr != nil {
		s.log.Error().Err(terr).Msg("unexpected transition")
	}
}

func (s *Session) missingConfig() bool {
	if s.settings.Password == "" {
		return true
	}
	return s.role == RoleResponder && s.connector == nil && s.settings.URL == ""
}

func (s *Session) hasNetwork(class netmon.Class) bool {
	return s.networks == nil || s.networks.Handle(class) != nil
}

func (s *Session) handle(class netmon.Class) *netmon.Handle {
	if s.networks == nil {
		return netmon.Unbound(class)
	}
	return s.networks.Handle(class)
}

func (s *Session) deriveStatus() Status {
	return deriveStatus(statusInputs{
		missingConfig: s.missingConfig(),
		uplink:        s.hasNetwork(netmon.ClassUplink),
		local:         s.hasNetwork(netmon.ClassLocal),
		state:         s.machine.State(),
		wrongPassword: s.wrongPassword,
	})
}

func (s *Session) publishStatus() {
	status := s.deriveStatus()
	if status == s.lastStatus {
		return
	}
	s.lastStatus = status
	s.status.Store(int32(status))
	s.log.Debug().Str("status", status.String()).Msg("session status")
	if s.sink != nil {
		s.sink.SessionStatus(s.key, status)
	}
}

// dialer returns the connector for the next attempt.
func (s *Session) dialer() Connector {
	if s.connector != nil {
		return s.connector
	}
	return &transport.Dialer{
		URL: s.settings.URL,
		Network: func() *netmon.Handle {
			return s.handle(netmon.ClassLocal)
		},
		Options: transport.Options{PingInterval: s.pingInterval, Logger: s.log},
	}
}

// connect starts a new attempt with a fresh generation. Events from
// earlier channels carry an older generation and are dropped.
func (s *Session) connect() {
	s.gen++
	gen := s.gen
	s.wrongPassword = false
	s.identified = false
	s.transition(connection.StateConnecting, "connect", nil)

	if s.missingConfig() {
		s.backoff("missing configuration", nil)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.connectCancel = cancel
	connector := s.dialer()

	go func() {
		ch, err := connector.Connect(ctx)
		if !s.post(func() { s.onConnected(gen, ch, err) }) && ch != nil {
			_ = ch.Close()
		}
	}()
}

func (s *Session) onConnected(gen uint64, ch transport.Channel, err error) {
	if gen != s.gen {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	if err != nil {
		s.backoff("connect failed", err)
		return
	}

	s.channel = ch
	s.log.Info().Stringer("remote", ch.RemoteAddr()).Msg("control channel open")
	s.transition(connection.StateAuthenticating, "channel open", nil)
	go s.readLoop(gen, ch)

	if s.role == RoleChallenger {
		s.challenger = auth.NewChallenger(s.settings.Password)
		hello, _, err := s.challenger.Hello()
		if err != nil {
			s.backoff("create challenge", err)
			return
		}
		s.send(hello)
	}
}

func (s *Session) readLoop(gen uint64, ch transport.Channel) {
	for {
		msg, err := ch.Receive()
		if !s.post(func() { s.onMessage(gen, msg, err) }) || err != nil {
			return
		}
	}
}

func (s *Session) send(msg *proto.Message) {
	if s.channel == nil {
		return
	}
	if err := s.channel.Send(msg); err != nil {
		s.backoff("send failed", err)
	}
}

func (s *Session) onMessage(gen uint64, msg *proto.Message, err error) {
	if gen != s.gen || s.channel == nil {
		return
	}
	if err != nil {
		var decodeErr *proto.DecodeError
		if errors.As(err, &decodeErr) {
			s.metrics.DecodeError()
			s.backoff("malformed message", err)
			return
		}
		s.backoff("channel error", err)
		return
	}

	state := s.machine.State()
	switch {
	case msg.Hello != nil && s.role == RoleResponder && state == connection.StateAuthenticating:
		responder := auth.Responder{ID: s.settings.ID, Name: s.settings.Name, Password: s.settings.Password}
		s.send(responder.Identify(msg.Hello))

	case msg.Identified != nil && s.role == RoleResponder && state == connection.StateAuthenticating:
		s.onIdentified(msg.Identified.Result.IsOk())

	case msg.Identify != nil && s.role == RoleChallenger && state == connection.StateAuthenticating && !s.identified:
		s.onIdentify(msg.Identify)

	case msg.Request != nil && state.IsAuthenticated():
		s.onRequest(msg.Request)

	case msg.Response != nil:
		s.log.Debug().Int("id", msg.Response.ID).Msg("ignoring unsolicited response")

	default:
		s.backoff("unexpected "+msg.Kind()+" in state "+state.String(), nil)
	}
}

func (s *Session) onIdentified(ok bool) {
	s.metrics.Handshake(ok)
	if !ok {
		s.log.Warn().Msg("streamer rejected password")
		s.wrongPassword = true
		s.backoff("wrong password", nil)
		return
	}
	s.transition(connection.StateIdle, "identified", nil)
}

func (s *Session) onIdentify(identify *proto.Identify) {
	s.identified = true
	identified, ok, err := s.challenger.Check(identify)
	if err != nil {
		s.backoff("identify without challenge", err)
		return
	}
	s.metrics.Handshake(ok)
	s.send(identified)
	if s.channel == nil {
		return
	}
	if !ok {
		// The streamer is expected to close the channel and retry.
		s.log.Warn().Str("streamer", identify.Name).Msg("streamer sent wrong password")
		s.wrongPassword = true
		return
	}
	s.log.Info().Str("streamer", identify.Name).Str("id", identify.ID).Msg("streamer identified")
	s.transition(connection.StateIdle, "identified", nil)
}

func (s *Session) onRequest(req *proto.Request) {
	switch {
	case req.Data.StartTunnel != nil:
		s.startTunnel(req.ID, req.Data.StartTunnel)
	case req.Data.Status != nil:
		s.readStatus(req.ID)
	}
}

// startTunnel replaces any existing tunnel. A failure is answered by
// dropping the channel, not by an error response.
func (s *Session) startTunnel(id int, req *proto.StartTunnelRequest) {
	s.closeTunnel()

	local := s.handle(netmon.ClassLocal)
	uplink := s.handle(netmon.ClassUplink)
	s.tunnelGen++
	tunnelGen := s.tunnelGen

	t, err := s.openTunnel(s.ctx, tunnel.Config{
		Local:   local,
		Uplink:  uplink,
		Address: req.Address,
		Port:    req.Port,
		OnFailure: func(err error) {
			s.post(func() { s.onTunnelFailure(tunnelGen, err) })
		},
		Metrics: s.metrics,
		Logger:  s.log,
	})
	if err != nil {
		s.backoff("start tunnel", err)
		return
	}

	s.tunnel = t
	s.tunnelHandles = [2]*netmon.Handle{local, uplink}
	s.send(proto.NewStartTunnelResponse(id, t.LocalPort()))
	if s.channel != nil && s.machine.State() == connection.StateIdle {
		s.transition(connection.StateTunneling, "tunnel started", nil)
	}
}

func (s *Session) readStatus(id int) {
	gen := s.gen
	battery := s.battery
	go func() {
		pct := -1
		if battery != nil {
			if p, err := battery.Percentage(s.ctx); err == nil {
				pct = p
			} else {
				s.log.Debug().Err(err).Msg("read battery")
			}
		}
		s.post(func() {
			if gen != s.gen {
				return
			}
			s.send(proto.NewStatusResponse(id, pct))
		})
	}()
}

func (s *Session) onTunnelFailure(tunnelGen uint64, err error) {
	if tunnelGen != s.tunnelGen || s.tunnel == nil {
		return
	}
	s.backoff("tunnel failed", err)
}

// onNetworkChange tears the session down when an interface the live
// tunnel is bound to goes away or is replaced.
func (s *Session) onNetworkChange(change netmon.Change) {
	if s.tunnel == nil {
		return
	}
	used := s.tunnelHandles[change.Class]
	if used == nil || !used.Equal(change.Previous) {
		return
	}
	s.backoff(change.Class.String()+" network changed", nil)
}

func (s *Session) closeTunnel() {
	if s.tunnel == nil {
		return
	}
	if err := s.tunnel.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close tunnel")
	}
	s.tunnel = nil
	s.tunnelHandles = [2]*netmon.Handle{}
	s.tunnelGen++
}

// teardown releases the pending attempt, the channel and the tunnel.
func (s *Session) teardown() {
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	s.challenger = nil
	s.closeTunnel()
}

// backoff tears down and schedules the next attempt, replacing any
// pending timer.
func (s *Session) backoff(reason string, err error) {
	s.teardown()
	s.gen++
	gen := s.gen

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.reconnectDelay, func() {
		s.post(func() { s.onBackoffElapsed(gen) })
	})

	if s.machine.State() != connection.StateBackoff {
		s.transition(connection.StateBackoff, reason, err)
	}
}

func (s *Session) onBackoffElapsed(gen uint64) {
	if gen != s.gen || s.machine.State() != connection.StateBackoff {
		return
	}
	s.timer = nil
	s.connect()
}

func (s *Session) stop(reason string) {
	if s.machine.State() == connection.StateStopped {
		return
	}
	s.teardown()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.wrongPassword = false
	s.transition(connection.StateStopped, reason, nil)
}
