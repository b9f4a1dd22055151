package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/moblink/moblink-relay/internal/battery"
	"github.com/moblink/moblink-relay/internal/config"
	"github.com/moblink/moblink-relay/internal/control"
	"github.com/moblink/moblink-relay/internal/discovery"
	"github.com/moblink/moblink-relay/internal/logging/loki"
	"github.com/moblink/moblink-relay/internal/metrics"
	"github.com/moblink/moblink-relay/internal/netmon"
	"github.com/moblink/moblink-relay/internal/peer/connection"
	"github.com/moblink/moblink-relay/internal/relay"
	"github.com/moblink/moblink-relay/internal/svc"
	"github.com/moblink/moblink-relay/internal/tracing"
	"github.com/moblink/moblink-relay/internal/transport"
)

const collectInterval = 15 * time.Second

// daemon owns every long-running component of the relay process.
type daemon struct {
	cfg *config.Config
	log zerolog.Logger

	tracker    *netmon.Tracker
	listener   *transport.Listener
	supervisor *relay.Supervisor
	board      *control.Board
	control    *control.Server
	collector  *metrics.Collector
	inhibitor  *svc.Inhibitor
	shipper    *loki.Writer

	// startStopped leaves the supervisor stopped until a start command.
	startStopped bool
	// configPath is re-read on SIGHUP and on the reload command. Empty
	// disables reloading.
	configPath string

	// reloadMu serializes reloads. d.cfg keeps the startup values.
	reloadMu sync.Mutex
}

func newDaemon(cfg *config.Config, logger zerolog.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &daemon{
		cfg:       cfg,
		log:       logger,
		board:     control.NewBoard(logger.With().Str("component", "board").Logger()),
		inhibitor: svc.NewInhibitor(logger),
		tracker: netmon.NewTracker(netmon.TrackerConfig{
			Local:  cfg.Interfaces.Local,
			Uplink: cfg.Interfaces.Uplink,
			Logger: logger.With().Str("component", "netmon").Logger(),
		}),
	}

	relayMetrics := metrics.InitMetrics(cfg.Relay.Name, Version)
	reader := battery.NewReader()

	if relay.Mode(cfg.Mode) == relay.ModeServer {
		d.listener = transport.NewListener(transport.ListenerConfig{
			Address: cfg.Server.Listen,
			Backlog: relay.MaxSessions,
			Options: transport.Options{Logger: logger.With().Str("component", "listener").Logger()},
		})
	}

	var listener relay.Connector
	if d.listener != nil {
		listener = d.listener
	}

	d.collector = metrics.NewCollector(relayMetrics, metrics.CollectorConfig{
		Sessions: sessionsFunc(func() []connection.Info { return d.supervisor.SessionInfos() }),
		Battery:  reader,
	})

	d.supervisor = relay.NewSupervisor(relay.SupervisorConfig{
		Settings:       cfg.SupervisorSettings(),
		Listener:       listener,
		Networks:       d.tracker,
		Battery:        reader,
		Sink:           d.board,
		Lifecycle:      d.inhibitor,
		ReconnectDelay: cfg.ReconnectDelayDuration(),
		Observers:      []connection.Observer{d.collector.ReconnectObserver()},
		Metrics:        relayMetrics,
		Logger:         logger,
	})

	d.control = control.NewServer(control.ServerConfig{
		SocketPath: cfg.ControlSocket,
		Relay:      d.supervisor,
		Board:      d.board,
		Reload:     d.reload,
		Logger:     logger.With().Str("component", "control").Logger(),
	})
	return d, nil
}

// Run starts every component and blocks until ctx is done or one of
// them fails.
func (d *daemon) Run(ctx context.Context) error {
	mon, err := netmon.New(netmon.DefaultConfig())
	if err != nil {
		return fmt.Errorf("create network monitor: %w", err)
	}
	defer func() { _ = mon.Close() }()

	if d.listener != nil {
		if err := d.listener.Start(); err != nil {
			return err
		}
		defer func() { _ = d.listener.Close() }()
	}

	if err := d.control.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer func() { _ = d.control.Stop() }()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(d.tracker.Run(ctx, mon)) })
	g.Go(func() error { return ignoreCanceled(d.supervisor.Run(ctx)) })
	g.Go(func() error {
		d.collector.Run(ctx, collectInterval)
		return nil
	})

	if d.shipper != nil {
		g.Go(func() error { return d.shipper.Run(ctx) })
	}

	if d.configPath != "" {
		g.Go(func() error {
			d.watchReload(ctx)
			return nil
		})
	}

	if d.cfg.Metrics.Listen != "" {
		d.serveMetrics(ctx, g)
	}

	switch relay.Mode(d.cfg.Mode) {
	case relay.ModeAutomatic:
		browser := discovery.NewBrowser(discovery.BrowserConfig{
			Sink:   d.supervisor,
			Logger: d.log,
		})
		g.Go(func() error { return d.optional("discovery", browser.Run(ctx)) })
	case relay.ModeServer:
		if d.cfg.Server.Advertise {
			advertiser, err := d.newAdvertiser()
			if err != nil {
				return err
			}
			g.Go(func() error { return d.optional("advertiser", advertiser.Run(ctx)) })
		}
	}

	if !d.startStopped {
		g.Go(func() error {
			if err := d.supervisor.Start(); err != nil && !errors.Is(err, relay.ErrNotRunning) {
				return fmt.Errorf("start relay: %w", err)
			}
			return nil
		})
	}

	d.log.Info().
		Str("id", d.cfg.Relay.ID).
		Str("name", d.cfg.Relay.Name).
		Str("mode", d.cfg.Mode).
		Msg("relay running")

	return g.Wait()
}

func (d *daemon) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	if d.cfg.Metrics.Trace {
		recorder := tracing.NewRecorder(0)
		if err := recorder.Start(); err != nil {
			d.log.Warn().Err(err).Msg("trace recorder unavailable")
		} else {
			mux.Handle("/debug/trace", recorder.Handler())
			g.Go(func() error {
				<-ctx.Done()
				recorder.Stop()
				return nil
			})
		}
	}

	server := &http.Server{
		Addr:              d.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		d.log.Info().Str("address", server.Addr).Msg("metrics listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

// watchReload re-reads the config file on SIGHUP until ctx is done.
func (d *daemon) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := d.reload(); err != nil {
				d.log.Warn().Err(err).Str("config", d.configPath).Msg("config reload failed")
			}
		}
	}
}

// reload applies settings that can change without a restart: identity,
// password, streamers and interface selection. Mode, listen addresses and
// the control socket keep their startup values.
func (d *daemon) reload() error {
	if d.configPath == "" {
		return errors.New("no config file to reload")
	}
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Mode != d.cfg.Mode {
		d.log.Warn().Str("mode", cfg.Mode).Msg("mode change requires a restart")
		cfg.Mode = d.cfg.Mode
	}

	d.tracker.SetPatterns(cfg.Interfaces.Local, cfg.Interfaces.Uplink)
	if err := d.supervisor.UpdateSettings(cfg.SupervisorSettings()); err != nil {
		return err
	}
	if config.ApplyLogLevel(cfg.LogLevel) {
		d.log.Info().Str("level", cfg.LogLevel).Msg("log level configured")
	}
	d.log.Info().Str("config", d.configPath).Msg("config reloaded")
	return nil
}

func (d *daemon) newAdvertiser() (*discovery.Advertiser, error) {
	port, err := listenPort(d.cfg.Server.Listen)
	if err != nil {
		return nil, err
	}
	return discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Instance: d.cfg.Relay.Name,
		Port:     port,
		Text:     []string{"id=" + d.cfg.Relay.ID},
		Addrs:    d.localAddrs,
		Logger:   d.log,
	}), nil
}

// localAddrs returns the addresses of the local network interface, or of
// every interface when the local class follows the default route.
func (d *daemon) localAddrs() []net.IP {
	if h := d.tracker.Handle(netmon.ClassLocal); h != nil && h.Interface != "" {
		return h.Addrs
	}
	return interfaceAddrs()
}

// listenPort extracts the numeric port of a listen address.
func listenPort(address string) (int, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in listen address %q", address)
	}
	return port, nil
}

// optional logs the failure of a component the relay can run without.
func (d *daemon) optional(component string, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn().Err(err).Str("component", component).Msg("component stopped")
	}
	return nil
}

// sessionsFunc adapts a func to metrics.SessionSource.
type sessionsFunc func() []connection.Info

func (f sessionsFunc) SessionInfos() []connection.Info { return f() }

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
