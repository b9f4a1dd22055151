package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// AdvertiserConfig holds configuration for creating an Advertiser.
type AdvertiserConfig struct {
	// Instance is the label shown to streamers, normally the relay name.
	Instance string
	Port     int
	// Host is the target of the SRV record. Defaults to "<hostname>.local.".
	Host string
	Text []string
	// Addrs returns the addresses to publish. Called for every answer.
	Addrs func() []net.IP
	// Interface restricts the responder to one interface.
	Interface *net.Interface
	Logger    zerolog.Logger
}

// Advertiser answers mDNS queries for one relay instance.
type Advertiser struct {
	cfg AdvertiserConfig
	log zerolog.Logger
}

// NewAdvertiser creates an advertiser. Call Run to serve.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	if cfg.Host == "" {
		cfg.Host = defaultHost()
	}
	cfg.Host = dns.Fqdn(cfg.Host)
	if cfg.Addrs == nil {
		cfg.Addrs = func() []net.IP { return nil }
	}
	return &Advertiser{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "advertiser").Logger(),
	}
}

func defaultHost() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "moblink-relay"
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name + ".local."
}

// Run serves queries until ctx is done.
func (a *Advertiser) Run(ctx context.Context) error {
	if a.cfg.Instance == "" {
		return errors.New("advertiser instance name not set")
	}
	if a.cfg.Port <= 0 || a.cfg.Port > 0xffff {
		return fmt.Errorf("invalid advertised port %d", a.cfg.Port)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: a, Iface: a.cfg.Interface})
	if err != nil {
		return fmt.Errorf("start mdns responder: %w", err)
	}
	a.log.Info().
		Str("instance", a.cfg.Instance).
		Int("port", a.cfg.Port).
		Str("host", a.cfg.Host).
		Msg("advertising relay")

	<-ctx.Done()
	if err := server.Shutdown(); err != nil {
		a.log.Debug().Err(err).Msg("shutdown mdns responder")
	}
	return nil
}

// Records implements mdns.Zone. The record set is rebuilt per question
// so address changes are published without restarting the responder.
func (a *Advertiser) Records(q dns.Question) []dns.RR {
	svc, err := a.service()
	if err != nil {
		a.log.Debug().Err(err).Str("question", q.Name).Msg("no records to advertise")
		return nil
	}
	return svc.Records(q)
}

// service describes the instance with the current addresses. It fails
// while no address is known rather than letting the responder resolve
// the host name itself.
func (a *Advertiser) service() (*mdns.MDNSService, error) {
	addrs := a.cfg.Addrs()
	if len(addrs) == 0 {
		return nil, errors.New("no local addresses")
	}
	return mdns.NewMDNSService(escapeLabel(a.cfg.Instance), ServiceName, Domain, a.cfg.Host, a.cfg.Port, addrs, a.cfg.Text)
}
