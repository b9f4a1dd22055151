// Package tunnel forwards UDP datagrams between the streamer-facing
// network and the uplink network.
//
// A Tunnel owns two sockets. The local socket receives the streamer's
// datagrams; the first sender becomes the learned peer and all return
// traffic goes to it. The remote socket sends everything to the fixed
// destination and receives its replies.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/moblink/moblink-relay/internal/metrics"
	"github.com/moblink/moblink-relay/internal/netmon"
)

// MaxDatagramSize is the receive buffer size. Larger datagrams are truncated.
const MaxDatagramSize = 2048

// ErrNetworkMissing is returned by Open when a required interface is not
// available.
var ErrNetworkMissing = errors.New("network not available")

// Config describes one tunnel.
type Config struct {
	// Local receives the streamer's datagrams.
	Local *netmon.Handle
	// Uplink carries traffic to the destination.
	Uplink *netmon.Handle

	Address string
	Port    int

	// OnFailure is called at most once, on its own goroutine, when a
	// forwarding loop stops for any reason other than Close.
	OnFailure func(error)

	Metrics *metrics.RelayMetrics
	Logger  zerolog.Logger
}

// Tunnel is an open forwarding session.
type Tunnel struct {
	local  *net.UDPConn
	remote *net.UDPConn
	dest   *net.UDPAddr
	peer   atomic.Pointer[net.UDPAddr]

	onFailure func(error)
	metrics   *metrics.RelayMetrics
	log       zerolog.Logger

	toRemoteDatagrams, toRemoteBytes prometheus.Counter
	toLocalDatagrams, toLocalBytes   prometheus.Counter

	closing   atomic.Bool
	failed    atomic.Bool
	failOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open binds both sockets and starts forwarding. The remote→local loop
// starts when the first datagram arrives from the streamer.
func Open(ctx context.Context, cfg Config) (*Tunnel, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("open tunnel: %s %w", netmon.ClassLocal, ErrNetworkMissing)
	}
	if cfg.Uplink == nil {
		return nil, fmt.Errorf("open tunnel: %s %w", netmon.ClassUplink, ErrNetworkMissing)
	}

	dest, err := resolve(ctx, cfg.Address, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open tunnel: %w", err)
	}

	local, err := cfg.Local.ListenUDP(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tunnel: %w", err)
	}
	remote, err := cfg.Uplink.ListenUDP(ctx)
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("open tunnel: %w", err)
	}

	t := &Tunnel{
		local:     local,
		remote:    remote,
		dest:      dest,
		onFailure: cfg.OnFailure,
		metrics:   cfg.Metrics,
	}
	t.log = cfg.Logger.With().
		Int("local_port", t.LocalPort()).
		Str("destination", dest.String()).
		Logger()
	t.toRemoteDatagrams, t.toRemoteBytes = cfg.Metrics.Forwarded(metrics.ToRemote)
	t.toLocalDatagrams, t.toLocalBytes = cfg.Metrics.Forwarded(metrics.ToLocal)

	t.wg.Add(1)
	go t.localLoop()

	cfg.Metrics.TunnelOpened()
	t.log.Info().
		Str("local", cfg.Local.String()).
		Str("uplink", cfg.Uplink.String()).
		Msg("tunnel opened")
	return t, nil
}

func resolve(ctx context.Context, address string, port int) (*net.UDPAddr, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid destination port %d", port)
	}
	if ip := net.ParseIP(address); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", net.JoinHostPort(address, strconv.Itoa(port)), err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", address)
	}
	return &net.UDPAddr{IP: addrs[0].IP, Port: port, Zone: addrs[0].Zone}, nil
}

// LocalPort returns the port the streamer should send to.
func (t *Tunnel) LocalPort() int {
	return t.local.LocalAddr().(*net.UDPAddr).Port
}

// Destination returns the address datagrams are forwarded to.
func (t *Tunnel) Destination() *net.UDPAddr {
	return t.dest
}

// LearnedPeer returns the source of the first datagram received on the
// local socket, or nil if none has arrived yet.
func (t *Tunnel) LearnedPeer() *net.UDPAddr {
	return t.peer.Load()
}

// localLoop forwards streamer datagrams to the destination.
func (t *Tunnel) localLoop() {
	defer t.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := t.local.ReadFromUDP(buf)
		if err != nil {
			t.fail(fmt.Errorf("receive from streamer: %w", err))
			return
		}

		if t.peer.Load() == nil {
			t.peer.Store(src)
			t.log.Debug().Str("peer", src.String()).Msg("learned streamer address")
			t.wg.Add(1)
			go t.remoteLoop(src)
		}

		if _, err := t.remote.WriteToUDP(buf[:n], t.dest); err != nil {
			t.fail(fmt.Errorf("send to destination: %w", err))
			return
		}
		count(t.toRemoteDatagrams, t.toRemoteBytes, n)
	}
}

// remoteLoop forwards replies to the learned peer.
func (t *Tunnel) remoteLoop(peer *net.UDPAddr) {
	defer t.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, err := t.remote.ReadFromUDP(buf)
		if err != nil {
			t.fail(fmt.Errorf("receive from destination: %w", err))
			return
		}
		if _, err := t.local.WriteToUDP(buf[:n], peer); err != nil {
			t.fail(fmt.Errorf("send to streamer: %w", err))
			return
		}
		count(t.toLocalDatagrams, t.toLocalBytes, n)
	}
}

func count(datagrams, bytes prometheus.Counter, n int) {
	if datagrams == nil {
		return
	}
	datagrams.Inc()
	bytes.Add(float64(n))
}

// fail stops both loops and reports err unless the owner closed the tunnel.
func (t *Tunnel) fail(err error) {
	if t.closing.Load() {
		return
	}
	t.failOnce.Do(func() {
		t.failed.Store(true)
		t.log.Warn().Err(err).Msg("tunnel failed")
		_ = t.local.Close()
		_ = t.remote.Close()
		if t.onFailure != nil {
			go t.onFailure(err)
		}
	})
}

// Close stops forwarding and releases both sockets. It is safe to call
// more than once.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		err = errors.Join(closeConn(t.local), closeConn(t.remote))
		t.wg.Wait()
		t.metrics.TunnelClosed(t.failed.Load())
		t.log.Info().Msg("tunnel closed")
	})
	return err
}

func closeConn(c *net.UDPConn) error {
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
