package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/moblink/moblink-relay/internal/netmon"
	"github.com/moblink/moblink-relay/internal/transport"
	"github.com/moblink/moblink-relay/internal/tunnel"
	"github.com/moblink/moblink-relay/pkg/proto"
)

const waitFor = 2 * time.Second

type received struct {
	msg *proto.Message
	err error
}

// fakeChannel is an in-memory transport.Channel.
type fakeChannel struct {
	incoming  chan received
	sent      chan *proto.Message
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan received, 16),
		sent:     make(chan *proto.Message, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeChannel) Send(msg *proto.Message) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.sent <- msg
	return nil
}

func (c *fakeChannel) Receive() (*proto.Message, error) {
	select {
	case r := <-c.incoming:
		return r.msg, r.err
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *fakeChannel) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}
}

func (c *fakeChannel) deliver(msg *proto.Message) {
	c.incoming <- received{msg: msg}
}

func (c *fakeChannel) fail(err error) {
	c.incoming <- received{err: err}
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) expect(t *testing.T) *proto.Message {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(waitFor):
		t.Fatal("no message sent")
		return nil
	}
}

func (c *fakeChannel) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-c.sent:
		t.Fatalf("unexpected message %s", msg.Kind())
	case <-time.After(d):
	}
}

// fakeConnector hands out queued channels.
type fakeConnector struct {
	channels chan *fakeChannel
	attempts atomic.Int32
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{channels: make(chan *fakeChannel, 4)}
}

func (c *fakeConnector) Connect(ctx context.Context) (transport.Channel, error) {
	c.attempts.Add(1)
	select {
	case ch := <-c.channels:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConnector) offer() *fakeChannel {
	ch := newFakeChannel()
	c.channels <- ch
	return ch
}

// fakeTunnel records closes and exposes the failure callback.
type fakeTunnel struct {
	port      int
	onFailure func(error)
	closes    atomic.Int32
}

func (t *fakeTunnel) LocalPort() int { return t.port }

func (t *fakeTunnel) Close() error {
	t.closes.Add(1)
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	tunnels []*fakeTunnel
}

func (o *fakeOpener) open(_ context.Context, cfg tunnel.Config) (Tunnel, error) {
	if cfg.Local == nil || cfg.Uplink == nil {
		return nil, tunnel.ErrNetworkMissing
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := &fakeTunnel{port: 40000 + len(o.tunnels), onFailure: cfg.OnFailure}
	o.tunnels = append(o.tunnels, t)
	return t, nil
}

func (o *fakeOpener) last() *fakeTunnel {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.tunnels) == 0 {
		return nil
	}
	return o.tunnels[len(o.tunnels)-1]
}

type fakeBattery struct {
	pct int
	err error
}

func (b fakeBattery) Percentage(context.Context) (int, error) {
	return b.pct, b.err
}

// statusRecorder is a StatusSink that keeps every push.
type statusRecorder struct {
	mu     sync.Mutex
	pushes []Status
}

func (r *statusRecorder) SessionStatus(_ string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, status)
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.pushes...)
}

// availableNetworks returns a tracker with both classes unbound.
func availableNetworks() *netmon.Tracker {
	tr := netmon.NewTracker(netmon.TrackerConfig{Logger: zerolog.Nop()})
	tr.Set(netmon.ClassLocal, netmon.Unbound(netmon.ClassLocal))
	tr.Set(netmon.ClassUplink, netmon.Unbound(netmon.ClassUplink))
	return tr
}

func testSettings() Settings {
	return Settings{ID: "relay-1", Name: "Blue", Password: "1234", URL: "ws://streamer"}
}
