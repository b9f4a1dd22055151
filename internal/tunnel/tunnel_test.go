package tunnel

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moblink/moblink-relay/internal/metrics"
	"github.com/moblink/moblink-relay/internal/netmon"
)

// echoServer replies to every datagram with "echo:" + payload.
func echoServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, MaxDatagramSize)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(append([]byte("echo:"), buf[:n]...), src)
		}
	}()
	return conn
}

func streamer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func openTunnel(t *testing.T, dest *net.UDPConn, onFailure func(error)) *Tunnel {
	t.Helper()
	addr := dest.LocalAddr().(*net.UDPAddr)
	tun, err := Open(context.Background(), Config{
		Local:     netmon.Unbound(netmon.ClassLocal),
		Uplink:    netmon.Unbound(netmon.ClassUplink),
		Address:   addr.IP.String(),
		Port:      addr.Port,
		OnFailure: onFailure,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tun.Close() })
	return tun
}

func tunnelAddr(tun *Tunnel) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tun.LocalPort()}
}

func receive(conn *net.UDPConn, timeout time.Duration) (string, error) {
	buf := make([]byte, MaxDatagramSize)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func TestTunnelForwardsBothWays(t *testing.T) {
	dest := echoServer(t)
	tun := openTunnel(t, dest, nil)
	assert.NotZero(t, tun.LocalPort())
	assert.Nil(t, tun.LearnedPeer())

	a := streamer(t)
	_, err := a.WriteToUDP([]byte("hello"), tunnelAddr(tun))
	require.NoError(t, err)

	got, err := receive(a, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", got)

	require.NotNil(t, tun.LearnedPeer())
	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, tun.LearnedPeer().Port)
}

func TestTunnelPinsFirstPeer(t *testing.T) {
	dest := echoServer(t)
	tun := openTunnel(t, dest, nil)

	a := streamer(t)
	b := streamer(t)

	_, err := a.WriteToUDP([]byte("a1"), tunnelAddr(tun))
	require.NoError(t, err)
	got, err := receive(a, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:a1", got)

	// Datagrams from a second source are still forwarded, but replies go
	// to the first source only.
	for _, payload := range []string{"b1", "b2"} {
		_, err = b.WriteToUDP([]byte(payload), tunnelAddr(tun))
		require.NoError(t, err)
	}

	replies := map[string]bool{}
	for i := 0; i < 2; i++ {
		got, err := receive(a, 2*time.Second)
		require.NoError(t, err)
		replies[got] = true
	}
	assert.True(t, replies["echo:b1"])
	assert.True(t, replies["echo:b2"])

	_, err = receive(b, 200*time.Millisecond)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "second source must not receive replies, got %v", err)

	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, tun.LearnedPeer().Port)
}

func TestTunnelTruncatesLargeDatagrams(t *testing.T) {
	dest, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer dest.Close()

	tun := openTunnel(t, dest, nil)
	a := streamer(t)

	_, err = a.WriteToUDP(make([]byte, MaxDatagramSize+500), tunnelAddr(tun))
	require.NoError(t, err)

	buf := make([]byte, 4*MaxDatagramSize)
	_ = dest.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := dest.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, MaxDatagramSize, n)
}

func TestOpenWithoutNetwork(t *testing.T) {
	_, err := Open(context.Background(), Config{
		Local:   netmon.Unbound(netmon.ClassLocal),
		Address: "127.0.0.1",
		Port:    9000,
		Logger:  zerolog.Nop(),
	})
	assert.ErrorIs(t, err, ErrNetworkMissing)

	_, err = Open(context.Background(), Config{
		Uplink:  netmon.Unbound(netmon.ClassUplink),
		Address: "127.0.0.1",
		Port:    9000,
		Logger:  zerolog.Nop(),
	})
	assert.ErrorIs(t, err, ErrNetworkMissing)
}

func TestOpenInvalidPort(t *testing.T) {
	_, err := Open(context.Background(), Config{
		Local:   netmon.Unbound(netmon.ClassLocal),
		Uplink:  netmon.Unbound(netmon.ClassUplink),
		Address: "127.0.0.1",
		Port:    0,
		Logger:  zerolog.Nop(),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNetworkMissing)
}

func TestCloseIsIdempotentAndSilent(t *testing.T) {
	dest := echoServer(t)
	failures := make(chan error, 2)
	tun := openTunnel(t, dest, func(err error) { failures <- err })

	require.NoError(t, tun.Close())
	require.NoError(t, tun.Close())

	select {
	case err := <-failures:
		t.Fatalf("OnFailure called after Close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailureReportedOnce(t *testing.T) {
	dest := echoServer(t)
	failures := make(chan error, 2)
	tun := openTunnel(t, dest, func(err error) { failures <- err })

	// Simulate the interface going away underneath the tunnel.
	_ = tun.local.Close()

	select {
	case err := <-failures:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not called")
	}

	select {
	case err := <-failures:
		t.Fatalf("OnFailure called twice: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.NoError(t, tun.Close())
}

func TestTunnelMetrics(t *testing.T) {
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	defer func() { metrics.Registry = oldRegistry }()
	m := metrics.InitMetrics("test", "dev")

	dest := echoServer(t)
	addr := dest.LocalAddr().(*net.UDPAddr)
	tun, err := Open(context.Background(), Config{
		Local:   netmon.Unbound(netmon.ClassLocal),
		Uplink:  netmon.Unbound(netmon.ClassUplink),
		Address: addr.IP.String(),
		Port:    addr.Port,
		Metrics: m,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveTunnels))

	a := streamer(t)
	_, err = a.WriteToUDP([]byte("1234"), tunnelAddr(tun))
	require.NoError(t, err)
	_, err = receive(a, 2*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Datagrams.WithLabelValues("to_remote")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Bytes.WithLabelValues("to_remote")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Datagrams.WithLabelValues("to_local")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tun.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveTunnels))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TunnelFailures))
}
