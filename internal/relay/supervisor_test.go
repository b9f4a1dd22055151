package relay

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moblink/moblink-relay/internal/auth"
	"github.com/moblink/moblink-relay/internal/netmon"
	"github.com/moblink/moblink-relay/internal/peer/connection"
	"github.com/moblink/moblink-relay/internal/transport"
	"github.com/moblink/moblink-relay/testutil"
)

type countingLifecycle struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (l *countingLifecycle) Acquire() { l.acquired.Add(1) }
func (l *countingLifecycle) Release() { l.released.Add(1) }

// refusedURL points at a port nothing listens on.
const refusedURL = "ws://127.0.0.1:1"

func runSupervisor(t *testing.T, cfg SupervisorConfig) *Supervisor {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = clock.NewMock()
	}
	cfg.Logger = zerolog.Nop()
	sup := NewSupervisor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("supervisor did not stop")
		}
	})
	return sup
}

func sessionKeys(t *testing.T, sup *Supervisor) []string {
	t.Helper()
	infos, err := sup.Sessions()
	require.NoError(t, err)
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys
}

func supervisorSettings(mode Mode, streamers ...Streamer) SupervisorSettings {
	return SupervisorSettings{Mode: mode, ID: "relay-1", Name: "Blue", Password: "1234", Streamers: streamers}
}

func TestSupervisorNotStarted(t *testing.T) {
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeManual)})

	status, err := sup.Status()
	require.NoError(t, err)
	assert.Equal(t, "not started", status)
	assert.Empty(t, sessionKeys(t, sup))
}

func TestSupervisorManualMode(t *testing.T) {
	lifecycle := &countingLifecycle{}
	sup := runSupervisor(t, SupervisorConfig{
		Settings: supervisorSettings(ModeManual,
			Streamer{Name: "studio", URL: refusedURL},
			Streamer{URL: refusedURL + "/b"},
			Streamer{Name: "studio", URL: refusedURL + "/c"},
		),
		Lifecycle: lifecycle,
	})

	require.NoError(t, sup.Start())
	require.NoError(t, sup.Start())
	assert.Equal(t, int32(1), lifecycle.acquired.Load())
	assert.Equal(t, []string{"studio", refusedURL + "/b", "streamer-3"}, sessionKeys(t, sup))

	status, err := sup.Status()
	require.NoError(t, err)
	assert.Equal(t, "0 of 3 connected", status)

	infos, err := sup.Sessions()
	require.NoError(t, err)
	assert.Equal(t, refusedURL+"/c", infos[2].URL)

	require.NoError(t, sup.Stop())
	require.NoError(t, sup.Stop())
	assert.Equal(t, int32(1), lifecycle.released.Load())

	// Manual sessions survive a stop and are restarted in place.
	infos, err = sup.Sessions()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	for _, info := range infos {
		assert.Equal(t, connection.StateStopped, info.State)
		assert.Equal(t, StatusIdle, info.Status)
	}
	status, err = sup.Status()
	require.NoError(t, err)
	assert.Equal(t, "not started", status)

	require.NoError(t, sup.Start())
	assert.Equal(t, int32(2), lifecycle.acquired.Load())
	assert.Len(t, sessionKeys(t, sup), 3)
}

func TestSupervisorManualModeSessionLimit(t *testing.T) {
	var streamers []Streamer
	for i := 0; i < MaxSessions+2; i++ {
		streamers = append(streamers, Streamer{URL: refusedURL + "/" + string(rune('a'+i))})
	}
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeManual, streamers...)})

	require.NoError(t, sup.Start())
	assert.Len(t, sessionKeys(t, sup), MaxSessions)
}

func TestSupervisorAutomaticMode(t *testing.T) {
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeAutomatic)})

	require.NoError(t, sup.Start())
	status, err := sup.Status()
	require.NoError(t, err)
	assert.Equal(t, "searching", status)

	require.NoError(t, sup.Found("studio", refusedURL+"/a"))
	assert.Equal(t, []string{"studio"}, sessionKeys(t, sup))

	// Same address: the session is kept.
	require.NoError(t, sup.Found("studio", refusedURL+"/a"))
	assert.Len(t, sup.SessionInfos(), 1)

	// New address: the session is replaced.
	require.NoError(t, sup.Found("studio", refusedURL+"/b"))
	infos, err := sup.Sessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, refusedURL+"/b", infos[0].URL)

	// Lost keeps the running session.
	require.NoError(t, sup.Lost("studio"))
	assert.Equal(t, []string{"studio"}, sessionKeys(t, sup))

	require.NoError(t, sup.Found("garage", refusedURL+"/g"))
	assert.Equal(t, []string{"studio", "garage"}, sessionKeys(t, sup))

	// Stop removes automatic sessions; start recreates the ones still advertised.
	require.NoError(t, sup.Stop())
	assert.Empty(t, sessionKeys(t, sup))
	require.NoError(t, sup.Start())
	assert.Equal(t, []string{"garage"}, sessionKeys(t, sup))
}

// keyedSink keeps the last status per session, like a status board.
type keyedSink struct {
	mu      sync.Mutex
	rows    map[string]Status
	removed []string
}

func (k *keyedSink) SessionStatus(key string, status Status) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rows[key] = status
}

func (k *keyedSink) SessionRemoved(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.rows, key)
	k.removed = append(k.removed, key)
}

func (k *keyedSink) keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.rows))
	for key := range k.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (k *keyedSink) removedKeys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.removed...)
}

func TestSupervisorReportsRemovedSessions(t *testing.T) {
	sink := &keyedSink{rows: make(map[string]Status)}
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeAutomatic), Sink: sink})

	require.NoError(t, sup.Start())
	require.NoError(t, sup.Found("studio", refusedURL+"/a"))
	require.NoError(t, sup.Found("garage", refusedURL+"/g"))
	require.Eventually(t, func() bool {
		return len(sink.keys()) == 2
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, sup.Found("studio", refusedURL+"/b"))
	assert.Equal(t, []string{"studio"}, sink.removedKeys())

	require.NoError(t, sup.Stop())
	assert.Equal(t, []string{"studio", "garage", "studio"}, sink.removedKeys())
	assert.Empty(t, sink.keys(), "discarded sessions leave no rows behind")
}

func TestSupervisorAutomaticModeBeforeStart(t *testing.T) {
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeAutomatic)})

	require.NoError(t, sup.Found("b", refusedURL+"/b"))
	require.NoError(t, sup.Found("a", refusedURL+"/a"))
	assert.Empty(t, sessionKeys(t, sup))

	require.NoError(t, sup.Start())
	assert.Equal(t, []string{"a", "b"}, sessionKeys(t, sup))
}

func TestSupervisorAutomaticModeSessionLimit(t *testing.T) {
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeAutomatic)})
	require.NoError(t, sup.Start())

	for i := 0; i < MaxSessions+1; i++ {
		name := string(rune('a' + i))
		require.NoError(t, sup.Found(name, refusedURL+"/"+name))
	}
	assert.Len(t, sessionKeys(t, sup), MaxSessions)
}

func TestSupervisorFoundIgnoredOutsideAutomaticMode(t *testing.T) {
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeManual, Streamer{URL: refusedURL})})
	require.NoError(t, sup.Start())
	require.NoError(t, sup.Found("studio", refusedURL+"/x"))
	assert.Len(t, sessionKeys(t, sup), 1)
}

func TestSupervisorServerMode(t *testing.T) {
	listener := newFakeConnector()
	sup := runSupervisor(t, SupervisorConfig{
		Settings: supervisorSettings(ModeServer),
		Listener: listener,
	})

	require.NoError(t, sup.Start())
	assert.Equal(t, []string{"server-1", "server-2", "server-3", "server-4", "server-5"}, sessionKeys(t, sup))
	require.Eventually(t, func() bool {
		return listener.attempts.Load() == MaxSessions
	}, waitFor, 5*time.Millisecond)

	// Whichever session picks up the connection challenges the streamer.
	ch := listener.offer()
	hello := ch.expect(t)
	require.NotNil(t, hello.Hello)
	ch.deliver(auth.Responder{ID: "s", Name: "streamer", Password: "1234"}.Identify(hello.Hello))
	identified := ch.expect(t)
	assert.True(t, identified.Identified.Result.IsOk())

	require.Eventually(t, func() bool {
		status, err := sup.Status()
		return err == nil && status == "1 of 5 connected"
	}, waitFor, 5*time.Millisecond)
}

func TestSupervisorServerModeWithoutListener(t *testing.T) {
	sup := runSupervisor(t, SupervisorConfig{Settings: supervisorSettings(ModeServer)})
	require.NoError(t, sup.Start())
	assert.Empty(t, sessionKeys(t, sup))
}

func TestSupervisorWaitingForUplink(t *testing.T) {
	nets := availableNetworks()
	sup := runSupervisor(t, SupervisorConfig{
		Settings: supervisorSettings(ModeManual, Streamer{URL: refusedURL}),
		Networks: nets,
	})
	require.NoError(t, sup.Start())

	nets.Set(netmon.ClassUplink, nil)
	status, err := sup.Status()
	require.NoError(t, err)
	assert.Equal(t, "waiting for uplink", status)

	infos, err := sup.Sessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Eventually(t, func() bool {
		infos, _ := sup.Sessions()
		return infos[0].Status == StatusWaitingForUplink
	}, waitFor, 5*time.Millisecond)
}

func TestSupervisorUpdateSettings(t *testing.T) {
	lifecycle := &countingLifecycle{}
	sup := runSupervisor(t, SupervisorConfig{
		Settings:  supervisorSettings(ModeManual, Streamer{Name: "a", URL: refusedURL}),
		Lifecycle: lifecycle,
	})
	require.NoError(t, sup.Start())

	// Identity changes keep the sessions running.
	renamed := supervisorSettings(ModeManual, Streamer{Name: "a", URL: refusedURL})
	renamed.Name = "Red"
	require.NoError(t, sup.UpdateSettings(renamed))
	assert.Equal(t, []string{"a"}, sessionKeys(t, sup))
	assert.Equal(t, int32(1), lifecycle.acquired.Load())
	assert.Zero(t, lifecycle.released.Load())

	// A new streamer list rebuilds them and keeps the relay started.
	require.NoError(t, sup.UpdateSettings(supervisorSettings(ModeManual,
		Streamer{Name: "b", URL: refusedURL},
		Streamer{Name: "c", URL: refusedURL},
	)))
	assert.Equal(t, []string{"b", "c"}, sessionKeys(t, sup))
	status, err := sup.Status()
	require.NoError(t, err)
	assert.Equal(t, "0 of 2 connected", status)

	// A mode change rebuilds as well.
	require.NoError(t, sup.UpdateSettings(supervisorSettings(ModeAutomatic)))
	assert.Empty(t, sessionKeys(t, sup))
	status, err = sup.Status()
	require.NoError(t, err)
	assert.Equal(t, "searching", status)
	assert.Equal(t, int32(3), lifecycle.acquired.Load())
	assert.Equal(t, int32(2), lifecycle.released.Load())
}

func TestSupervisorAfterRun(t *testing.T) {
	lifecycle := &countingLifecycle{}
	sup := NewSupervisor(SupervisorConfig{
		Settings:  supervisorSettings(ModeManual, Streamer{URL: refusedURL}),
		Lifecycle: lifecycle,
		Clock:     clock.NewMock(),
		Logger:    zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.NoError(t, sup.Start())
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(1), lifecycle.released.Load())

	assert.ErrorIs(t, sup.Start(), ErrNotRunning)
	_, err := sup.Status()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Nil(t, sup.SessionInfos())
}

// streamer is a minimal streamer: it accepts one relay, authenticates it
// and hands the channel to the test.
func streamer(t *testing.T, password string) (string, <-chan transport.Channel) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	channels := make(chan transport.Channel, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := transport.NewConn(ws, transport.Options{Logger: zerolog.Nop()})
		challenger := auth.NewChallenger(password)
		hello, _, err := challenger.Hello()
		if err != nil || ch.Send(hello) != nil {
			_ = ch.Close()
			return
		}
		msg, err := ch.Receive()
		if err != nil || msg.Identify == nil {
			_ = ch.Close()
			return
		}
		identified, _, err := challenger.Check(msg.Identify)
		if err != nil || ch.Send(identified) != nil {
			_ = ch.Close()
			return
		}
		channels <- ch
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), channels
}

func TestSupervisorRelaysStreamerTraffic(t *testing.T) {
	url, channels := streamer(t, "1234")

	echo := testutil.UDPEcho(t)

	sup := runSupervisor(t, SupervisorConfig{
		Settings: supervisorSettings(ModeManual, Streamer{Name: "studio", URL: url}),
		Networks: availableNetworks(),
	})
	require.NoError(t, sup.Start())

	var ch transport.Channel
	select {
	case ch = <-channels:
	case <-time.After(waitFor):
		t.Fatal("relay never authenticated")
	}
	defer ch.Close()

	require.Eventually(t, func() bool {
		status, err := sup.Status()
		return err == nil && status == "1 of 1 connected"
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, ch.Send(startTunnel(1, "127.0.0.1", echo.Port)))
	msg, err := ch.Receive()
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	require.NotNil(t, msg.Response.Data.StartTunnel)
	port := msg.Response.Data.StartTunnel.Port

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("srt packet"))
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, 2048)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "srt packet", string(buf[:n]))

	require.NoError(t, ch.Send(statusRequest(2)))
	msg, err = ch.Receive()
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	assert.Equal(t, 2, msg.Response.ID)
	assert.Nil(t, msg.Response.Data.Status.BatteryPercentage)

	require.NoError(t, sup.Stop())
	_, err = ch.Receive()
	assert.Error(t, err)
}
