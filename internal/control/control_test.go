package control

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moblink/moblink-relay/internal/peer/connection"
	"github.com/moblink/moblink-relay/internal/relay"
)

type fakeRelay struct {
	mu       sync.Mutex
	started  bool
	startErr error
}

func (r *fakeRelay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = true
	return nil
}

func (r *fakeRelay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return nil
}

func (r *fakeRelay) Status() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return "not started", nil
	}
	return "1 of 2 connected", nil
}

func (r *fakeRelay) Sessions() ([]relay.SessionInfo, error) {
	return []relay.SessionInfo{
		{Key: "studio", URL: "ws://10.0.0.2:7777", State: connection.StateTunneling, Status: relay.StatusConnected},
		{Key: "garage", URL: "ws://10.0.0.3:7777", State: connection.StateBackoff, Status: relay.StatusWrongPassword},
	}, nil
}

func startServer(t *testing.T, r Relay, board *Board) *Client {
	t.Helper()
	return startServerConfig(t, ServerConfig{Relay: r, Board: board})
}

func startServerConfig(t *testing.T, cfg ServerConfig) *Client {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	cfg.SocketPath = socketPath
	cfg.Logger = zerolog.Nop()
	server := NewServer(cfg)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return NewClient(socketPath)
}

func TestServer_StartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "run", "test.sock")

	server := NewServer(ServerConfig{SocketPath: socketPath, Relay: &fakeRelay{}, Logger: zerolog.Nop()})
	require.NoError(t, server.Start())
	assert.Equal(t, socketPath, server.SocketPath())

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, server.Stop(), "second stop is a no-op")
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0600))

	server := NewServer(ServerConfig{SocketPath: socketPath, Relay: &fakeRelay{}, Logger: zerolog.Nop()})
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()

	_, err := NewClient(socketPath).Status()
	assert.NoError(t, err)
}

func TestClient_StartStatusStop(t *testing.T) {
	r := &fakeRelay{}
	client := startServer(t, r, nil)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "not started", status.Status)

	require.NoError(t, client.Start())
	status, err = client.Status()
	require.NoError(t, err)
	assert.Equal(t, "1 of 2 connected", status.Status)
	require.Len(t, status.Sessions, 2)
	assert.Equal(t, SessionStatus{
		Key:    "studio",
		URL:    "ws://10.0.0.2:7777",
		State:  "tunneling",
		Status: "connected",
	}, status.Sessions[0])
	assert.Equal(t, "wrong password", status.Sessions[1].Status)

	require.NoError(t, client.Stop())
	status, err = client.Status()
	require.NoError(t, err)
	assert.Equal(t, "not started", status.Status)
}

func TestClient_StatusWithBoard(t *testing.T) {
	board := NewBoard(zerolog.Nop())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	board.now = func() time.Time { return at }
	board.SessionStatus("studio", relay.StatusConnected)
	board.SessionStatus("garage", relay.StatusConnecting)

	client := startServer(t, &fakeRelay{}, board)
	status, err := client.Status()
	require.NoError(t, err)

	assert.True(t, at.Equal(status.Sessions[0].Since))
	// A stale board entry is not attributed to a different status.
	assert.True(t, status.Sessions[1].Since.IsZero())
}

func TestClient_Errors(t *testing.T) {
	client := startServer(t, &fakeRelay{startErr: errors.New("supervisor not running")}, nil)
	assert.EqualError(t, client.Start(), "supervisor not running")

	resp, err := client.Send(Request{Command: "reboot"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command: reboot")
}

func TestClient_Reload(t *testing.T) {
	client := startServer(t, &fakeRelay{}, nil)
	assert.EqualError(t, client.Reload(), "reload not supported")

	var reloads atomic.Int32
	client = startServerConfig(t, ServerConfig{
		Relay:  &fakeRelay{},
		Reload: func() error { reloads.Add(1); return nil },
	})
	require.NoError(t, client.Reload())
	assert.Equal(t, int32(1), reloads.Load())

	client = startServerConfig(t, ServerConfig{
		Relay:  &fakeRelay{},
		Reload: func() error { return errors.New("invalid config: mode") },
	})
	assert.EqualError(t, client.Reload(), "invalid config: mode")
}

func TestClient_NoRelay(t *testing.T) {
	client := startServer(t, nil, nil)
	_, err := client.Status()
	assert.EqualError(t, err, "relay not initialized")
}

func TestClient_NoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.Status()
	assert.ErrorContains(t, err, "connect to control socket")
}

func TestBoard(t *testing.T) {
	board := NewBoard(zerolog.Nop())
	_, ok := board.Get("studio")
	assert.False(t, ok)

	board.SessionStatus("studio", relay.StatusConnecting)
	board.SessionStatus("garage", relay.StatusIdle)
	board.SessionStatus("studio", relay.StatusConnected)

	e, ok := board.Get("studio")
	require.True(t, ok)
	assert.Equal(t, relay.StatusConnected, e.Status)

	entries := board.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "garage", entries[0].Key)
	assert.Equal(t, "studio", entries[1].Key)
}

func TestBoardSessionRemoved(t *testing.T) {
	board := NewBoard(zerolog.Nop())
	board.SessionStatus("studio", relay.StatusConnected)
	board.SessionStatus("garage", relay.StatusConnecting)

	board.SessionRemoved("studio")
	board.SessionRemoved("unknown")

	_, ok := board.Get("studio")
	assert.False(t, ok)
	entries := board.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "garage", entries[0].Key)
}

var _ relay.StatusSink = (*Board)(nil)
var _ relay.SessionRemover = (*Board)(nil)
var _ Relay = (*relay.Supervisor)(nil)
