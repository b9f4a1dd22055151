package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moblink/moblink-relay/internal/relay"
	"github.com/moblink/moblink-relay/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
relay:
  id: "0f7c2b1e-4b7e-4d8a-9a34-1f1f5d1f0a11"
  name: "Green"
password: "secret"
mode: manual
streamers:
  - name: studio
    url: "ws://192.168.1.10:7777"
  - url: "wss://streamer.local"
server:
  listen: ":8888"
  advertise: true
interfaces:
  local: "wlan0"
  uplink: "usb*"
reconnect_delay: "3s"
metrics:
  listen: "127.0.0.1:9100"
  trace: true
loki:
  url: "http://grafana.lan:3100"
  labels:
    site: venue
control_socket: "/tmp/relay.sock"
log_level: debug
`
	configPath := testutil.TempFile(t, dir, "relay.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0f7c2b1e-4b7e-4d8a-9a34-1f1f5d1f0a11", cfg.Relay.ID)
	assert.Equal(t, "Green", cfg.Relay.Name)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "manual", cfg.Mode)
	require.Len(t, cfg.Streamers, 2)
	assert.Equal(t, StreamerConfig{Name: "studio", URL: "ws://192.168.1.10:7777"}, cfg.Streamers[0])
	assert.Equal(t, ":8888", cfg.Server.Listen)
	assert.True(t, cfg.Server.Advertise)
	assert.Equal(t, "wlan0", cfg.Interfaces.Local)
	assert.Equal(t, "usb*", cfg.Interfaces.Uplink)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelayDuration())
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	assert.True(t, cfg.Metrics.Trace)
	assert.Equal(t, "http://grafana.lan:3100", cfg.Loki.URL)
	assert.Equal(t, map[string]string{"site": "venue"}, cfg.Loki.Labels)
	assert.Equal(t, "/tmp/relay.sock", cfg.ControlSocket)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "relay.yaml", "relay:\n  id: abc\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "manual", cfg.Mode)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.False(t, cfg.Server.Advertise)
	assert.Equal(t, DefaultLocalPattern, cfg.Interfaces.Local)
	assert.Equal(t, DefaultUplinkPattern, cfg.Interfaces.Uplink)
	assert.Equal(t, relay.DefaultReconnectDelay, cfg.ReconnectDelayDuration())
	assert.Equal(t, DefaultControlSocket, cfg.ControlSocket)
	assert.Empty(t, cfg.Metrics.Listen)
	assert.Empty(t, cfg.Password)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ExpandHomePath(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "relay.yaml", "control_socket: \"~/.moblink/control.sock\"\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".moblink/control.sock"), cfg.ControlSocket)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "relay.yaml", "relay: [unclosed\n")
	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	_, err := uuid.Parse(cfg.Relay.ID)
	assert.NoError(t, err)
	assert.Contains(t, colours, cfg.Relay.Name)
	assert.Equal(t, DefaultPassword, cfg.Password)
	assert.Equal(t, ":7777", cfg.Server.Listen)
	assert.Equal(t, "manual", cfg.Mode)
	require.NoError(t, cfg.Validate())

	assert.NotEqual(t, cfg.Relay.ID, Default().Relay.ID)
}

func TestSaveAndLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg := Default()
	cfg.Mode = "server"
	cfg.Streamers = []StreamerConfig{{URL: "ws://10.0.0.2:7777"}}
	path := filepath.Join(dir, "nested", "relay.yaml")
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadOrCreate(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "relay.yaml")

	created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	// The identity persists across loads.
	again, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, created.Relay, again.Relay)
}

func TestLoadOrCreate_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "relay.yaml", "relay: [unclosed\n")
	_, err := LoadOrCreate(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Streamers = []StreamerConfig{{URL: "ws://192.168.1.10:7777"}}
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "empty password is allowed", modify: func(c *Config) { c.Password = "" }},
		{name: "automatic mode", modify: func(c *Config) { c.Mode = "automatic" }},
		{name: "server mode", modify: func(c *Config) { c.Mode = "server" }},
		{name: "unknown mode", modify: func(c *Config) { c.Mode = "mesh" }, wantErr: "mode must be one of"},
		{name: "missing id", modify: func(c *Config) { c.Relay.ID = "" }, wantErr: "relay.id is required"},
		{
			name: "too many streamers",
			modify: func(c *Config) {
				for len(c.Streamers) <= relay.MaxSessions {
					c.Streamers = append(c.Streamers, StreamerConfig{URL: "ws://10.0.0.1:7777"})
				}
			},
			wantErr: "at most 5 streamers",
		},
		{name: "http url", modify: func(c *Config) { c.Streamers[0].URL = "http://10.0.0.1" }, wantErr: "streamers[0].url: scheme"},
		{name: "url without host", modify: func(c *Config) { c.Streamers[0].URL = "ws://" }, wantErr: "host is required"},
		{name: "bad listen", modify: func(c *Config) { c.Server.Listen = "7777" }, wantErr: "invalid server.listen"},
		{name: "bad metrics listen", modify: func(c *Config) { c.Metrics.Listen = "metrics" }, wantErr: "invalid metrics.listen"},
		{name: "loki url", modify: func(c *Config) { c.Loki.URL = "http://grafana.lan:3100" }},
		{name: "loki without scheme", modify: func(c *Config) { c.Loki.URL = "grafana.lan:3100" }, wantErr: "loki.url must be"},
		{name: "loki udp", modify: func(c *Config) { c.Loki.URL = "udp://grafana.lan" }, wantErr: "loki.url must be"},
		{name: "bad reconnect delay", modify: func(c *Config) { c.ReconnectDelay = "soon" }, wantErr: "invalid reconnect_delay"},
		{name: "zero reconnect delay", modify: func(c *Config) { c.ReconnectDelay = "0s" }, wantErr: "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ReconnectDelayFallback(t *testing.T) {
	cfg := Default()
	cfg.ReconnectDelay = "never"
	assert.Equal(t, relay.DefaultReconnectDelay, cfg.ReconnectDelayDuration())
}

func TestConfig_SupervisorSettings(t *testing.T) {
	cfg := Default()
	cfg.Mode = "automatic"
	cfg.Password = "pw"
	cfg.Streamers = []StreamerConfig{{Name: "a", URL: "ws://a"}, {URL: "ws://b"}}

	settings := cfg.SupervisorSettings()
	assert.Equal(t, relay.ModeAutomatic, settings.Mode)
	assert.Equal(t, cfg.Relay.ID, settings.ID)
	assert.Equal(t, cfg.Relay.Name, settings.Name)
	assert.Equal(t, "pw", settings.Password)
	assert.Equal(t, []relay.Streamer{{Name: "a", URL: "ws://a"}, {URL: "ws://b"}}, settings.Streamers)
}

func TestApplyLogLevel(t *testing.T) {
	// Save original level to restore after test
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "trace level", level: "trace", expectApplied: true, expectLevel: zerolog.TraceLevel},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "info level", level: "info", expectApplied: true, expectLevel: zerolog.InfoLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "error level", level: "error", expectApplied: true, expectLevel: zerolog.ErrorLevel},
		{name: "invalid level", level: "invalid", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset to known state before each test
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
