// Package config handles configuration loading and validation for the relay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/moblink/moblink-relay/internal/relay"
)

const (
	DefaultPassword       = "1234"
	DefaultListen         = ":7777"
	DefaultLocalPattern   = "wlan*"
	DefaultUplinkPattern  = "wwan*"
	DefaultReconnectDelay = "5s"
	DefaultControlSocket  = "/run/moblink-relay/control.sock"
)

var colours = []string{"Black", "Red", "Green", "Yellow", "Blue", "Purple", "Cyan", "White"}

// RelayConfig identifies this relay to streamers.
type RelayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// StreamerConfig is one streamer dialed in manual mode.
type StreamerConfig struct {
	Name string `yaml:"name,omitempty"`
	URL  string `yaml:"url"`
}

// ServerConfig holds configuration for server mode.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	Advertise bool   `yaml:"advertise"` // Answer mDNS queries for _moblink._tcp
}

// InterfacesConfig selects the interface for each network class. Values
// are interface names or globs; an empty value uses the default route.
type InterfacesConfig struct {
	Local  string `yaml:"local"`
	Uplink string `yaml:"uplink"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`          // Empty disables the endpoint
	Trace  bool   `yaml:"trace,omitempty"` // Serve a rolling runtime trace at /debug/trace
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	URL    string            `yaml:"url,omitempty"` // Empty disables shipping
	Labels map[string]string `yaml:"labels,omitempty"`
}

// Config is the relay's persisted settings.
type Config struct {
	Relay          RelayConfig      `yaml:"relay"`
	Password       string           `yaml:"password"`
	Mode           string           `yaml:"mode"`
	Streamers      []StreamerConfig `yaml:"streamers,omitempty"`
	Server         ServerConfig     `yaml:"server"`
	Interfaces     InterfacesConfig `yaml:"interfaces"`
	ReconnectDelay string           `yaml:"reconnect_delay"`
	Metrics        MetricsConfig    `yaml:"metrics"`
	Loki           LokiConfig       `yaml:"loki,omitempty"`
	ControlSocket  string           `yaml:"control_socket"`
	LogLevel       string           `yaml:"log_level,omitempty"`
}

// Default returns a configuration with a fresh identity.
func Default() *Config {
	cfg := &Config{
		Relay: RelayConfig{
			ID:   uuid.NewString(),
			Name: colours[rand.IntN(len(colours))],
		},
		Password: DefaultPassword,
	}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrCreate loads the file at path, writing a default configuration
// there first if it does not exist.
func LoadOrCreate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	cfg = Default()
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
// The file holds the password and is written with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = string(relay.ModeManual)
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Interfaces.Local == "" {
		c.Interfaces.Local = DefaultLocalPattern
	}
	if c.Interfaces.Uplink == "" {
		c.Interfaces.Uplink = DefaultUplinkPattern
	}
	if c.ReconnectDelay == "" {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ControlSocket == "" {
		c.ControlSocket = DefaultControlSocket
	}
	// Expand home directory in socket path
	if strings.HasPrefix(c.ControlSocket, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.ControlSocket = filepath.Join(homeDir, c.ControlSocket[2:])
		}
	}
}

// Validate checks if the configuration is valid. An empty password is
// allowed; sessions report it as missing configuration.
func (c *Config) Validate() error {
	switch relay.Mode(c.Mode) {
	case relay.ModeManual, relay.ModeAutomatic, relay.ModeServer:
	default:
		return fmt.Errorf("mode must be one of manual, automatic, server (got %q)", c.Mode)
	}
	if c.Relay.ID == "" {
		return fmt.Errorf("relay.id is required")
	}
	if len(c.Streamers) > relay.MaxSessions {
		return fmt.Errorf("at most %d streamers are supported", relay.MaxSessions)
	}
	for i, s := range c.Streamers {
		if err := validateStreamerURL(s.URL); err != nil {
			return fmt.Errorf("streamers[%d].url: %w", i, err)
		}
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	if c.Loki.URL != "" {
		u, err := url.Parse(c.Loki.URL)
		if err != nil {
			return fmt.Errorf("invalid loki.url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("loki.url must be an http or https URL")
		}
	}
	delay, err := time.ParseDuration(c.ReconnectDelay)
	if err != nil {
		return fmt.Errorf("invalid reconnect_delay: %w", err)
	}
	if delay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	return nil
}

func validateStreamerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// ReconnectDelayDuration returns the parsed reconnect delay, falling back
// to the default for unparsable values.
func (c *Config) ReconnectDelayDuration() time.Duration {
	d, err := time.ParseDuration(c.ReconnectDelay)
	if err != nil || d <= 0 {
		return relay.DefaultReconnectDelay
	}
	return d
}

// SupervisorSettings maps the configuration to supervisor settings.
func (c *Config) SupervisorSettings() relay.SupervisorSettings {
	streamers := make([]relay.Streamer, 0, len(c.Streamers))
	for _, s := range c.Streamers {
		streamers = append(streamers, relay.Streamer{Name: s.Name, URL: s.URL})
	}
	return relay.SupervisorSettings{
		Mode:      relay.Mode(c.Mode),
		ID:        c.Relay.ID,
		Name:      c.Relay.Name,
		Password:  c.Password,
		Streamers: streamers,
	}
}

// ApplyLogLevel sets the global zerolog level. It reports whether level
// was recognised; an empty or unknown level leaves the current level.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
