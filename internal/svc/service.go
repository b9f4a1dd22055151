// Package svc runs the relay under the system service manager and keeps
// the machine awake while the relay is started.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog"
)

const (
	DefaultServiceName = "moblink-relay"
	DefaultDisplayName = "Moblink Relay"
	DefaultDescription = "Moblink bonding relay for IRL streaming"

	// serviceFlag marks an invocation by the service manager.
	serviceFlag = "--service-run"
)

// RunFunc runs the relay until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc
	Logger     zerolog.Logger

	cancel context.CancelFunc
	done   chan error
}

// Start launches Run in the background; the service manager requires
// Start to return promptly.
func (p *Program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	if p.Run == nil {
		p.done <- errors.New("run function not configured")
		return nil
	}
	go func() {
		err := p.Run(ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.Logger.Error().Err(err).Msg("relay exited")
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels Run and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServiceConfig describes the installed service.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only; empty runs as root
}

// DefaultServiceConfig returns the configuration used when no flags
// override it.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Name:        DefaultServiceName,
		DisplayName: DefaultDisplayName,
		Description: DefaultDescription,
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the platform's config file location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "MoblinkRelay", "relay.yaml")
	}
	return "/etc/moblink-relay/relay.yaml"
}

// NewServiceConfig builds the service manager definition. The relay
// needs a routable network before it can bind its interfaces, and
// systemd's reload sends SIGHUP, which re-reads the config file.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{serviceFlag, "run", "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{
			"Restart":      "on-failure",
			"ReloadSignal": "HUP",
		}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		sc.UserName = cfg.UserName
	}
	return sc
}

// Manager controls one installed service.
type Manager struct {
	cfg *ServiceConfig
	svc service.Service
	log zerolog.Logger
}

// NewManager binds a manager to the service described by cfg.
func NewManager(cfg *ServiceConfig, logger zerolog.Logger) (*Manager, error) {
	s, err := service.New(&Program{ConfigPath: cfg.ConfigPath, Logger: logger}, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &Manager{cfg: cfg, svc: s, log: logger}, nil
}

// Install registers the service. An existing installation is replaced
// only with force; a running one is stopped first.
func (m *Manager) Install(force bool) error {
	if status, err := m.svc.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			if status == service.StatusRunning {
				return fmt.Errorf("service %q is running; stop it first or use --force", m.cfg.Name)
			}
			return fmt.Errorf("service %q already installed; use --force to reinstall", m.cfg.Name)
		}
		m.remove(status)
	}

	if err := m.svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func (m *Manager) Uninstall() error {
	status, _ := m.svc.Status()
	if status == service.StatusRunning {
		if err := m.svc.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("stop service")
		}
	}
	if err := m.svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

func (m *Manager) remove(status service.Status) {
	if status == service.StatusRunning {
		if err := m.svc.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("stop service")
		}
	}
	if err := m.svc.Uninstall(); err != nil {
		m.log.Warn().Err(err).Msg("uninstall service")
	}
}

// Control sends start, stop or restart to the service manager.
func (m *Manager) Control(action string) error {
	if err := service.Control(m.svc, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status queries the service manager.
func (m *Manager) Status() (service.Status, error) {
	return m.svc.Status()
}

// StatusString renders a service status for the CLI.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager until it stops the service.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges reports whether service management is permitted.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry the service manager's flag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, serviceFlag)
}
