package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/moblink/moblink-relay/internal/config"
	"github.com/moblink/moblink-relay/internal/svc"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the relay system service",
		Long: `Install, control, and manage moblink-relay as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo moblink-relay service install --config /etc/moblink-relay/relay.yaml
  sudo moblink-relay service start
  sudo moblink-relay service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the relay as a system service",
		Long: `Install the relay as a system service that starts automatically at boot.
A default configuration is written if the config file does not exist.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "Path to configuration file")
	installCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name (default: moblink-relay)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the relay system service",
		RunE:  runServiceUninstall,
	}
	uninstallCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(uninstallCmd)

	for _, action := range []string{"start", "stop", "restart"} {
		actionCmd := &cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the relay service", capitalize(action)),
			RunE:  serviceAction(action),
		}
		actionCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
		serviceCmd.AddCommand(actionCmd)
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay service status",
		RunE:  runServiceStatus,
	}
	statusCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View relay service logs",
		Long: `View logs from the relay service.

Log locations by platform:
  - Linux:   journalctl -u moblink-relay
  - macOS:   /var/log/moblink-relay.{out,err}.log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func getServiceConfig() *svc.ServiceConfig {
	cfg := svc.DefaultServiceConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if serviceConfigPath != "" {
		cfg.ConfigPath = serviceConfigPath
	} else if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()

	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		if err := config.Default().Save(cfg.ConfigPath); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		log.Info().Str("config", cfg.ConfigPath).Msg("wrote default config")
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	mgr, err := svc.NewManager(cfg, log.Logger)
	if err != nil {
		return err
	}
	if err := mgr.Install(forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	fmt.Fprintf(out, "\nTo start the service:\n")
	fmt.Fprintf(out, "  moblink-relay service start --name %s\n", cfg.Name)
	fmt.Fprintf(out, "\nTo view logs:\n")
	fmt.Fprintf(out, "  moblink-relay service logs --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")

	mgr, err := svc.NewManager(cfg, log.Logger)
	if err != nil {
		return err
	}
	if err := mgr.Uninstall(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func serviceAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging()

		if err := svc.CheckPrivileges(); err != nil {
			return err
		}

		cfg := getServiceConfig()
		log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")

		mgr, err := svc.NewManager(cfg, log.Logger)
		if err != nil {
			return err
		}
		if err := mgr.Control(action); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	mgr, err := svc.NewManager(cfg, log.Logger)
	if err != nil {
		return err
	}
	status, err := mgr.Status()
	if err != nil {
		// Service might not be installed
		fmt.Fprintf(out, "Service: %s\n", cfg.Name)
		fmt.Fprintf(out, "Status:  not installed or unknown\n")
		fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	if status == service.StatusRunning {
		fmt.Fprintf(out, "\nUse 'moblink-relay status' for session details.\n")
	}
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()

	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
