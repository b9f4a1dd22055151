// moblink-relay forwards a streamer's UDP traffic over this machine's
// cellular uplink.
package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/moblink/moblink-relay/internal/config"
	"github.com/moblink/moblink-relay/internal/discovery"
	"github.com/moblink/moblink-relay/internal/logging/loki"
	"github.com/moblink/moblink-relay/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool

	// consoleOut is the human-readable log sink set up by setupLogging.
	consoleOut io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moblink-relay",
		Short: "Moblink relay - bond a phone's cellular uplink into a live stream",
		Long: `moblink-relay lends this machine's cellular connection to a Moblink
streamer. The streamer opens a UDP tunnel through the relay and sends part
of its stream over the relay's uplink.

QUICK START:

  # Write a default configuration (random name, password 1234):
  moblink-relay init

  # Run the relay in the foreground:
  moblink-relay run

  # Show the URLs a streamer can connect to in server mode:
  moblink-relay urls --qr

For more help on any command, use: moblink-relay <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default "+svc.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newReloadCmd())
	rootCmd.AddCommand(newURLsCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newRunCmd() *cobra.Command {
	var stopped bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay in the foreground",
		Long: `Run the relay until interrupted. The configuration file is created
with defaults if it does not exist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := config.LoadOrCreate(configPath())
			if err != nil {
				return err
			}
			// --log-level wins over the file.
			if !cmd.Flags().Changed("log-level") && config.ApplyLogLevel(cfg.LogLevel) {
				log.Info().Str("level", cfg.LogLevel).Msg("log level configured")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runRelay(ctx, cfg, configPath(), stopped)
		},
	}
	cmd.Flags().BoolVar(&stopped, "stopped", false, "wait for a start command before connecting")
	return cmd
}

func runRelay(ctx context.Context, cfg *config.Config, path string, stopped bool) error {
	var shipper *loki.Writer
	if cfg.Loki.URL != "" {
		shipper = newLokiWriter(cfg)
		defer shipper.Flush()

		log.Logger = log.Output(zerolog.MultiLevelWriter(consoleOut, shipper))
		log.Info().Str("url", cfg.Loki.URL).Msg("loki log shipping enabled")
	}
	routeStdLog()

	d, err := newDaemon(cfg, log.Logger)
	if err != nil {
		return err
	}
	d.startStopped = stopped
	d.configPath = path
	d.shipper = shipper
	err = d.Run(ctx)
	log.Info().Msg("relay stopped")
	return err
}

func newLokiWriter(cfg *config.Config) *loki.Writer {
	labels := map[string]string{
		"relay_id": cfg.Relay.ID,
		"relay":    cfg.Relay.Name,
		"version":  Version,
	}
	for k, v := range cfg.Loki.Labels {
		labels[k] = v
	}
	return loki.NewWriter(loki.Config{URL: cfg.Loki.URL, Labels: labels})
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default()
			if err := cfg.Save(path); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintf(out, "  Relay ID:   %s\n", cfg.Relay.ID)
			fmt.Fprintf(out, "  Relay name: %s\n", cfg.Relay.Name)
			fmt.Fprintf(out, "  Password:   %s\n", cfg.Password)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "moblink-relay %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return svc.DefaultConfigPath()
}

// loadConfig loads the config file without creating it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// runAsService runs the relay under the service manager.
func runAsService() {
	setupServiceLogging()

	var path string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			path = os.Args[i+1]
		}
	}
	if path == "" {
		path = svc.DefaultConfigPath()
	}

	log.Info().
		Str("version", Version).
		Str("config", path).
		Msg("starting as service")

	cfg := svc.DefaultServiceConfig()
	cfg.ConfigPath = path

	prg := &svc.Program{
		ConfigPath: path,
		Run:        runFromService,
		Logger:     log.Logger,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func runFromService(ctx context.Context, path string) error {
	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if config.ApplyLogLevel(cfg.LogLevel) {
		log.Info().Str("level", cfg.LogLevel).Msg("log level configured")
	}
	return runRelay(ctx, cfg, path, false)
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	consoleOut = zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(consoleOut)
	routeStdLog()
}

// setupServiceLogging writes to a log file as well as stderr, since
// launchd does not always capture stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	defer routeStdLog()

	logFile, err := os.OpenFile("/var/log/moblink-relay-service.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		consoleOut = zerolog.ConsoleWriter{Out: os.Stderr}
		log.Logger = log.Output(consoleOut)
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	consoleOut = zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339}
	log.Logger = log.Output(consoleOut)
}

// routeStdLog sends the standard logger, which the mDNS library writes
// to, through log.Logger.
func routeStdLog() {
	stdlog.SetFlags(0)
	stdlog.SetOutput(discovery.LogWriter(log.Logger))
}
