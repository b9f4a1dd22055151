package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/moblink/moblink-relay/internal/config"
	"github.com/moblink/moblink-relay/internal/control"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running relay's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient()
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("relay not reachable (is it running?): %w", err)
			}
			printStatus(cmd.OutOrStdout(), status, time.Now())
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start relaying in the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient()
			if err := client.Start(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Relay started.")
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop relaying in the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient()
			if err := client.Stop(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Relay stopped.")
			return nil
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make the running daemon re-read its config file",
		Long: `Apply changes to identity, password, streamers, interfaces and log
level without restarting. Mode, listen addresses and the control socket
need a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := controlClient().Reload(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Config reloaded.")
			return nil
		},
	}
}

// controlClient connects to the socket named in the config file, or the
// default socket when there is no config file.
func controlClient() *control.Client {
	path := config.DefaultControlSocket
	if cfg, err := loadConfig(); err == nil {
		path = cfg.ControlSocket
	}
	return control.NewClient(path)
}

func printStatus(w io.Writer, status *control.StatusResponse, now time.Time) {
	fmt.Fprintf(w, "Relay: %s\n", status.Status)
	if len(status.Sessions) == 0 {
		return
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tSTATUS\tSINCE")
	for _, s := range status.Sessions {
		since := "-"
		if !s.Since.IsZero() {
			since = now.Sub(s.Since).Truncate(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Key, s.State, s.Status, since)
	}
	_ = tw.Flush()
}
