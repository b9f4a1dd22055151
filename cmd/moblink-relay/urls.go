package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/moblink/moblink-relay/internal/config"
	"github.com/moblink/moblink-relay/internal/discovery"
)

func newURLsCmd() *cobra.Command {
	var showQR bool
	cmd := &cobra.Command{
		Use:   "urls",
		Short: "List the URLs streamers can use to reach this relay",
		Long: `List ws:// URLs for every address of this machine, using the server
listen port. Enter one of them in the streamer when the relay runs in
server mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := listenPort(config.DefaultListen)
			if err != nil {
				return err
			}
			if cfg, err := loadConfig(); err == nil {
				if port, err = listenPort(cfg.Server.Listen); err != nil {
					return err
				}
			}

			urls := relayURLs(interfaceAddrs(), port)
			if len(urls) == 0 {
				return fmt.Errorf("no usable network addresses")
			}
			return printURLs(cmd.OutOrStdout(), urls, showQR)
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "print a QR code for each URL")
	return cmd
}

// interfaceAddrs returns the unicast addresses of every interface that
// is up, loopback excluded.
func interfaceAddrs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips
}

// relayURLs formats one URL per usable address, IPv4 first. Loopback,
// multicast and unspecified addresses are skipped.
func relayURLs(ips []net.IP, port int) []string {
	usable := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if ip == nil || ip.IsLoopback() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		usable = append(usable, ip)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].To4() != nil && usable[j].To4() == nil
	})

	urls := make([]string, 0, len(usable))
	for _, ip := range usable {
		urls = append(urls, discovery.WebSocketURL(ip, port))
	}
	return urls
}

func printURLs(w io.Writer, urls []string, showQR bool) error {
	for _, u := range urls {
		fmt.Fprintln(w, u)
		if !showQR {
			continue
		}
		qr, err := qrcode.New(u, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("encode %s: %w", u, err)
		}
		fmt.Fprintln(w, qr.ToSmallString(false))
	}
	return nil
}

func newScanCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Browse the local network for streamers",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			browser := discovery.NewBrowser(discovery.BrowserConfig{
				Interval: time.Second,
				Logger:   log.Logger,
			})
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := browser.Run(ctx); err != nil {
				return err
			}

			services := browser.Services()
			out := cmd.OutOrStdout()
			if len(services) == 0 {
				fmt.Fprintln(out, "No streamers found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tURL")
			for _, s := range services {
				fmt.Fprintf(tw, "%s\t%s\n", s.Instance, s.URL())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "how long to browse")
	return cmd
}
