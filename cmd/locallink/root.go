package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Meadarsh/LocalLink/internal/client"
)

const defaultLocalPort = 3000

func rootCmd() *cobra.Command {
	var (
		port       int
		proxyURL   string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "locallink [port]",
		Short: "Expose a local HTTP service through your edge server",
		Long: `locallink connects to your self-hosted edge server and forwards
inbound HTTP requests to a service running on localhost.

Run "locallink init <edge-url>" once, then "locallink [port]" to go live.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 || n > 65535 {
					return fmt.Errorf("invalid port %q", args[0])
				}
				port = n
			}
			return runTunnel(port, proxyURL, maxRetries)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", defaultLocalPort, "local port to forward requests to")
	cmd.Flags().StringVar(&proxyURL, "proxy", "", "route the tunnel through a proxy (socks5://, http://)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "give up after this many failed connection attempts (0 = retry forever)")

	cmd.AddCommand(initCmd(), statusCmd())
	return cmd
}

func runTunnel(port int, proxyURL string, maxRetries int) error {
	cfg, err := client.Load()
	if err != nil {
		slog.Error("not configured; run: locallink init <edge-url>")
		return err
	}

	var dialer *client.ProxyDialer
	if proxyURL != "" {
		dialer, err = client.NewProxyDialer(proxyURL, 30*time.Second)
		if err != nil {
			slog.Error("invalid proxy", "err", err)
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := client.NewReconnector(cfg, port, dialer, maxRetries)
	if err := r.Run(ctx); err != nil {
		slog.Error("tunnel stopped", "err", err)
		return err
	}
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <edge-url>",
		Short: "Point the client at your edge server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.Init(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				return err
			}
			fmt.Println("configured edge:", cfg.Domain)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current tunnel state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.Load()
			if err != nil {
				fmt.Println("not configured; run: locallink init <edge-url>")
				return nil
			}
			fmt.Println("edge:", cfg.Domain)

			st, err := client.LoadStatus()
			if err != nil {
				return err
			}
			if st == nil || !st.Connected {
				fmt.Println("tunnel: disconnected")
				return nil
			}
			fmt.Println("tunnel: connected")
			fmt.Println("local port:", st.Port)
			fmt.Println("connected for:", time.Since(st.ConnectedAt).Round(time.Second))
			return nil
		},
	}
}
