package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"

	"github.com/philsphicas/anylink/internal/config"
	"github.com/philsphicas/anylink/internal/metrics"
	"github.com/philsphicas/anylink/internal/transport"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "anylink",
		Short:        "Reach remote services over HTTP, WebSocket or WebRTC",
		Long:         "Discover the services a remote exposes, call its routes, and watch the messages it pushes.",
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("config", "", "YAML file describing endpoints, links and credentials (env ANYLINK_CONFIG)")
	cmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	cmd.PersistentFlags().Int("metrics-max-targets", 500, "max unique target labels in metrics (0 = unlimited)")

	cmd.AddCommand(checkCmd())
	cmd.AddCommand(sendCmd())
	cmd.AddCommand(watchCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// addEndpointFlags adds the flags that describe an ad-hoc endpoint.
func addEndpointFlags(cmd *cobra.Command) {
	cmd.Flags().String("type", "", "endpoint type: server, webrtc, or any peer type (default server)")
	cmd.Flags().String("protocol", "", "subscription carrier: websocket or webrtc (default the endpoint type)")
	cmd.Flags().String("id", "", "credential id to act as (env ANYLINK_ID)")
	cmd.Flags().String("link", "", "endpoint name or server URL that carries this endpoint's traffic")
	cmd.Flags().Duration("dial-timeout", 0, "total retry budget for each carrier dial (0 = single attempt)")
	cmd.Flags().StringSlice("ice", nil, "STUN/TURN server URLs for webrtc endpoints")
	cmd.Flags().Bool("entra", false, "authenticate with Entra ID (DefaultAzureCredential)")
	cmd.Flags().String("entra-scope", "", "token scope for --entra (default "+transport.DefaultEntraScope+")")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveConfig loads --config or ANYLINK_CONFIG. It returns an empty
// Config when neither is set.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("ANYLINK_CONFIG")
	}
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr, ANYLINK_METRICS_ADDR or the config file sets an address.
// Returns nil if metrics are disabled. The provided context controls the
// server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("ANYLINK_METRICS_ADDR")
	}
	if addr == "" && cfg != nil {
		addr = cfg.MetricsAddr
	}
	if addr == "" {
		return nil, nil
	}
	maxTargets, _ := cmd.Flags().GetInt("metrics-max-targets")
	if maxTargets < 0 {
		return nil, fmt.Errorf("--metrics-max-targets must be >= 0, got %d", maxTargets)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxTargets = maxTargets
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// resolveAuth picks the token provider.
//
// Resolution order:
//  1. ANYLINK_KEY_NAME + ANYLINK_KEY → SAS auth
//  2. --entra → Entra ID auth (DefaultAzureCredential)
//  3. Otherwise no Authorization header is sent.
func resolveAuth(cmd *cobra.Command) (transport.TokenProvider, error) {
	keyName := os.Getenv("ANYLINK_KEY_NAME")
	key := os.Getenv("ANYLINK_KEY")
	if keyName != "" && key != "" {
		return &transport.SASTokenProvider{KeyName: keyName, Key: key}, nil
	}

	if entra, _ := cmd.Flags().GetBool("entra"); entra {
		scope, _ := cmd.Flags().GetString("entra-scope")
		tp, err := transport.NewEntraTokenProvider(scope)
		if err != nil {
			return nil, fmt.Errorf("entra auth: %w", err)
		}
		return tp, nil
	}
	return nil, nil
}
