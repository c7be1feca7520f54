package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/sma/internal/agent"
	"github.com/jbweber/sma/internal/backend"
	"github.com/jbweber/sma/internal/config"
	"github.com/jbweber/sma/internal/logging"
	"github.com/jbweber/sma/internal/metrics"
	"github.com/jbweber/sma/internal/rpc"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	backendWaitTimeout = 60 * time.Second
	shutdownTimeout    = 5 * time.Second
)

type flags struct {
	configPath string
	overrides  config.Overrides
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "sma",
		Short: "Storage Management Agent",
		Long: `sma exposes a gRPC management API that creates storage devices, attaches
volumes to them and connects remote volumes, driving a storage backend
over its RPC socket.

Values given on the command line override the configuration file.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to the YAML configuration file")
	fs.StringVarP(&f.overrides.Address, "address", "a", "", "IP address to listen on (default localhost)")
	fs.IntVarP(&f.overrides.Port, "port", "p", 0, "Port to listen on (default 8080)")
	fs.StringVarP(&f.overrides.Socket, "socket", "s", "", "Path to the backend RPC socket (default /var/tmp/spdk.sock)")
	fs.StringVar(&f.overrides.PrivKey, "priv-key", "", "Path to the server private key (PEM)")
	fs.StringVar(&f.overrides.CertChain, "cert-chain", "", "Path to the server certificate chain (PEM)")
	fs.StringVar(&f.overrides.RootCert, "root-cert", "", "Path to the root certificate used to verify clients (PEM)")
	return cmd
}

func loadConfig(f flags, log *slog.Logger) (*config.AgentConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyOverrides(f.overrides, log)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, f flags) error {
	bootLog := logging.New(logging.Config{Level: logging.LevelFromEnv(config.DefaultLogLevel)})
	cfg, err := loadConfig(f, bootLog)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  logging.LevelFromEnv(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	client := backend.NewClient(cfg.Socket, cfg.BackendTimeout, log)
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("failed to close backend connection", "error", err)
		}
	}()
	api := backend.NewAPI(client)

	log.Info("waiting for backend", "socket", cfg.Socket)
	if err := backend.WaitForListen(ctx, api, backendWaitTimeout, time.Second, log); err != nil {
		return err
	}

	a := agent.New(log)
	managers, err := buildManagers(ctx, cfg.Devices, api, log)
	if err != nil {
		return err
	}
	for _, m := range managers {
		if err := a.Register(m); err != nil {
			return fmt.Errorf("failed to register device manager %s: %w", m.Name(), err)
		}
	}

	var obs rpc.Observer
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(log)
		if _, err := collector.Start(cfg.Metrics.Address, cfg.Metrics.Path); err != nil {
			return err
		}
		obs = collector
	}

	srv, err := rpc.NewServer(rpc.Config{Address: cfg.Address, Port: cfg.Port, TLS: cfg.TLS}, a, obs, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	addr, err := srv.Start()
	if err != nil {
		return err
	}
	log.Warn("storage management agent started", "address", addr, "devices", a.Types())

	<-ctx.Done()
	log.Warn("shutting down", "cause", context.Cause(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Stop(shutdownCtx, shutdownTimeout)
	if collector != nil {
		if err := collector.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn("failed to stop metrics server", "error", err)
		}
	}
	return nil
}
