package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/logging/loki"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/storage"
	"github.com/filemesh/filemesh/internal/tracing"
	"github.com/filemesh/filemesh/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var enableTracing bool

func newTrackerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Run a tracker server",
		Long: `Run a tracker. Storage nodes join it and report their state; clients
ask it where to upload and fetch files.

Example:
  filemesh tracker -c /etc/filemesh/tracker.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalled(serveTracker)
		},
	}
	cmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "record a runtime trace (served on /debug/trace)")
	return cmd
}

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Run a storage node",
		Long: `Run a storage node. The node joins every configured tracker, serves
file requests and replicates its writes to the rest of its group.

Example:
  filemesh storage -c /etc/filemesh/storage.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalled(serveStorage)
		},
	}
	cmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "record a runtime trace (served on /debug/trace)")
	return cmd
}

// runSignalled runs serve with the --config path until SIGINT or SIGTERM.
func runSignalled(serve func(ctx context.Context, configPath string) error) error {
	if cfgFile == "" {
		return errors.New("a config file is required (--config)")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfgFile)
}

func serveTracker(ctx context.Context, configPath string) error {
	cfg, err := config.LoadTrackerConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	defer shipLogs(cfg.Loki, map[string]string{"role": "tracker", "instance": cfg.Listen})()

	srv, err := tracker.Open(cfg, log.Logger, tracker.InitMetrics(metrics.Registry))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := serveMetrics(ctx, g, cfg.MetricsListen); err != nil {
		return err
	}
	g.Go(func() error { return srv.Serve(ctx) })

	log.Info().Str("version", Version).Str("listen", cfg.Listen).Msg("tracker running")
	return g.Wait()
}

func serveStorage(ctx context.Context, configPath string) error {
	cfg, err := config.LoadStorageConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	defer shipLogs(cfg.Loki, map[string]string{
		"role":     "storage",
		"group":    cfg.GroupName,
		"instance": cfg.ListenAddr(),
	})()

	node, err := storage.NewNode(cfg, storage.NodeOptions{
		Logger:             log.Logger,
		Metrics:            storage.InitMetrics(metrics.Registry),
		ReplicationMetrics: replication.InitMetrics(metrics.Registry),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := serveMetrics(ctx, g, cfg.MetricsListen); err != nil {
		return err
	}
	g.Go(func() error { return node.Run(ctx) })

	log.Info().Str("version", Version).Str("group", cfg.GroupName).Str("listen", cfg.ListenAddr()).
		Msg("storage node running")
	return g.Wait()
}

// serveMetrics starts the metrics endpoint on g when addr is set, along
// with the trace recorder if tracing was requested.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) error {
	if addr == "" {
		if enableTracing {
			log.Warn().Msg("--enable-tracing needs metrics_listen, tracing disabled")
		}
		return nil
	}
	var extra map[string]http.Handler
	if enableTracing {
		rec, err := tracing.Start(30*time.Second, tracing.DefaultMaxBytes)
		if err != nil {
			return err
		}
		extra = map[string]http.Handler{"/debug/trace": rec}
		g.Go(func() error {
			<-ctx.Done()
			rec.Stop()
			return nil
		})
		log.Info().Str("addr", addr).Msg("runtime tracing enabled at /debug/trace")
	}
	g.Go(func() error { return metrics.Serve(ctx, addr, extra) })
	return nil
}

// shipLogs tees the global logger to Loki when configured. The returned
// func restores the console logger and pushes what is left.
func shipLogs(cfg config.LokiConfig, labels map[string]string) func() {
	if cfg.URL == "" {
		return func() {}
	}
	w := loki.New(loki.Config{
		URL:           cfg.URL,
		Labels:        labels,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	})
	console := log.Logger
	log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, w))
	log.Info().Str("url", cfg.URL).Msg("loki log shipping enabled")

	return func() {
		log.Logger = console
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Uint64("failed_pushes", w.Failures()).Msg("final loki push failed")
		}
	}
}
