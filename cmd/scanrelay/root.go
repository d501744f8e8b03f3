package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanrelay/agent/internal/agent"
	"github.com/scanrelay/agent/internal/config"
	"github.com/scanrelay/agent/internal/delivery"
	"github.com/scanrelay/agent/internal/logging"
	"github.com/scanrelay/agent/internal/rest"
	"github.com/scanrelay/agent/internal/route"
	"github.com/scanrelay/agent/internal/watcher"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "scanrelay",
		Short: "Upload finished files from watched folders to chat channels",
		Long: `scanrelay watches a directory tree and, whenever a file inside a mapped
subdirectory is written and closed, uploads it to the destination mapped to
that subdirectory (a Slack channel, a Discord webhook, or a signed HTTP
webhook).

Configuration comes from an optional YAML file, overridden by WATCH_DIR,
DIR_MAPPING, SLACK_OAUTH_TOKEN, DISCORD_WEBHOOK_URL, WEBHOOK_URL and
WEBHOOK_SECRET.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML configuration file (environment only when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override log_level: debug, info, warn or error")

	cmd.AddCommand(newValidateCmd(opts), newVersionCmd())
	return cmd
}

// loadConfig loads, overrides and canonicalizes the configuration.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath, config.WithLogLevel(opts.logLevel))
	if err != nil {
		return nil, err
	}
	if _, err := cfg.Canonicalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAgent(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.LogLevel, os.Stderr, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", opts.configPath),
		slog.String("watch_dir", cfg.WatchDir),
		slog.String("destination_kind", cfg.Destination.Kind),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
	)

	destinations, err := route.NewDestinationMap(cfg.Mappings, cfg.AllowNested)
	if err != nil {
		return err
	}
	resolver, err := route.NewResolver(cfg.WatchDir)
	if err != nil {
		return err
	}

	w, err := watcher.NewWatcher(watcher.Config{
		Root:        cfg.WatchDir,
		Backend:     cfg.Watcher.Backend,
		BufferSize:  cfg.Watcher.BufferSize,
		SettleDelay: cfg.Watcher.SettleDelay,
	}, logger)
	if err != nil {
		return err
	}

	d, err := delivery.New(cfg.Destination,
		delivery.WithHTTPClient(&http.Client{Timeout: cfg.Delivery.Timeout}),
		delivery.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	d = delivery.NewLimited(d, cfg.Delivery.RatePerSecond, cfg.Delivery.Burst)

	metrics := agent.NewMetrics()
	disp := agent.New(w, destinations, resolver, d, logger,
		agent.WithDeliveryTimeout(cfg.Delivery.Timeout),
		agent.WithMaxInFlight(cfg.Delivery.MaxInFlight),
		agent.WithMetrics(metrics),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := disp.Start(ctx); err != nil {
		return err
	}

	healthServer := rest.NewServer(cfg.HealthAddr, rest.NewRouter(disp.HealthzHandler, metrics.Handler()))
	go func() {
		logger.Info("health server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", slog.Any("error", err))
		}
	}()

	// Block until a signal arrives or the dispatcher can no longer watch.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-disp.Fatal():
		logger.Error("dispatcher failed", slog.Any("error", err))
		runErr = fmt.Errorf("watch failed: %w", err)
	case <-ctx.Done():
	}

	// Stop the dispatcher first so in-flight deliveries finish or cancel,
	// then the HTTP server.
	disp.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", slog.Any("error", err))
	}

	if runErr == nil {
		logger.Info("scanrelay exited cleanly")
	}
	return runErr
}
