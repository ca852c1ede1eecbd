package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcphost/internal/config"
	"mcphost/internal/domain"
	"mcphost/internal/infra/registry"
	"mcphost/internal/infra/session"
	"mcphost/internal/infra/telemetry"
)

type cliOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool

	logger      *zap.Logger
	broadcaster *telemetry.LogBroadcaster
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{
		configPath: "mcphost.json",
		logLevel:   "warn",
		logger:     zap.NewNop(),
	}

	root := &cobra.Command{
		Use:           "mcphost",
		Short:         "Host for MCP servers: lifecycle, tool discovery, invocation, logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogging(opts)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to the mcpServers config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "host log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "emit machine-readable JSON")

	root.AddCommand(
		newServersCommand(opts),
		newToolsCommand(opts),
		newCallCommand(opts),
		newLogsCommand(opts),
		newServeCommand(opts),
	)
	return root
}

// setupLogging builds the host logger: console output on stderr plus a
// broadcaster tee so the logs command can stream host-side entries.
func setupLogging(opts *cliOptions) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", opts.logLevel)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stderr"}
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	broadcaster := telemetry.NewLogBroadcaster(zapcore.DebugLevel)
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, broadcaster.Core())
	}))

	opts.logger = logger
	opts.broadcaster = broadcaster
	return nil
}

// withRegistry loads the configuration, starts every configured
// session, runs fn, and tears the registry down afterwards.
func withRegistry(ctx context.Context, opts *cliOptions, fn func(ctx context.Context, reg *registry.Registry, cfg config.Config) error) error {
	cfg, err := config.NewLoader(opts.logger).Load(ctx, opts.configPath)
	if err != nil {
		return err
	}

	metrics := setupMetrics(ctx, opts, cfg)
	reg := newRegistry(opts, metrics, cfg)
	if err := reg.Start(ctx, cfg.Servers); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout+time.Second)
		defer cancel()
		if err := reg.Stop(stopCtx); err != nil {
			opts.logger.Warn("shutdown finished with errors", zap.Error(err))
		}
	}()

	return fn(ctx, reg, cfg)
}

// setupMetrics builds the Prometheus-backed metrics sink and, when the
// config names a listen address, serves /metrics until ctx ends.
func setupMetrics(ctx context.Context, opts *cliOptions, cfg config.Config) domain.Metrics {
	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(promRegistry)
	if addr := cfg.Runtime.MetricsListenAddress; addr != "" {
		go func() {
			if err := telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
				Addr:     addr,
				Registry: promRegistry,
			}, opts.logger); err != nil {
				opts.logger.Warn("observability server error", zap.Error(err))
			}
		}()
	}
	return metrics
}

func newRegistry(opts *cliOptions, metrics domain.Metrics, cfg config.Config) *registry.Registry {
	return registry.New(registry.Options{
		Logger:  opts.logger,
		Metrics: metrics,
		Session: session.Options{
			Logger:          opts.logger,
			Metrics:         metrics,
			CallTimeout:     cfg.Runtime.CallTimeout,
			InitTimeout:     cfg.Runtime.InitTimeout,
			ShutdownTimeout: cfg.Runtime.ShutdownTimeout,
			MaxFrameBytes:   cfg.Runtime.MaxFrameBytes,
			LogBufferSize:   cfg.Runtime.LogBufferSize,
			CompletedLimit:  cfg.Runtime.CompletedLimit,
		},
	})
}

func sessionTimeout(cfg config.Config) time.Duration {
	if cfg.Runtime.CallTimeout > 0 {
		return cfg.Runtime.CallTimeout
	}
	return domain.DefaultCallTimeout
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
