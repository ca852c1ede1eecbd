package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcphost/internal/config"
	"mcphost/internal/infra/registry"
)

func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep every configured session running, reloading on config changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()
			return runServe(ctx, opts)
		},
	}
}

// runServe holds all sessions open until interrupted. A config-file
// change replaces the whole server set: the running registry is
// drained and a fresh one starts from the new configuration.
func runServe(ctx context.Context, opts *cliOptions) error {
	provider, err := config.NewProvider(ctx, opts.configPath, opts.logger)
	if err != nil {
		return err
	}
	cfg := provider.Snapshot()

	metrics := setupMetrics(ctx, opts, cfg)
	reg := newRegistry(opts, metrics, cfg)
	if err := reg.Start(ctx, cfg.Servers); err != nil {
		return err
	}

	updates := provider.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return stopRegistry(reg, cfg, opts.logger)
		case next := <-updates:
			opts.logger.Info("configuration changed, replacing server set",
				zap.Int("servers", len(next.Servers)),
			)
			if err := stopRegistry(reg, cfg, opts.logger); err != nil {
				opts.logger.Warn("previous server set stopped with errors", zap.Error(err))
			}
			cfg = next
			reg = newRegistry(opts, metrics, cfg)
			if err := reg.Start(ctx, cfg.Servers); err != nil {
				return err
			}
		}
	}
}

func stopRegistry(reg *registry.Registry, cfg config.Config, logger *zap.Logger) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout+time.Second)
	defer cancel()
	err := reg.Stop(stopCtx)
	if err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	return err
}
