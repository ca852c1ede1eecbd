package main

import (
	"context"

	"github.com/spf13/cobra"

	"mcphost/internal/config"
	"mcphost/internal/infra/registry"
)

func newServersCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Start every configured server and report session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return withRegistry(ctx, opts, func(_ context.Context, reg *registry.Registry, _ config.Config) error {
				return printRegistryStatus(reg.Status(), opts.jsonOutput)
			})
		},
	}
}
