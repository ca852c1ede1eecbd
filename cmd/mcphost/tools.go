package main

import (
	"context"

	"github.com/spf13/cobra"

	"mcphost/internal/config"
	"mcphost/internal/infra/registry"
)

func newToolsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools [server]",
		Short: "List the tools advertised by one or all servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return withRegistry(ctx, opts, func(ctx context.Context, reg *registry.Registry, _ config.Config) error {
				names := reg.Names()
				if len(args) == 1 {
					names = args[:1]
				}
				for _, name := range names {
					handle, err := reg.Session(name)
					if err != nil {
						return err
					}
					if err := printTools(name, handle.Tools(), opts.jsonOutput); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
