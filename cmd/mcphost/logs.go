package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mcphost/internal/config"
	"mcphost/internal/domain"
	"mcphost/internal/infra/registry"
)

func newLogsCommand(opts *cliOptions) *cobra.Command {
	var withHost bool

	cmd := &cobra.Command{
		Use:   "logs [server]",
		Short: "Stream log entries from one or all servers until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return withRegistry(ctx, opts, func(ctx context.Context, reg *registry.Registry, _ config.Config) error {
				names := reg.Names()
				if len(args) == 1 {
					names = args[:1]
				}

				entries := make(chan domain.LogEntry, domain.DefaultLogBufferSize)
				var group errgroup.Group

				for _, name := range names {
					handle, err := reg.Session(name)
					if err != nil {
						return err
					}
					tail := handle.TailLogs(ctx)
					group.Go(func() error {
						for entry := range tail {
							select {
							case entries <- entry:
							case <-ctx.Done():
								return nil
							}
						}
						return nil
					})
				}

				if withHost && opts.broadcaster != nil {
					hostLogs := opts.broadcaster.Subscribe(ctx)
					group.Go(func() error {
						for entry := range hostLogs {
							select {
							case entries <- entry:
							case <-ctx.Done():
								return nil
							}
						}
						return nil
					})
				}

				go func() {
					_ = group.Wait()
					close(entries)
				}()

				for entry := range entries {
					printLogEntry(entry)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&withHost, "host", false, "interleave the host's own log stream")
	return cmd
}
