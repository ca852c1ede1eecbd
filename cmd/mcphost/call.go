package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mcphost/internal/config"
	"mcphost/internal/infra/registry"
)

func newCallCommand(opts *cliOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <server> <tool> [json-arguments]",
		Short: "Invoke a tool and print its result",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, tool := args[0], args[1]
			var arguments json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("arguments are not valid JSON: %s", args[2])
				}
				arguments = json.RawMessage(args[2])
			}

			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return withRegistry(ctx, opts, func(ctx context.Context, reg *registry.Registry, cfg config.Config) error {
				handle, err := reg.Session(server)
				if err != nil {
					return err
				}

				inv, err := handle.Invoke(ctx, tool, arguments)
				if err != nil {
					return err
				}

				waitCtx := ctx
				if timeout > 0 {
					var waitCancel context.CancelFunc
					waitCtx, waitCancel = context.WithTimeout(ctx, timeout)
					defer waitCancel()
				} else if cfg.Runtime.CallTimeout > 0 {
					var waitCancel context.CancelFunc
					waitCtx, waitCancel = context.WithTimeout(ctx, sessionTimeout(cfg)+time.Second)
					defer waitCancel()
				}

				final, err := handle.Await(waitCtx, inv.ID)
				if err != nil {
					return err
				}
				return printInvocation(final, opts.jsonOutput)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override how long to wait for the result (e.g. 5s)")
	return cmd
}
