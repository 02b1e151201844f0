package main

import (
	"github.com/spf13/cobra"

	"github.com/Hardonian/Requiem/internal/canonical"
	"github.com/Hardonian/Requiem/internal/kernel"
)

func newExecCmd(ctx *cliContext) *cobra.Command {
	var shadow bool

	cmd := &cobra.Command{
		Use:   "exec <request.json>",
		Short: "Execute a request and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			req, err := canonical.DecodeRequest(data)
			if err != nil {
				return err
			}

			k, log, err := ctx.kernel()
			if err != nil {
				return err
			}
			defer log.Sync()

			res := k.ExecuteOpts(req, kernel.Options{Shadow: shadow})
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&shadow, "shadow", false, "run for observation only; nothing is metered")
	return cmd
}
