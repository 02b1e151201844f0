package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMeterCmd(ctx *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meter",
		Short: "Audit the append-only accounting log",
	}

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the primary success count",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _, err := ctx.kernel()
			if err != nil {
				return err
			}
			n, err := k.Meter().CountPrimarySuccess()
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}

	duplicates := &cobra.Command{
		Use:   "duplicates",
		Short: "List (tenant, request_digest) pairs recorded more than once",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _, err := ctx.kernel()
			if err != nil {
				return err
			}
			dups, err := k.Meter().FindDuplicates()
			if err != nil {
				return err
			}
			return printJSON(dups)
		},
	}

	parity := &cobra.Command{
		Use:   "parity",
		Short: "Check the log against an expected primary success count",
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, _ := cmd.Flags().GetInt("expected")
			k, _, err := ctx.kernel()
			if err != nil {
				return err
			}
			diags, err := k.Meter().VerifyParity(expected)
			if err != nil {
				return err
			}
			if len(diags) == 0 {
				fmt.Println("parity ok")
				return nil
			}
			if err := printJSON(diags); err != nil {
				return err
			}
			return fmt.Errorf("%d parity findings", len(diags))
		},
	}
	parity.Flags().Int("expected", 0, "expected primary success count")

	cmd.AddCommand(count, duplicates, parity)
	return cmd
}
