package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Hardonian/Requiem/internal/canonical"
	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/replay"
)

func newReplayCmd(ctx *cliContext) *cobra.Command {
	var (
		resultPath string
		withCAS    bool
	)

	cmd := &cobra.Command{
		Use:   "replay <request.json>",
		Short: "Re-execute a recorded request and compare result digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqData, err := readInput(args[0])
			if err != nil {
				return err
			}
			req, err := canonical.DecodeRequest(reqData)
			if err != nil {
				return err
			}

			resData, err := readInput(resultPath)
			if err != nil {
				return err
			}
			var prior core.ExecutionResult
			if err := json.Unmarshal(resData, &prior); err != nil {
				return fmt.Errorf("parse recorded result: %w", err)
			}

			k, log, err := ctx.kernel()
			if err != nil {
				return err
			}
			defer log.Sync()

			v := replay.NewVerifier(k, log)
			if withCAS {
				store, err := k.Store(req.TenantID)
				if err != nil {
					return err
				}
				if err := v.ValidateWithCAS(req, &prior, store); err != nil {
					return err
				}
				fmt.Println("verified (evidence intact)")
				return nil
			}

			report := v.Validate(req, &prior)
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Outcome != replay.OutcomeVerified {
				return fmt.Errorf("replay %s", report.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&resultPath, "result", "", "path to the recorded ExecutionResult JSON (required)")
	cmd.Flags().BoolVar(&withCAS, "with-cas", false, "also verify the recorded evidence objects in the CAS")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}
