package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/hasher"
	"github.com/Hardonian/Requiem/internal/kernel"
	"github.com/Hardonian/Requiem/internal/replay"
)

// Known hash vectors. A backend that disagrees here must never execute
// anything.
var hashVectors = []struct {
	input string
	want  string
}{
	{"", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
	{"hello", "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"},
}

func newSelftestCmd(ctx *cliContext) *cobra.Command {
	var trials int

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Verify the hash backend and end-to-end execution determinism",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, v := range hashVectors {
				got := hasher.HashBytes([]byte(v.input))
				if got != v.want {
					return fmt.Errorf("hash vector %q: got %s, want %s", v.input, got, v.want)
				}
				fmt.Printf("vector %-8q ok\n", v.input)
			}

			k, log, err := ctx.kernel()
			if err != nil {
				return err
			}
			defer log.Sync()

			root, err := os.MkdirTemp("", "requiem-selftest-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(root)

			req := &core.ExecutionRequest{
				RequestID:     "selftest",
				TenantID:      "selftest",
				WorkspaceRoot: root,
				Command:       "/bin/sh",
				Argv:          []string{"/bin/sh", "-c", "echo deterministic_output"},
				Policy:        core.Policy{Mode: core.PolicyModePermissive, Deterministic: true},
				TimeoutMS:     30000,
			}

			digest, err := replay.VerifyDeterminism(trials, func() (string, error) {
				res := k.ExecuteOpts(req, kernel.Options{Shadow: true})
				if !res.OK {
					return "", fmt.Errorf("selftest execution failed: %s", res.ErrorCode)
				}
				return res.ResultDigest, nil
			}, &trialPrinter{})
			if err != nil {
				return err
			}

			fmt.Printf("determinism ok across %d trials: %s\n", trials, digest)
			return nil
		},
	}
	cmd.Flags().IntVar(&trials, "trials", 5, "number of identical executions to compare")
	return cmd
}

type trialPrinter struct{}

func (*trialPrinter) ReportTrial(n int, digest string) {
	fmt.Printf("trial %d: %s\n", n+1, digest)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hash backend runtime info",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(hasher.Info())
		},
	}
}
