// Command requiemctl is the operator CLI for the Requiem kernel: run
// requests, replay recorded results, inspect the CAS, and audit the meter
// log. It is a thin layer; every operation calls straight into the internal
// packages.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/config"
	"github.com/Hardonian/Requiem/internal/kernel"
	"github.com/Hardonian/Requiem/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliContext struct {
	configPath string
}

func (c *cliContext) kernel() (*kernel.Kernel, *zap.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	k, err := kernel.New(cfg, log, nil)
	if err != nil {
		return nil, nil, err
	}
	return k, log, nil
}

func newRootCmd() *cobra.Command {
	ctx := &cliContext{}

	cmd := &cobra.Command{
		Use:           "requiemctl",
		Short:         "Operate the Requiem deterministic execution kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&ctx.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newExecCmd(ctx),
		newReplayCmd(ctx),
		newCASCmd(ctx),
		newMeterCmd(ctx),
		newSelftestCmd(ctx),
		newVersionCmd(),
	)
	return cmd
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file argument, with "-" meaning stdin.
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
