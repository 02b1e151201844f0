// Command requiemd serves framed kernel sessions. With no flags it speaks
// one NDJSON session over stdio; with --listen it accepts unix-socket
// connections, one session each. All behavior lives in internal packages;
// this binary is wiring.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/config"
	"github.com/Hardonian/Requiem/internal/kernel"
	"github.com/Hardonian/Requiem/internal/protocol"
	"github.com/Hardonian/Requiem/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listenPath string
	)

	cmd := &cobra.Command{
		Use:           "requiemd",
		Short:         "Requiem deterministic execution kernel daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := telemetry.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			k, err := kernel.New(cfg, log, nil)
			if err != nil {
				return err
			}

			if listenPath != "" {
				return serveSocket(k, listenPath, log)
			}
			return protocol.Serve(k, os.Stdin, os.Stdout, log)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenPath, "listen", "", "unix socket path; omit to serve one session over stdio")
	return cmd
}

func serveSocket(k *kernel.Kernel, path string, log *zap.Logger) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	defer ln.Close()
	log.Info("listening", zap.String("socket", path))

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func(conn net.Conn) {
			defer conn.Close()
			if err := protocol.Serve(k, conn, conn, log); err != nil {
				log.Warn("session transport failure", zap.Error(err))
			}
		}(conn)
	}
}
