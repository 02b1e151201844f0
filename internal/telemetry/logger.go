// Package telemetry provides the kernel's logging and metrics plumbing.
// Loggers and metric sets are built by constructors and threaded through
// component constructors explicitly; nothing in this package registers
// process-wide state.
package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production JSON logger at the given level. Levels follow
// zap's names: debug, info, warn, error.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NewNopLogger returns a logger that discards everything. Components accept a
// *zap.Logger and tests pass this.
func NewNopLogger() *zap.Logger { return zap.NewNop() }
