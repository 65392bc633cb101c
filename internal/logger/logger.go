// Package logger holds the process-wide zap logger used by the heaps.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvVar turns logging on from the environment: "debug", "info", "warn".
const EnvVar = "HEAPKIT_LOG"

// L is the global logger instance. It discards all output by default.
// Call Init() (or set HEAPKIT_LOG) to enable logging.
var L = fromEnv()

// Options configures the logger initialization.
type Options struct {
	Enabled     bool          // If false, all logging is discarded
	Level       zapcore.Level // Minimum level. Default: InfoLevel
	Development bool          // Human-readable console output instead of JSON
}

// Init replaces the global logger.
func Init(opts Options) error {
	if !opts.Enabled {
		L = zap.NewNop()
		return nil
	}
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(opts.Level)
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	L = l
	return nil
}

func fromEnv() *zap.Logger {
	v := strings.TrimSpace(os.Getenv(EnvVar))
	if v == "" {
		return zap.NewNop()
	}
	lvl, err := zapcore.ParseLevel(v)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Named returns a child of the global logger, or of base when non-nil.
func Named(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = L
	}
	return base.Named(name)
}
