// Package logging builds the logr.Logger used across flowstate, backed by zap.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a zap-backed logr.Logger.
//
// level is a zap level name ("debug", "info", "warn", "error") or a
// numeric logr verbosity ("1", "2"...), which maps to zap level -V so
// that logger.V(2).Info is enabled by level "2".
// development switches to the human-readable console encoder.
func New(level string, development bool) (logr.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), fmt.Errorf("build zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("invalid log verbosity %d", v)
		}
		return zapcore.Level(-v), nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}
