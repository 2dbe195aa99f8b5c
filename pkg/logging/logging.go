// Package logging builds the structured JSON loggers used by every service
// and by the request-control library.
//
// Log Format:
//
//	{"level":"info","ts":"2026-01-15T10:30:00.123Z","logger":"requestctl","msg":"breaker tripped","target":"/equipment","count":11}
//
// Levels are configured with RIGUP_LOG_LEVEL (debug, info, warn, error).
package logging

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel is the environment variable holding the log level.
const EnvLevel = "RIGUP_LOG_LEVEL"

// New returns a production JSON logger at the given level.
// An empty level means info.
func New(level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil

	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build zap logger")
	}
	return logger, nil
}

// FromEnv returns a logger configured from RIGUP_LOG_LEVEL. An invalid
// level falls back to info and the problem is logged once.
func FromEnv() *zap.Logger {
	level := os.Getenv(EnvLevel)

	logger, err := New(level)
	if err == nil {
		return logger
	}

	logger, buildErr := New("info")
	if buildErr != nil {
		return zap.NewNop()
	}
	logger.Warn("invalid log level, using info", zap.String("level", level), zap.Error(err))
	return logger
}

// Nop returns a logger that discards everything. Used by tests and as the
// default when no logger is injected.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// ParseLevel converts a level name to a zapcore.Level.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zapcore.InfoLevel, nil
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, errors.Wrapf(err, "invalid log level %q", level)
	}
	return lvl, nil
}
