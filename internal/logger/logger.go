// Package logger builds the process-wide *slog.Logger.
//
// Locally it writes human-readable text to stderr; elsewhere it routes
// through a zap production core so output matches the rest of the platform.
package logger

import (
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a logger tagged with service and env, plus a flush func that
// must run before exit.
func New(serviceName, env string) (*slog.Logger, func(), error) {
	if env == "local" {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		l := slog.New(h).With("service", serviceName, "env", env)
		return l, func() {}, nil
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build(
		zap.Fields(
			zap.String("service", serviceName),
			zap.String("env", env),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	l := slog.New(zapslog.NewHandler(zl.Core()))
	return l, func() { _ = zl.Sync() }, nil
}
