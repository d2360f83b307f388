// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
// Both write to stderr; worker processes reserve stdout for messages.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// ForWorker names logger after worker index and tags every entry with it.
func ForWorker(logger *zap.Logger, index int) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.Named("worker-" + strconv.Itoa(index)).With(zap.Int("worker_index", index))
}
