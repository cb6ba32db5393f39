// Package logging builds the zap logger shared by every component.
package logging

import (
	"github.com/globalyzing/globalyzing/internal/config"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger from the logging configuration. Development mode
// writes human-readable console output; otherwise JSON.
func New(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	return zc.Build()
}
