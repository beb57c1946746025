// Package logging builds the zap loggers used across the module.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger profile.
type Config struct {
	// Level is a zap level name. Empty means debug in development and info
	// otherwise.
	Level string `yaml:"level"`
	// Development switches to console output with caller and stack traces.
	Development bool `yaml:"development"`
}

// New builds a logger from cfg and returns it with its adjustable level.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var base zap.Config
	if cfg.Development {
		base = zap.NewDevelopmentConfig()
		base.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		base = zap.NewProductionConfig()
		base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		base.DisableStacktrace = true
	}
	base.Level = level

	logger, err := base.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, level, nil
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}
	if cfg.Development {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}
