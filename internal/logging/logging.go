// Package logging builds the zap loggers used by the fixpoint binaries.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fixpoint/internal/config"
)

// New builds a logger from the logging section. Output goes to stderr and,
// when logFile is non-empty, to that file as well. The file's directory is
// created if missing.
func New(cfg config.LoggingConfig, logFile string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         cfg.Format,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	switch cfg.Format {
	case "json":
		zcfg.EncoderConfig = zap.NewProductionEncoderConfig()
	default:
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, logFile)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
