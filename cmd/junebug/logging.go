package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/aLabsAfrica/junebug/config"
)

// setupLogger builds the process logger. CLI flags win over the config
// file so operators can crank up logging without editing config.
func setupLogger(level, format string, cfg *config.Config) *slog.Logger {
	if level == "" {
		level = cfg.Logging.Level
	}
	if format == "" {
		format = cfg.Logging.Format
	}

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
