package util

import (
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

// InitLogger configures the process logger. level is one of debug, info,
// warn, error; anything else falls back to info.
func InitLogger(level string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger, initializing a default one on
// first use.
func GetLogger() *slog.Logger {
	if logger == nil {
		InitLogger("info")
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
