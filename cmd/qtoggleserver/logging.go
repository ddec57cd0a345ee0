package main

import (
	"log/slog"
	"os"
	"strings"
)

func setupLogger(level string) *slog.Logger {
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
	handler := slog.NewTextHandler(os.Stdout, opts)

	return slog.New(handler).With(
		"service", appName,
		"pid", os.Getpid(),
	)
}
