package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/phsym/console-slog"
)

func parseLevel(level string) slog.Level {
	switch level {
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

// newLogger builds the process logger. The console format, also chosen by
// ENV=development, is meant for a human at a terminal; JSON is the default.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	var handler slog.Handler
	if format == "console" || os.Getenv("ENV") == "development" {
		handler = console.NewHandler(w, &console.HandlerOptions{
			AddSource: lvl == slog.LevelDebug,
			Level:     lvl,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(handler)
}
