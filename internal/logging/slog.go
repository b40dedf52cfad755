// Package logging builds the structured logger shared by every service.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"job-lease-guard/internal/config"
)

// New returns a slog.Logger writing to stdout at the configured level and format.
func New(cfg config.Config) *slog.Logger {
	return NewWithWriter(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("env", cfg.Env)
}

// NewWithWriter builds a logger for an arbitrary writer. Unknown levels fall back to info.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Nop discards everything. Used when a component is built without a logger.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
