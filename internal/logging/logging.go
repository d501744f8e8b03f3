// Package logging builds the process logger: JSON records on stderr, and
// optionally a second JSON copy appended to a file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps "debug", "info", "warn" and "error" to a slog.Level.
// Anything else is treated as info.
func ParseLevel(level string) slog.Level {
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

// New returns a JSON logger writing to w at the given level. When logFile is
// non-empty every record is also appended to that file; the returned close
// function releases it and must be called on shutdown.
func New(level string, w io.Writer, logFile string) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	primary := slog.NewJSONHandler(w, opts)

	if logFile == "" {
		return slog.New(primary), func() error { return nil }, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(
		primary,
		slog.NewJSONHandler(f, opts),
	))
	return logger, f.Close, nil
}
