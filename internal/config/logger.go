package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/floegence/skillhub/internal/logbuf"
)

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", level)
	}
}

// NewLogger builds the root logger. When buf is set, ERROR records are also kept in it.
func NewLogger(w io.Writer, format string, level string, buf *logbuf.Buffer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	if buf != nil {
		h = logbuf.NewHandler(h, buf, slog.LevelError)
	}
	return slog.New(h), nil
}
