package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the process logger. Development gets human readable text;
// everything else gets JSON on stdout.
func Init(workerID, env, level string) *slog.Logger {
	lvl, err := ParseLevel(level)
	logger := New(os.Stdout, env, lvl).With("worker_id", workerID)
	slog.SetDefault(logger)
	if err != nil {
		logger.Warn("unknown log level, using info", "level", level)
	}
	return logger
}

func New(w io.Writer, env string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	if strings.EqualFold(env, "development") || strings.EqualFold(env, "dev") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
}
