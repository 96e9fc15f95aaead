package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a validated LOG_LEVEL value to a slog level.
func ParseLevel(level string) slog.Level {
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

// SetupLogger creates the process logger: JSON to stdout, and when logFile is
// set, JSON to that file as well. The returned cleanup closes the file.
func SetupLogger(cfg LogConfig) (*slog.Logger, func() error) {
	level := ParseLevel(cfg.Level)
	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})

	if cfg.File == "" {
		return slog.New(stdoutHandler), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open log file, using stdout only", "error", err, "file", cfg.File)
		return slog.New(stdoutHandler), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stdoutHandler, fileHandler)), file.Close
}

// SetupLoggerWithWriters creates a fan-out logger over custom writers (for testing).
func SetupLoggerWithWriters(primary, secondary io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewJSONHandler(primary, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(secondary, &slog.HandlerOptions{Level: level}),
	))
}
