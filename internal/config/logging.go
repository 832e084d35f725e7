package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates the process logger: text to stderr and, when a log
// file is configured and can be opened, JSON to that file as well.
// The returned cleanup closes the file.
func SetupLogger(cfg Config, process string) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	stderrHandler := slog.NewTextHandler(os.Stderr, opts)

	if cfg.LogFile == "" {
		return slog.New(stderrHandler).With("process", process), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open log file, using stderr only", "error", err, "file", cfg.LogFile)
		return slog.New(stderrHandler).With("process", process), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, opts)
	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler)).With("process", process)

	return logger, file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
