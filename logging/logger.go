// Package logging configures the process-wide slog logger for the run
// subsystem and provides the attribute helpers its packages share, so a
// job's log lines carry the same user_id/problem_id/operation keys whether
// they come from the manager, a worker handle, or the engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Config selects the handler the process logs through.
type Config struct {
	// Level is the minimum level emitted.
	Level slog.Level
	// Format is "json" for machine-collected logs; anything else gets the
	// text handler.
	Format string
	// Output defaults to stderr — stdout belongs to command output (and,
	// in the worker, to the framed protocol).
	Output io.Writer
	// AddSource annotates records with file:line.
	AddSource bool
}

// NewLogger builds a logger from cfg without touching the process default.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h)
}

// defaultLogger is swapped atomically so SetDefault mid-run (the CLI does
// this after parsing --log-format) never races concurrent Default callers.
var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(NewLogger(Config{Level: slog.LevelInfo}))
}

// SetDefault replaces the process-wide logger.
func SetDefault(logger *slog.Logger) {
	defaultLogger.Store(logger)
}

// Default returns the process-wide logger.
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// WithUser tags a logger with the submitting user.
func WithUser(logger *slog.Logger, userID string) *slog.Logger {
	return logger.With(slog.String("user_id", userID))
}

// WithJob tags a logger with one submission's user and problem.
func WithJob(logger *slog.Logger, userID, problemID string) *slog.Logger {
	return logger.With(slog.String("user_id", userID), slog.String("problem_id", problemID))
}

// WithOperation tags a logger with the subsystem component emitting it.
func WithOperation(logger *slog.Logger, op string) *slog.Logger {
	return logger.With(slog.String("operation", op))
}
