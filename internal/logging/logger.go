// Package logging builds the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// New creates the bridge logger. Output is JSON on stdout so the supervisor
// running the bridge can ship logs as-is.
func New(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	return logger.With("service", "hub-bridge")
}
