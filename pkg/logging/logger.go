// Package logging wires the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
)

// InitLogger builds the root logger at the given level. Output is JSON with
// source locations so log lines map back to call sites.
func InitLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, AddSource: true}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
