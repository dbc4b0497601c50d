// Package logging provides the structured logging convention used across
// the datastore core.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component scopes its own logger once, at construction time
//   - If no logger is supplied, a discard logger is used so nil checks
//     never leak into call sites
//
// Global configuration (format, level, destination) belongs in main(),
// never in a component constructor.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything written to it.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Components
// call this once at construction time:
//
//	logger = logging.Default(cfg.Logger).With("component", "chunkstore")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// Scope returns a logger tagged with component and any additional key/value
// pairs. This is the one place component-naming conventions live, so every
// package logs under the same attribute key.
func Scope(logger *slog.Logger, component string, kv ...any) *slog.Logger {
	args := append([]any{"component", component}, kv...)
	return Default(logger).With(args...)
}
