package logger

import (
	"context"
	"log/slog"
)

// contextKey is a private type for context keys to avoid collisions with
// other packages storing values in the same context.
type contextKey int

// loggerKey is the context key under which the request- or run-scoped
// logger is stored.
const loggerKey contextKey = iota

// WithContext returns a new context carrying the provided logger. Components
// further down the call chain retrieve it with FromContext so log entries
// keep the correlation attributes attached upstream (run ID, trace ID, etc.).
func WithContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext retrieves the logger stored in the context. If the context has
// no logger, the process default logger is returned so callers never receive
// nil.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}

// FromContextOrDefault retrieves the logger stored in the context, falling
// back to the provided logger (rather than the process default) when the
// context carries none. Useful for components that were constructed with
// their own component-scoped logger.
func FromContextOrDefault(ctx context.Context, def *slog.Logger) *slog.Logger {
	if log, ok := ctx.Value(loggerKey).(*slog.Logger); ok && log != nil {
		return log
	}
	if def != nil {
		return def
	}
	return slog.Default()
}
