// Package logging holds the recorder's slog plumbing.
//
// Loggers are passed in, never looked up: main builds the one root logger
// (handler, format, levels) and every component derives its own scoped
// logger from it once, at construction, via Component. Nothing calls
// slog.SetDefault.
//
// The recorder logs segment lifecycle events (open, close, compress,
// evict) and rate-limited progress. Individual stream lines are never
// logged.
package logging

import "log/slog"

// ComponentKey is the attribute that names the emitting component. The
// filter handler keys per-component levels on it.
const ComponentKey = "component"

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Default returns logger, or a discard logger when it is nil.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// Component scopes an optional logger to a named component:
//
//	w.logger = logging.Component(cfg.Logger, "writer")
func Component(logger *slog.Logger, name string, attrs ...any) *slog.Logger {
	return Default(logger).With(append([]any{ComponentKey, name}, attrs...)...)
}
