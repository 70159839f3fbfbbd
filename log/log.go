// Package log carries loggers through contexts and provides the slog
// handlers used by the arbiter binary.
package log

import (
	"context"
	"log/slog"
)

type ctxLoggerKey struct{}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// WithCycle returns ctx carrying its logger annotated with the cycle and
// route being worked on.
func WithCycle(ctx context.Context, cycleID, route string) context.Context {
	logger := LoggerFromContext(ctx).With(slog.String("cycle_id", cycleID), slog.String("route", route))
	return ContextWithLogger(ctx, logger)
}
