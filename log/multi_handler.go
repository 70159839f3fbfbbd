package log

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler fans records out to several handlers, each with its own
// minimum level, e.g. a terse console and a verbose JSON audit file.
//
// TODO: replace with slog.NewMultiHandler once the module targets Go 1.26.
type MultiHandler struct {
	children []leveled
}

type leveled struct {
	handler slog.Handler
	min     slog.Leveler
}

// Sink is one destination of a MultiHandler. A nil Min defers to the
// handler's own Enabled.
type Sink struct {
	Handler slog.Handler
	Min     slog.Leveler
}

// NewMultiHandler builds a fan-out over sinks, skipping nil handlers.
func NewMultiHandler(sinks ...Sink) *MultiHandler {
	out := make([]leveled, 0, len(sinks))
	for _, s := range sinks {
		if s.Handler != nil {
			out = append(out, leveled{handler: s.Handler, min: s.Min})
		}
	}
	return &MultiHandler{children: out}
}

func (c leveled) enabled(ctx context.Context, level slog.Level) bool {
	if c.min != nil && level < c.min.Level() {
		return false
	}
	return c.handler.Enabled(ctx, level)
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.children {
		if child.enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes to every enabled sink and joins their errors.
func (h *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, child := range h.children {
		if !child.enabled(ctx, record.Level) {
			continue
		}
		if err := child.handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(c slog.Handler) slog.Handler { return c.WithAttrs(attrs) })
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(c slog.Handler) slog.Handler { return c.WithGroup(name) })
}

func (h *MultiHandler) derive(fn func(slog.Handler) slog.Handler) *MultiHandler {
	out := make([]leveled, len(h.children))
	for i, child := range h.children {
		out[i] = leveled{handler: fn(child.handler), min: child.min}
	}
	return &MultiHandler{children: out}
}
