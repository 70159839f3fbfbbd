package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler drops records logged outside the selected groups.
// A selection matches a group path by prefix, so "engine" admits records
// from "engine" and "engine.executor" while "engine.executor" admits only
// the latter. Records at or above the bypass level always pass.
type GroupFilterHandler struct {
	next    slog.Handler
	allowed []string
	bypass  slog.Level
	path    string
}

// NewGroupFilterHandler wraps next. With no usable selection next is
// returned unchanged. Errors bypass the filter.
func NewGroupFilterHandler(next slog.Handler, allowedGroups []string) slog.Handler {
	return NewGroupFilterHandlerWithBypass(next, allowedGroups, slog.LevelError)
}

func NewGroupFilterHandlerWithBypass(next slog.Handler, allowedGroups []string, bypass slog.Level) slog.Handler {
	if next == nil {
		return nil
	}
	var allowed []string
	for _, group := range allowedGroups {
		if trimmed := strings.Trim(strings.ToLower(strings.TrimSpace(group)), "."); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{next: next, allowed: allowed, bypass: bypass}
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.bypass && !h.selected() {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	return &clone
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	if clone.path == "" {
		clone.path = strings.ToLower(name)
	} else {
		clone.path += "." + strings.ToLower(name)
	}
	return &clone
}

func (h *GroupFilterHandler) selected() bool {
	for _, sel := range h.allowed {
		if h.path == sel || strings.HasPrefix(h.path, sel+".") {
			return true
		}
	}
	return false
}
