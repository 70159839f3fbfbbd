package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	count int
	err   error
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(context.Context, slog.Record) error {
	h.count++
	return h.err
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func TestGroupFilterMatchesGroupPaths(t *testing.T) {
	rec := &recordingHandler{}
	logger := slog.New(NewGroupFilterHandler(rec, []string{" Engine.Executor ", "storage"}))

	logger.Info("root")
	logger.WithGroup("engine").Info("engine only")
	require.Equal(t, 0, rec.count)

	logger.WithGroup("engine").WithGroup("executor").Info("leg placed")
	logger.WithGroup("storage").WithGroup("cache").Info("flush")
	require.Equal(t, 2, rec.count)

	logger.WithGroup("executor").Info("not under engine")
	require.Equal(t, 2, rec.count)
}

func TestGroupFilterLetsErrorsThrough(t *testing.T) {
	rec := &recordingHandler{}
	logger := slog.New(NewGroupFilterHandler(rec, []string{"storage"}))

	logger.WithGroup("recovery").Warn("slow")
	require.Equal(t, 0, rec.count)
	logger.WithGroup("recovery").Error("no liquidation path", slog.Bool("fatal", true))
	require.Equal(t, 1, rec.count)
}

func TestGroupFilterPassthroughWhenNoAllowlist(t *testing.T) {
	rec := &recordingHandler{}
	require.Same(t, slog.Handler(rec), NewGroupFilterHandler(rec, nil))
	require.Same(t, slog.Handler(rec), NewGroupFilterHandler(rec, []string{" ", "."}))
}

func TestMultiHandlerAppliesPerSinkLevels(t *testing.T) {
	var console, audit bytes.Buffer
	h := NewMultiHandler(
		Sink{Handler: slog.NewTextHandler(&console, nil), Min: slog.LevelWarn},
		Sink{Handler: slog.NewJSONHandler(&audit, &slog.HandlerOptions{Level: slog.LevelDebug})},
		Sink{},
	)
	logger := slog.New(h).WithGroup("engine").With(slog.String("cycle_id", "c1"))

	logger.Debug("leg placed")
	logger.Warn("latency violation")

	require.Equal(t, 1, strings.Count(console.String(), "\n"))
	require.Contains(t, console.String(), "engine.cycle_id=c1")

	lines := strings.Split(strings.TrimSpace(audit.String()), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "leg placed", first["msg"])
	require.Equal(t, map[string]any{"cycle_id": "c1"}, first["engine"])
}

func TestMultiHandlerJoinsErrors(t *testing.T) {
	a := &recordingHandler{err: errors.New("disk full")}
	b := &recordingHandler{}
	err := NewMultiHandler(Sink{Handler: a}, Sink{Handler: b}).Handle(context.Background(), slog.Record{Level: slog.LevelInfo})
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 1, b.count)
}

func TestWithCycle(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	LoggerFromContext(WithCycle(ctx, "c1", "BTC->ETH->USDT")).Info("hello")
	require.Contains(t, buf.String(), "cycle_id=c1")
	require.Contains(t, buf.String(), "route=BTC->ETH->USDT")

	require.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}
