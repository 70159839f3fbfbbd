package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"
)

// loggingDB traces statements at debug level. Queries are flattened to one
// line so the multi-line upserts stay readable in text output.
type loggingDB struct {
	inner  dbtx
	logger *slog.Logger
}

func (l loggingDB) trace(ctx context.Context, msg, query string, args []any, start time.Time, err error) {
	if !l.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("query", strings.Join(strings.Fields(query), " ")),
		slog.Int("args", len(args)),
	}
	if !start.IsZero() {
		attrs = append(attrs, slog.Duration("duration", time.Since(start)))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}

func (l loggingDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.inner.ExecContext(ctx, query, args...)
	l.trace(ctx, "sql exec", query, args, start, err)
	return res, err
}

func (l loggingDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.inner.QueryContext(ctx, query, args...)
	l.trace(ctx, "sql query", query, args, start, err)
	return rows, err
}

// QueryRowContext defers its error to Scan, so only the statement is traced.
func (l loggingDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	l.trace(ctx, "sql query row", query, args, time.Time{}, nil)
	return l.inner.QueryRowContext(ctx, query, args...)
}
