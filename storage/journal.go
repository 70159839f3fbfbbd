package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LogEntry is a persisted log record.
type LogEntry struct {
	ID      int64
	Time    time.Time
	Level   string
	Scope   string
	CycleID string
	Message string
	// Attrs is the JSON encoded attribute tree.
	Attrs  []byte
	Source string
}

type LogFilter struct {
	CycleID string
	// MinLevel matches entries at or above this level, e.g. "WARN".
	MinLevel string
	Limit    int
}

func (s *Storage) InsertLogEntry(ctx context.Context, e LogEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	attrs := string(e.Attrs)
	if attrs == "" {
		attrs = "{}"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn(s.db).ExecContext(ctx,
		`INSERT INTO log_entries (timestamp_utc, level, scope, cycle_id, message, attrs, source) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		toMillis(e.Time), e.Level, e.Scope, e.CycleID, e.Message, attrs, e.Source,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// ListLogEntries returns the newest entries first.
func (s *Storage) ListLogEntries(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.CycleID != "" {
		where = append(where, "cycle_id = ?")
		args = append(args, f.CycleID)
	}
	if rank, ok := levelRank[strings.ToUpper(f.MinLevel)]; ok && rank > 0 {
		var levels []string
		for name, r := range levelRank {
			if r >= rank {
				levels = append(levels, "'"+name+"'")
			}
		}
		where = append(where, "level IN ("+strings.Join(levels, ", ")+")")
	}
	query := `SELECT id, timestamp_utc, level, scope, cycle_id, message, attrs, source FROM log_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn(s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e     LogEntry
			ts    int64
			attrs string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Scope, &e.CycleID, &e.Message, &attrs, &e.Source); err != nil {
			return nil, err
		}
		e.Time = fromMillis(ts)
		e.Attrs = []byte(attrs)
		out = append(out, e)
	}
	return out, rows.Err()
}
