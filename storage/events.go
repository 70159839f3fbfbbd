package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one entry of a cycle's audit trail.
type Event struct {
	ID        int64
	CycleID   string
	Kind      string
	Message   string
	Attrs     map[string]any
	CreatedAt time.Time
}

func (s *Storage) RecordEvent(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	attrs := ev.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode event attrs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn(s.db).ExecContext(ctx,
		`INSERT INTO cycle_events (cycle_id, kind, message, attrs, created_at_utc) VALUES (?, ?, ?, ?, ?)`,
		ev.CycleID, ev.Kind, ev.Message, string(raw), toMillis(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record %s event for %s: %w", ev.Kind, ev.CycleID, err)
	}
	return nil
}

// ListEvents returns the audit trail of a cycle in insertion order.
func (s *Storage) ListEvents(ctx context.Context, cycleID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn(s.db).QueryContext(ctx,
		`SELECT id, cycle_id, kind, message, attrs, created_at_utc FROM cycle_events WHERE cycle_id = ? ORDER BY id`,
		cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			raw     string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.CycleID, &ev.Kind, &ev.Message, &raw, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &ev.Attrs); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", ev.ID, err)
		}
		ev.CreatedAt = fromMillis(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}
