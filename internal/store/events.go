package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppendEvent writes one event to the append-only log. Payloads must be
// masked upstream; the store never inspects them. ExecutionID may be empty
// for engine-scope events that have no execution row.
func (s *Store) AppendEvent(ev Event) (*Event, error) {
	if strings.TrimSpace(ev.Kind) == "" {
		return nil, fmt.Errorf("kind required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}

	res, err := s.db.Exec(`INSERT INTO events (id, execution_id, tenant_id, kind, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExecutionID, ev.TenantID, ev.Kind, payload, fmtTime(ev.TS))
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	ev.Seq, _ = res.LastInsertId()
	out := ev
	return &out, nil
}

// EventsForExecution returns events for one execution with seq > afterSeq,
// oldest first. Supports replay-then-follow streaming.
func (s *Store) EventsForExecution(executionID string, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.Query(`SELECT seq, id, execution_id, tenant_id, kind, payload, ts FROM events
		WHERE execution_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		executionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

// RecentEventsByKind returns the latest events of one kind, newest first.
func (s *Store) RecentEventsByKind(kind string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.Query(`SELECT seq, id, execution_id, tenant_id, kind, payload, ts FROM events
		WHERE kind = ? ORDER BY seq DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

func collectEvents(rows *sql.Rows, capHint int) ([]Event, error) {
	out := make([]Event, 0, capHint)
	for rows.Next() {
		var (
			ev      Event
			payload string
			ts      string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.ExecutionID, &ev.TenantID, &ev.Kind, &payload, &ts); err != nil {
			continue
		}
		ev.Payload = json.RawMessage(payload)
		ev.TS = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
