package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry identifies what an audit event is about.
type Entry struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	SessionID  string
}

// Append writes one event inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,session_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, e.EntityKind, nullable(e.EntityID), nullable(e.ActorID), nullable(e.SessionID), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
