// Package events appends to the run event log. An event always commits in
// the same transaction as the state change it describes; there is no path
// that mutates workflow state without leaving a trace.
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

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one event inside the caller's transaction. runID and
// entityID may be empty for events not tied to a run or entity.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	body := []byte("{}")
	if len(payload) > 0 {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.now().UTC().Format(time.RFC3339), evtType, orNull(runID), entityKind, orNull(entityID), actorID, string(body))
	return err
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
