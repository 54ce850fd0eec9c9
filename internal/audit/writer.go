package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Activity types appended by the engine.
const (
	EventCreated       = "event.created"
	EventStatusChanged = "event.status_changed"
	ParticipantJoined  = "participant.joined"
	HintSubmitted      = "hint.submitted"
	RoundCreated       = "round.created"
	RoundActivated     = "round.activated"
	MatchingGenerated  = "matching.generated"
	AssignmentUpdated  = "assignment.status_changed"
)

// Writer appends rows to the activity log inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, typ, eventID, entityKind, entityID, actorID string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity(ts,type,event_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, typ, nullable(eventID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
