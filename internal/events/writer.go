package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tasknest/internal/domain"
)

// Writer records task activity rows inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Build stamps and encodes an event without persisting it.
func (w Writer) Build(evtType, taskID, ownerID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return domain.Event{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		OwnerID: ownerID,
		Type:    evtType,
		Payload: string(data),
		TS:      domain.FormatTime(w.Now()),
	}, nil
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, ownerID string, payload EventPayload) error {
	evt, err := w.Build(evtType, taskID, ownerID, payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(id,task_id,user_id,type,payload_json,ts) VALUES (?,?,?,?,?,?)`,
		evt.ID, evt.TaskID, evt.OwnerID, evt.Type, evt.Payload, evt.TS)
	return err
}
