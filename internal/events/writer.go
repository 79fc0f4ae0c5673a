package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tramita/internal/db"
	"tramita/internal/domain"
)

// Writer appends history entries inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, requestID, actorID string, action domain.Action, description string, payload Payload) (domain.HistoryEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("marshal history metadata: %w", err)
	}
	entry := domain.HistoryEntry{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		ActorID:     actorID,
		Action:      action,
		Timestamp:   w.Now().UTC().Format(time.RFC3339Nano),
		Description: description,
		Metadata:    payload,
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO history(id,request_id,actor_id,action,ts,description,metadata_json) VALUES (?,?,?,?,?,?,?)`),
		entry.ID, entry.RequestID, entry.ActorID, string(entry.Action), entry.Timestamp, entry.Description, string(data))
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	return entry, nil
}
