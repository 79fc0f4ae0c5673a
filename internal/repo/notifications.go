package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tramita/internal/domain"
)

// InsertNotification stores a notification in the outbox and returns its id.
func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (int64, error) {
	meta := n.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal notification metadata: %w", err)
	}
	var id int64
	err = r.DB.QueryRowContext(ctx, r.q(`INSERT INTO notifications(request_id,nup,kind,target_module,role_group,actor_id,message,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?) RETURNING id`),
		n.RequestID, n.NUP, n.Kind, n.TargetModule, n.RoleGroup, n.ActorID, n.Message, string(data), n.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}

// NotificationsAfter pages the outbox in id order.
func (r Repo) NotificationsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,request_id,nup,kind,target_module,role_group,actor_id,message,metadata_json,created_at FROM notifications WHERE id>? ORDER BY id LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var (
			n    domain.Notification
			meta string
		)
		if err := rows.Scan(&n.ID, &n.RequestID, &n.NUP, &n.Kind, &n.TargetModule, &n.RoleGroup, &n.ActorID, &n.Message, &meta, &n.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &n.Metadata); err != nil {
				return nil, fmt.Errorf("decode notification metadata: %w", err)
			}
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) LatestNotificationID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM notifications`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// WebhookCursor returns the last notification id delivered to a webhook.
func (r Repo) WebhookCursor(ctx context.Context, webhook string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT last_id FROM webhook_cursors WHERE webhook=?`), webhook).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SaveWebhookCursor(ctx context.Context, webhook string, lastID int64, at string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO webhook_cursors(webhook,last_id,updated_at) VALUES (?,?,?)
ON CONFLICT(webhook) DO UPDATE SET last_id=excluded.last_id, updated_at=excluded.updated_at`), webhook, lastID, at)
	if err != nil {
		return fmt.Errorf("save webhook cursor: %w", err)
	}
	return nil
}
