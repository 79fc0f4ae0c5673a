// Package notify delivers request notifications to organizational modules.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"tramita/internal/domain"
)

// Sink receives notifications after the command that raised them committed.
type Sink interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Store is the outbox table the dispatcher reads from.
type Store interface {
	InsertNotification(ctx context.Context, n domain.Notification) (int64, error)
	NotificationsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Notification, error)
	LatestNotificationID(ctx context.Context) (int64, error)
	WebhookCursor(ctx context.Context, webhook string) (int64, bool, error)
	SaveWebhookCursor(ctx context.Context, webhook string, lastID int64, at string) error
}

// Outbox persists notifications for asynchronous webhook delivery.
type Outbox struct {
	Store Store
}

func (o Outbox) Notify(ctx context.Context, n domain.Notification) error {
	_, err := o.Store.InsertNotification(ctx, n)
	return err
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n domain.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "notification",
		slog.String("kind", n.Kind),
		slog.String("request_id", n.RequestID),
		slog.String("nup", n.NUP),
		slog.String("target_module", n.TargetModule),
		slog.String("role_group", n.RoleGroup),
		slog.String("actor_id", n.ActorID),
	)
	return nil
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, domain.Notification) error { return nil }
