package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harbourchat/harbour/internal/store"
)

// NotificationStore implements store.NotificationStore on SQLite.
type NotificationStore struct {
	db *DB
}

// NewNotificationStore creates a notification store backed by db.
func NewNotificationStore(db *DB) *NotificationStore {
	return &NotificationStore{db: db}
}

var _ store.NotificationStore = (*NotificationStore)(nil)

// Create writes the notification row and returns its id.
func (s *NotificationStore) Create(ctx context.Context, n store.Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO notifications (id, recipient_id, kind, preview, message_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query,
		n.ID, n.RecipientID, string(n.Kind), n.Preview, n.MessageID,
		boolToInt(n.Read), n.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}
	return n.ID, nil
}

// ListUnread returns unread notifications for the recipient, newest first.
func (s *NotificationStore) ListUnread(ctx context.Context, recipientID string, limit int) ([]store.Notification, error) {
	query := `
		SELECT id, recipient_id, kind, preview, message_id, read, created_at
		FROM notifications
		WHERE recipient_id = ? AND read = 0
		ORDER BY created_at DESC LIMIT ?
	`
	rows, err := s.db.db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Notification
	for rows.Next() {
		var (
			n         store.Notification
			kind      string
			read      int
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &kind, &n.Preview, &n.MessageID, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = store.NotificationKind(kind)
		n.Read = read != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			n.CreatedAt = ts
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// MarkRead flags a notification as read. The recipient id is part of the
// predicate so a user cannot acknowledge someone else's notification.
func (s *NotificationStore) MarkRead(ctx context.Context, id, recipientID string) error {
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND recipient_id = ?`,
		id, recipientID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
