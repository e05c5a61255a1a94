// Notification Generator: durable notification rows plus a live "new
// notification" push for recipients connected in a different context.
// Fire-and-forget relative to the message router: a failure here never
// fails message delivery.
package server

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/harbourchat/harbour/internal/store"
)

// NotificationGenerator writes notification records and pushes live
// events to the recipient's other connections.
type NotificationGenerator struct {
	presence      *PresenceDirectory
	notifications store.NotificationStore
	send          func(*Client, []byte) bool
	logger        *slog.Logger
	now           func() time.Time
	previewLength int
}

// NewNotificationGenerator wires the generator. The send function is the
// hub's safe per-connection delivery primitive.
func NewNotificationGenerator(presence *PresenceDirectory, notifications store.NotificationStore, send func(*Client, []byte) bool, previewLength int, now func() time.Time, logger *slog.Logger) *NotificationGenerator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if previewLength <= 0 {
		previewLength = 80
	}
	return &NotificationGenerator{
		presence:      presence,
		notifications: notifications,
		send:          send,
		logger:        logger.With(slog.String("component", "notification_generator")),
		now:           now,
		previewLength: previewLength,
	}
}

// Notify writes a durable notification for the recipient and pushes a
// live newNotification event to every connection the recipient holds
// except those in exclude (the ones the triggering message was already
// delivered to). Errors are logged and swallowed.
func (g *NotificationGenerator) Notify(ctx context.Context, recipientID string, kind store.NotificationKind, content, messageID string, exclude map[*Client]struct{}) {
	notification := store.Notification{
		RecipientID: recipientID,
		Kind:        kind,
		Preview:     truncatePreview(content, g.previewLength),
		MessageID:   messageID,
		CreatedAt:   g.now().UTC(),
	}

	id, err := g.notifications.Create(ctx, notification)
	if err != nil {
		g.logger.Error("notification write failed", "recipient", recipientID, "kind", string(kind), "error", err)
		return
	}
	notification.ID = id

	frame := marshalEvent(EventNewNotification, NotificationPayload{
		ID:        notification.ID,
		Kind:      string(notification.Kind),
		Preview:   notification.Preview,
		MessageID: notification.MessageID,
		CreatedAt: notification.CreatedAt,
	})
	for _, conn := range g.presence.ConnectionsFor(recipientID) {
		if _, skip := exclude[conn]; skip {
			continue
		}
		if !g.send(conn, frame) {
			g.logger.Warn("notification push dropped", "recipient", recipientID, "conn", conn.id)
		}
	}
}

// truncatePreview shortens content to at most limit runes, appending an
// ellipsis when anything was cut.
func truncatePreview(content string, limit int) string {
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit]) + "…"
}
