package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harbourchat/harbour/internal/store"
)

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a message store backed by db.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

var _ store.MessageStore = (*MessageStore)(nil)

// Persist writes the message and returns its id, generating one when the
// caller left it empty.
func (s *MessageStore) Persist(ctx context.Context, msg store.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO messages (id, kind, text, sender_id, sender_name, sender_avatar,
		                      category, recipient_id, read, room_id, room_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query,
		msg.ID, string(msg.Kind), msg.Text, msg.SenderID, msg.SenderName, msg.SenderAvatar,
		msg.Category, msg.RecipientID, boolToInt(msg.Read), msg.RoomID, msg.RoomName,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}
	return msg.ID, nil
}

// RecentPublic returns the most recent public messages for a category
// channel, oldest first.
func (s *MessageStore) RecentPublic(ctx context.Context, category string, limit int) ([]store.Message, error) {
	query := selectMessages + `
		WHERE kind = ? AND category = ?
		ORDER BY created_at DESC LIMIT ?
	`
	return s.query(ctx, query, string(store.MessagePublic), category, limit)
}

// RecentPrivate returns the most recent private messages between two
// users in either direction, oldest first.
func (s *MessageStore) RecentPrivate(ctx context.Context, userA, userB string, limit int) ([]store.Message, error) {
	query := selectMessages + `
		WHERE kind = ?
		  AND ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
		ORDER BY created_at DESC LIMIT ?
	`
	return s.query(ctx, query, string(store.MessagePrivate), userA, userB, userB, userA, limit)
}

// RecentRoom returns the most recent room (or clan) messages, oldest first.
func (s *MessageStore) RecentRoom(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	query := selectMessages + `
		WHERE room_id = ?
		ORDER BY created_at DESC LIMIT ?
	`
	return s.query(ctx, query, roomID, limit)
}

const selectMessages = `
	SELECT id, kind, text, sender_id, sender_name, sender_avatar,
	       category, recipient_id, read, room_id, room_name, created_at
	FROM messages
`

func (s *MessageStore) query(ctx context.Context, query string, args ...any) ([]store.Message, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// Queries order newest-first for the LIMIT; callers want oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (store.Message, error) {
	var (
		msg       store.Message
		kind      string
		read      int
		createdAt string
	)
	err := rows.Scan(&msg.ID, &kind, &msg.Text, &msg.SenderID, &msg.SenderName, &msg.SenderAvatar,
		&msg.Category, &msg.RecipientID, &read, &msg.RoomID, &msg.RoomName, &createdAt)
	if err != nil {
		return store.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Kind = store.MessageKind(kind)
	msg.Read = read != 0
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		msg.CreatedAt = ts
	}
	return msg, nil
}
