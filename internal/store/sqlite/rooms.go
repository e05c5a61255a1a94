package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harbourchat/harbour/internal/store"
)

// RoomStore implements store.RoomStore on SQLite.
type RoomStore struct {
	db *DB
}

// NewRoomStore creates a room store backed by db.
func NewRoomStore(db *DB) *RoomStore {
	return &RoomStore{db: db}
}

var _ store.RoomStore = (*RoomStore)(nil)

// CreateRoom inserts a new room row.
func (s *RoomStore) CreateRoom(ctx context.Context, room store.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO rooms (id, name, creator_id, private, clan, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query,
		room.ID, room.Name, room.CreatorID, boolToInt(room.Private), boolToInt(room.Clan),
		room.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create room %s: %w", room.Name, err)
	}
	return nil
}

// GetRoom loads a room by id.
func (s *RoomStore) GetRoom(ctx context.Context, id string) (store.Room, error) {
	return s.getRoom(ctx, `WHERE id = ?`, id)
}

// GetRoomByName loads a room by its unique display name.
func (s *RoomStore) GetRoomByName(ctx context.Context, name string) (store.Room, error) {
	return s.getRoom(ctx, `WHERE name = ?`, name)
}

func (s *RoomStore) getRoom(ctx context.Context, predicate string, arg any) (store.Room, error) {
	query := `SELECT id, name, creator_id, private, clan, created_at FROM rooms ` + predicate
	var (
		room          store.Room
		private, clan int
		createdAt     string
	)
	err := s.db.db.QueryRowContext(ctx, query, arg).Scan(
		&room.ID, &room.Name, &room.CreatorID, &private, &clan, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Room{}, store.ErrNotFound
	}
	if err != nil {
		return store.Room{}, fmt.Errorf("get room: %w", err)
	}
	room.Private = private != 0
	room.Clan = clan != 0
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		room.CreatedAt = ts
	}
	return room, nil
}

// ListRooms returns all rooms.
func (s *RoomStore) ListRooms(ctx context.Context) ([]store.Room, error) {
	query := `SELECT id, name, creator_id, private, clan, created_at FROM rooms ORDER BY created_at`
	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Room
	for rows.Next() {
		var (
			room          store.Room
			private, clan int
			createdAt     string
		)
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatorID, &private, &clan, &createdAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.Private = private != 0
		room.Clan = clan != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			room.CreatedAt = ts
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return out, nil
}

// DeleteRoom removes the room and its membership rows. Deleting a room
// that does not exist is a no-op.
func (s *RoomStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete room members %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}

// CountOwnedBy returns how many non-clan rooms the user has created.
func (s *RoomStore) CountOwnedBy(ctx context.Context, creatorID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE creator_id = ? AND clan = 0`, creatorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rooms owned by %s: %w", creatorID, err)
	}
	return count, nil
}

// AddMember inserts a membership row; adding an existing member is a no-op.
func (s *RoomStore) AddMember(ctx context.Context, roomID, userID string) error {
	query := `
		INSERT INTO room_members (room_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING
	`
	_, err := s.db.db.ExecContext(ctx, query, roomID, userID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add member %s to room %s: %w", userID, roomID, err)
	}
	return nil
}

// RemoveMember deletes a membership row.
func (s *RoomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove member %s from room %s: %w", userID, roomID, err)
	}
	return nil
}

// IsMember reports whether the user holds a durable membership row.
func (s *RoomStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var one int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership of %s in %s: %w", userID, roomID, err)
	}
	return true, nil
}

// Members returns the durable membership set of the room.
func (s *RoomStore) Members(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", roomID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}

// MemberCount returns the size of the room's durable membership set.
func (s *RoomStore) MemberCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = ?`, roomID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members of %s: %w", roomID, err)
	}
	return count, nil
}
