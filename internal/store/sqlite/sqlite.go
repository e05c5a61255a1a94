// Package sqlite implements the store interfaces on a single SQLite
// database file using the modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	avatar TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'member',
	ban_active INTEGER NOT NULL DEFAULT 0,
	ban_scopes TEXT NOT NULL DEFAULT '',
	ban_reason TEXT NOT NULL DEFAULT '',
	ban_until TEXT NOT NULL DEFAULT '',
	can_chat INTEGER NOT NULL DEFAULT 1,
	can_create_rooms INTEGER NOT NULL DEFAULT 1,
	muted_users TEXT NOT NULL DEFAULT '',
	last_active TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS presence (
	user_id TEXT PRIMARY KEY,
	conn_id TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	creator_id TEXT NOT NULL,
	private INTEGER NOT NULL DEFAULT 0,
	clan INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	joined_at TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	text TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	sender_avatar TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	recipient_id TEXT NOT NULL DEFAULT '',
	read INTEGER NOT NULL DEFAULT 0,
	room_id TEXT NOT NULL DEFAULT '',
	room_name TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_category ON messages(kind, category, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	recipient_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	preview TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	read INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, read, created_at);
`

// DB wraps the shared database handle used by all repository types.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. SQLite allows a single writer, so the pool is capped at one
// connection to avoid SQLITE_BUSY under concurrent handler dispatch.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is usable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
