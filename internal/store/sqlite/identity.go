package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harbourchat/harbour/internal/store"
)

// IdentityStore implements store.IdentityStore on SQLite.
type IdentityStore struct {
	db *DB
}

// NewIdentityStore creates an identity store backed by db.
func NewIdentityStore(db *DB) *IdentityStore {
	return &IdentityStore{db: db}
}

var _ store.IdentityStore = (*IdentityStore)(nil)

// ResolveIdentity loads the user snapshot, including ban state,
// permission gates, and the muted-user list.
func (s *IdentityStore) ResolveIdentity(ctx context.Context, id string) (store.Identity, error) {
	query := `
		SELECT id, name, avatar, role, ban_active, ban_scopes, ban_reason, ban_until,
		       can_chat, can_create_rooms, muted_users
		FROM users WHERE id = ?
	`
	var (
		ident                        store.Identity
		banActive, canChat, canRooms int
		banScopes, banUntil, muted   string
	)
	err := s.db.db.QueryRowContext(ctx, query, id).Scan(
		&ident.ID, &ident.Name, &ident.Avatar, &ident.Role,
		&banActive, &banScopes, &ident.Ban.Reason, &banUntil,
		&canChat, &canRooms, &muted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Identity{}, store.ErrNotFound
	}
	if err != nil {
		return store.Identity{}, fmt.Errorf("resolve identity %s: %w", id, err)
	}

	ident.Ban.Active = banActive != 0
	ident.Ban.Scopes = splitList(banScopes)
	if banUntil != "" {
		if until, parseErr := time.Parse(time.RFC3339, banUntil); parseErr == nil {
			ident.Ban.Until = until
		}
	}
	ident.Perms.Chat = canChat != 0
	ident.Perms.CreateRooms = canRooms != 0
	ident.MutedUsers = splitList(muted)
	return ident, nil
}

// UpdateLastActive stamps the user's last-activity time.
func (s *IdentityStore) UpdateLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.db.ExecContext(ctx,
		`UPDATE users SET last_active = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("update last active for %s: %w", id, err)
	}
	return nil
}

// SetPresence upserts the durable "who is online" row for the user,
// pointing it at the given connection.
func (s *IdentityStore) SetPresence(ctx context.Context, userID, connID, status string) error {
	query := `
		INSERT INTO presence (user_id, conn_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			conn_id = excluded.conn_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := s.db.db.ExecContext(ctx, query,
		userID, connID, status, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// ClearPresence removes the durable presence row for the user.
func (s *IdentityStore) ClearPresence(ctx context.Context, userID string) error {
	_, err := s.db.db.ExecContext(ctx, `DELETE FROM presence WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear presence for %s: %w", userID, err)
	}
	return nil
}

// UpsertIdentity writes a full user row. The identity service owns user
// records in production; this is used by provisioning and tests.
func (s *IdentityStore) UpsertIdentity(ctx context.Context, ident store.Identity) error {
	query := `
		INSERT INTO users (id, name, avatar, role, ban_active, ban_scopes, ban_reason, ban_until,
		                   can_chat, can_create_rooms, muted_users)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			role = excluded.role,
			ban_active = excluded.ban_active,
			ban_scopes = excluded.ban_scopes,
			ban_reason = excluded.ban_reason,
			ban_until = excluded.ban_until,
			can_chat = excluded.can_chat,
			can_create_rooms = excluded.can_create_rooms,
			muted_users = excluded.muted_users
	`
	banUntil := ""
	if !ident.Ban.Until.IsZero() {
		banUntil = ident.Ban.Until.UTC().Format(time.RFC3339)
	}
	_, err := s.db.db.ExecContext(ctx, query,
		ident.ID, ident.Name, ident.Avatar, ident.Role,
		boolToInt(ident.Ban.Active), joinList(ident.Ban.Scopes), ident.Ban.Reason, banUntil,
		boolToInt(ident.Perms.Chat), boolToInt(ident.Perms.CreateRooms), joinList(ident.MutedUsers),
	)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", ident.ID, err)
	}
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func joinList(v []string) string {
	return strings.Join(v, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
