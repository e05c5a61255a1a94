// Package store defines the durable collaborators of the chat core:
// identity resolution, message and notification persistence, and room
// membership records. The real-time layer depends only on these
// interfaces; driver-specific implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// BanInfo describes an active moderation ban and the subsystems it covers.
type BanInfo struct {
	Active bool
	Scopes []string
	Reason string
	Until  time.Time
}

// Covers reports whether the ban is active for the given subsystem scope.
// A ban with no scopes covers everything.
func (b BanInfo) Covers(scope string) bool {
	if !b.Active {
		return false
	}
	if len(b.Scopes) == 0 {
		return true
	}
	for _, s := range b.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Permissions is the per-user feature gate set maintained by moderation.
type Permissions struct {
	Chat        bool
	CreateRooms bool
}

// Identity is the read-only snapshot of a user as resolved from the
// identity store. MutedUsers lists the user ids this user has muted.
type Identity struct {
	ID         string
	Name       string
	Avatar     string
	Role       string
	Ban        BanInfo
	Perms      Permissions
	MutedUsers []string
}

// ChatBlocked reports whether the user may not send chat messages, either
// through an active chat-scoped ban or an explicitly disabled permission.
func (id Identity) ChatBlocked() bool {
	return id.Ban.Covers("chat") || !id.Perms.Chat
}

// HasMuted reports whether this user has muted the given sender.
func (id Identity) HasMuted(userID string) bool {
	for _, muted := range id.MutedUsers {
		if muted == userID {
			return true
		}
	}
	return false
}

// MessageKind discriminates the message union.
type MessageKind string

const (
	MessagePublic  MessageKind = "public"
	MessagePrivate MessageKind = "private"
	MessageRoom    MessageKind = "room"
	MessageClan    MessageKind = "clan"
	MessageSystem  MessageKind = "system"
)

// Message is the discriminated chat message record. Exactly one
// variant-specific target is populated, matching Kind: Category for
// public, RecipientID for private, RoomID/RoomName for room and clan.
type Message struct {
	ID           string
	Kind         MessageKind
	Text         string
	SenderID     string
	SenderName   string
	SenderAvatar string
	Category     string
	RecipientID  string
	Read         bool
	RoomID       string
	RoomName     string
	CreatedAt    time.Time
}

// NotificationKind mirrors the message variants plus social events.
type NotificationKind string

const (
	NotifyPrivate       NotificationKind = "private"
	NotifyRoom          NotificationKind = "room"
	NotifyClan          NotificationKind = "clan"
	NotifyFriendRequest NotificationKind = "friendRequest"
)

// Notification is the durable record created for recipients that were
// not reachable live at fan-out time.
type Notification struct {
	ID          string
	RecipientID string
	Kind        NotificationKind
	Preview     string
	MessageID   string
	Read        bool
	CreatedAt   time.Time
}

// Room is the durable chat room row. Membership rows are kept separately;
// the in-memory active-socket set never appears here. Clan rooms are
// rooms whose ID is the owning clan id.
type Room struct {
	ID        string
	Name      string
	CreatorID string
	Private   bool
	Clan      bool
	CreatedAt time.Time
}

// IdentityStore resolves user snapshots and mirrors presence/activity
// into durable rows. Consumed read-mostly by the real-time layer.
type IdentityStore interface {
	ResolveIdentity(ctx context.Context, id string) (Identity, error)
	UpdateLastActive(ctx context.Context, id string, at time.Time) error
	SetPresence(ctx context.Context, userID, connID, status string) error
	ClearPresence(ctx context.Context, userID string) error
}

// MessageStore persists messages synchronously before fan-out and serves
// recent-history reads.
type MessageStore interface {
	Persist(ctx context.Context, msg Message) (string, error)
	RecentPublic(ctx context.Context, category string, limit int) ([]Message, error)
	RecentPrivate(ctx context.Context, userA, userB string, limit int) ([]Message, error)
	RecentRoom(ctx context.Context, roomID string, limit int) ([]Message, error)
}

// NotificationStore persists notification rows.
type NotificationStore interface {
	Create(ctx context.Context, n Notification) (string, error)
	ListUnread(ctx context.Context, recipientID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id, recipientID string) error
}

// RoomStore persists rooms and their durable membership sets.
type RoomStore interface {
	CreateRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, id string) (Room, error)
	GetRoomByName(ctx context.Context, name string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	DeleteRoom(ctx context.Context, id string) error
	CountOwnedBy(ctx context.Context, creatorID string) (int, error)
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	Members(ctx context.Context, roomID string) ([]string, error)
	MemberCount(ctx context.Context, roomID string) (int, error)
}
