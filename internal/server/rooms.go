// Room Registry: lifecycle manager for chat rooms. Durable room and
// membership rows live in the room store; the registry owns only the
// ephemeral active-socket sets and joins the two views at read time.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harbourchat/harbour/internal/store"
)

// RoomSummary is the read-time join of a room row with its live state,
// as returned by ListVisible.
type RoomSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Private     bool      `json:"private"`
	Clan        bool      `json:"clan,omitempty"`
	MemberCount int       `json:"memberCount"`
	ActiveCount int       `json:"activeCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RoomRegistry manages chat room lifecycle: creation, membership,
// active-socket tracking, and age-gated cleanup of empty rooms. The
// active map is mutated only through registry methods.
type RoomRegistry struct {
	mu     sync.RWMutex
	active map[string]map[*Client]struct{}

	store         store.RoomStore
	logger        *slog.Logger
	now           func() time.Time
	grace         time.Duration
	defaultRoomID string

	// onRoomDeleted is invoked after any room deletion so the hub can
	// broadcast a room-deleted event for client list reconciliation.
	onRoomDeleted func(roomID string)
}

// NewRoomRegistry creates a registry over the given room store. The now
// function is injectable for tests; nil means time.Now.
func NewRoomRegistry(rooms store.RoomStore, grace time.Duration, defaultRoomID string, now func() time.Time, logger *slog.Logger) *RoomRegistry {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomRegistry{
		active:        make(map[string]map[*Client]struct{}),
		store:         rooms,
		logger:        logger.With(slog.String("component", "room_registry")),
		now:           now,
		grace:         grace,
		defaultRoomID: defaultRoomID,
	}
}

// SetRoomDeletedHook installs the deletion broadcast callback. Must be
// called before the registry starts serving events.
func (r *RoomRegistry) SetRoomDeletedHook(fn func(roomID string)) {
	r.onRoomDeleted = fn
}

// CreateRoom creates a new custom chat room. It rejects duplicate names
// and enforces the one-custom-room-per-user limit that bounds resource
// growth.
func (r *RoomRegistry) CreateRoom(ctx context.Context, creator store.Identity, name string, private bool) (store.Room, error) {
	if name == "" {
		return store.Room{}, errValidation("room name is required")
	}
	if !creator.Perms.CreateRooms {
		return store.Room{}, errPermissionDenied("room creation is disabled for this account")
	}

	if _, err := r.store.GetRoomByName(ctx, name); err == nil {
		return store.Room{}, errValidation("a room with this name already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Room{}, fmt.Errorf("check room name: %w", err)
	}

	owned, err := r.store.CountOwnedBy(ctx, creator.ID)
	if err != nil {
		return store.Room{}, fmt.Errorf("count owned rooms: %w", err)
	}
	if owned >= 1 {
		return store.Room{}, errCapacity("only one custom room per user")
	}

	room := store.Room{
		ID:        uuid.NewString(),
		Name:      name,
		CreatorID: creator.ID,
		Private:   private,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.CreateRoom(ctx, room); err != nil {
		return store.Room{}, fmt.Errorf("create room: %w", err)
	}
	r.logger.Info("room created", "room", room.ID, "name", name, "creator", creator.ID)
	return room, nil
}

// JoinRoom adds the connection's identity to durable membership if
// absent and the connection to the active-socket set. It returns the
// room and whether this was a first-time join (as opposed to a reconnect
// of an existing member).
func (r *RoomRegistry) JoinRoom(ctx context.Context, c *Client, roomID string) (store.Room, bool, error) {
	ident := c.Identity()
	if ident == nil {
		return store.Room{}, false, errAuthRequired("join the server before joining rooms")
	}

	room, err := r.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Room{}, false, errNotFound("room not found")
	}
	if err != nil {
		return store.Room{}, false, fmt.Errorf("resolve room: %w", err)
	}

	member, err := r.store.IsMember(ctx, roomID, ident.ID)
	if err != nil {
		return store.Room{}, false, fmt.Errorf("check membership: %w", err)
	}
	if room.Private && !member && room.CreatorID != ident.ID {
		return store.Room{}, false, errPermissionDenied("this room is private")
	}

	first := !member
	if first {
		if err := r.store.AddMember(ctx, roomID, ident.ID); err != nil {
			return store.Room{}, false, fmt.Errorf("add member: %w", err)
		}
	}

	r.mu.Lock()
	if r.active[roomID] == nil {
		r.active[roomID] = make(map[*Client]struct{})
	}
	r.active[roomID][c] = struct{}{}
	c.rooms[roomID] = struct{}{}
	r.mu.Unlock()

	return room, first, nil
}

// LeaveRoom removes the connection from the active set and the user from
// durable membership, then runs the triggered cleanup check.
func (r *RoomRegistry) LeaveRoom(ctx context.Context, c *Client, roomID string) error {
	ident := c.Identity()
	if ident == nil {
		return errAuthRequired("join the server before leaving rooms")
	}

	if _, err := r.store.GetRoom(ctx, roomID); errors.Is(err, store.ErrNotFound) {
		return errNotFound("room not found")
	} else if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}

	if err := r.store.RemoveMember(ctx, roomID, ident.ID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	r.mu.Lock()
	if conns, ok := r.active[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.active, roomID)
		}
	}
	delete(c.rooms, roomID)
	r.mu.Unlock()

	if _, err := r.DeleteIfEmpty(ctx, roomID); err != nil {
		r.logger.Error("triggered cleanup failed", "room", roomID, "error", err)
	}
	return nil
}

// DetachConnection removes the connection from every active-socket set
// it is in. It returns the ids of rooms whose active set became empty,
// for which the caller runs the cleanup check, and, for rooms that
// still have occupants, a snapshot of the remaining connections so the
// departure can be broadcast to them.
func (r *RoomRegistry) DetachConnection(c *Client) (emptied []string, remaining map[string][]*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining = make(map[string][]*Client)
	for roomID := range c.rooms {
		conns, ok := r.active[roomID]
		if !ok {
			continue
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.active, roomID)
			emptied = append(emptied, roomID)
			continue
		}
		stay := make([]*Client, 0, len(conns))
		for peer := range conns {
			stay = append(stay, peer)
		}
		remaining[roomID] = stay
	}
	c.rooms = make(map[string]struct{})
	return emptied, remaining
}

// DeleteIfEmpty deletes the room when its active-socket set is empty,
// its durable membership is empty, it is older than the grace window,
// and it is not the distinguished room. Deleting an already-deleted room
// is a no-op, not an error; triggered and periodic cleanups may race on
// the same room. Returns whether this call deleted the room.
func (r *RoomRegistry) DeleteIfEmpty(ctx context.Context, roomID string) (bool, error) {
	if roomID == r.defaultRoomID {
		return false, nil
	}

	r.mu.RLock()
	activeCount := len(r.active[roomID])
	r.mu.RUnlock()
	if activeCount > 0 {
		return false, nil
	}

	room, err := r.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve room: %w", err)
	}

	members, err := r.store.MemberCount(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("count members: %w", err)
	}
	if members > 0 {
		return false, nil
	}

	if r.now().Sub(room.CreatedAt) < r.grace {
		return false, nil
	}

	// Membership was re-read above; a join that slipped in during the
	// store round-trip re-creates its membership row and simply leaves a
	// dangling delete race to the store's idempotent DeleteRoom.
	r.mu.Lock()
	stillActive := len(r.active[roomID]) > 0
	r.mu.Unlock()
	if stillActive {
		return false, nil
	}

	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return false, fmt.Errorf("delete room: %w", err)
	}
	r.logger.Info("room deleted", "room", roomID, "name", room.Name)
	if r.onRoomDeleted != nil {
		r.onRoomDeleted(roomID)
	}
	return true, nil
}

// DeleteRoom explicitly deletes a room on behalf of its creator (or an
// admin), regardless of occupancy. The distinguished room can never be
// deleted.
func (r *RoomRegistry) DeleteRoom(ctx context.Context, requester store.Identity, roomID string) error {
	if roomID == r.defaultRoomID {
		return errPermissionDenied("the default room cannot be deleted")
	}

	room, err := r.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound("room not found")
	}
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	if room.CreatorID != requester.ID && requester.Role != "admin" {
		return errPermissionDenied("only the room creator can delete it")
	}

	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}

	r.mu.Lock()
	for c := range r.active[roomID] {
		delete(c.rooms, roomID)
	}
	delete(r.active, roomID)
	r.mu.Unlock()

	r.logger.Info("room deleted by user", "room", roomID, "requester", requester.ID)
	if r.onRoomDeleted != nil {
		r.onRoomDeleted(roomID)
	}
	return nil
}

// Sweep runs one periodic cleanup pass over every room as a backstop
// against missed triggered cleanups.
func (r *RoomRegistry) Sweep(ctx context.Context) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		r.logger.Error("sweep: list rooms", "error", err)
		return
	}
	for _, room := range rooms {
		if _, err := r.DeleteIfEmpty(ctx, room.ID); err != nil {
			r.logger.Error("sweep: cleanup check failed", "room", room.ID, "error", err)
		}
	}
}

// Run executes Sweep on the fixed interval until the context is
// cancelled. Intended to be launched as a goroutine by the hub.
func (r *RoomRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// ListVisible returns the rooms the identity may see: the distinguished
// room always, any non-private room with members, and any private room
// the identity belongs to.
func (r *RoomRegistry) ListVisible(ctx context.Context, ident store.Identity) ([]RoomSummary, error) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	var out []RoomSummary
	for _, room := range rooms {
		members, err := r.store.MemberCount(ctx, room.ID)
		if err != nil {
			return nil, fmt.Errorf("count members: %w", err)
		}

		visible := room.ID == r.defaultRoomID
		if !visible && !room.Private && members > 0 {
			visible = true
		}
		if !visible && room.Private {
			isMember, err := r.store.IsMember(ctx, room.ID, ident.ID)
			if err != nil {
				return nil, fmt.Errorf("check membership: %w", err)
			}
			visible = isMember
		}
		if !visible {
			continue
		}

		out = append(out, RoomSummary{
			ID:          room.ID,
			Name:        room.Name,
			Private:     room.Private,
			Clan:        room.Clan,
			MemberCount: members,
			ActiveCount: r.activeCount(room.ID),
			CreatedAt:   room.CreatedAt,
		})
	}
	return out, nil
}

// ActiveClients returns a snapshot of the connections currently active
// in the room.
func (r *RoomRegistry) ActiveClients(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.active[roomID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *RoomRegistry) activeCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active[roomID])
}

// ActiveRoomCount returns how many rooms currently have live sockets.
func (r *RoomRegistry) ActiveRoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
