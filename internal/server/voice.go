// Voice Room Coordinator: ephemeral voice-call rooms and WebRTC-style
// signaling relay. Voice rooms exist only in memory and are deleted the
// instant their participant list empties; there is no grace period,
// unlike chat rooms which carry durable membership.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harbourchat/harbour/internal/store"
)

const defaultVoiceCapacity = 8

// VoiceRoomInfo is the client-facing snapshot of a voice room.
type VoiceRoomInfo struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	CreatorID       string             `json:"creatorId"`
	GroupID         string             `json:"groupId,omitempty"`
	MaxParticipants int                `json:"maxParticipants"`
	Participants    []VoiceParticipant `json:"participants"`
}

// VoiceParticipant is one user-connection pair inside a voice room.
type VoiceParticipant struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
	Name   string `json:"name,omitempty"`
}

type voiceRoom struct {
	id           string
	name         string
	creatorID    string
	groupID      string
	max          int
	createdAt    time.Time
	participants map[string]*Client // userID -> connection
}

// VoiceRoomCoordinator owns all voice rooms. Participant lists are
// mutated only through its methods; relay looks a target up within the
// named room only, never globally.
type VoiceRoomCoordinator struct {
	mu     sync.RWMutex
	rooms  map[string]*voiceRoom
	logger *slog.Logger
	now    func() time.Time
}

// NewVoiceRoomCoordinator creates an empty coordinator.
func NewVoiceRoomCoordinator(now func() time.Time, logger *slog.Logger) *VoiceRoomCoordinator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceRoomCoordinator{
		rooms:  make(map[string]*voiceRoom),
		logger: logger.With(slog.String("component", "voice_coordinator")),
		now:    now,
	}
}

// Create creates a voice room and joins the creator's connection to it.
func (v *VoiceRoomCoordinator) Create(c *Client, creator store.Identity, name string, maxParticipants int, groupID string) (VoiceRoomInfo, error) {
	if name == "" {
		return VoiceRoomInfo{}, errValidation("voice room name is required")
	}
	if maxParticipants <= 0 {
		maxParticipants = defaultVoiceCapacity
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if c.voiceRoom != "" {
		return VoiceRoomInfo{}, errValidation("already in a voice room")
	}

	room := &voiceRoom{
		id:           uuid.NewString(),
		name:         name,
		creatorID:    creator.ID,
		groupID:      groupID,
		max:          maxParticipants,
		createdAt:    v.now(),
		participants: map[string]*Client{creator.ID: c},
	}
	v.rooms[room.id] = room
	c.voiceRoom = room.id

	v.logger.Info("voice room created", "room", room.id, "name", name, "creator", creator.ID)
	return v.snapshotLocked(room), nil
}

// Join adds the connection to the voice room. It rejects a missing room
// and a room at capacity, and returns the other participants so the
// caller can announce the newcomer.
func (v *VoiceRoomCoordinator) Join(c *Client, ident store.Identity, roomID string) (VoiceRoomInfo, []*Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	room, ok := v.rooms[roomID]
	if !ok {
		return VoiceRoomInfo{}, nil, errNotFound("voice room not found")
	}
	if c.voiceRoom != "" && c.voiceRoom != roomID {
		return VoiceRoomInfo{}, nil, errValidation("already in a voice room")
	}
	if _, joined := room.participants[ident.ID]; !joined && len(room.participants) >= room.max {
		return VoiceRoomInfo{}, nil, errCapacity("voice room is full")
	}

	others := make([]*Client, 0, len(room.participants))
	for _, peer := range room.participants {
		if peer != c {
			others = append(others, peer)
		}
	}
	// A rejoin from a new connection supersedes the old one; detach
	// the old connection so its later disconnect does not double-leave.
	if prev, joined := room.participants[ident.ID]; joined && prev != c {
		prev.voiceRoom = ""
	}
	room.participants[ident.ID] = c
	c.voiceRoom = roomID

	return v.snapshotLocked(room), others, nil
}

// Leave removes the connection from the voice room and deletes the room
// immediately if it became empty. It returns whether the room was
// deleted and the remaining participants.
func (v *VoiceRoomCoordinator) Leave(c *Client, roomID string) (bool, []*Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	room, ok := v.rooms[roomID]
	if !ok {
		return false, nil, errNotFound("voice room not found")
	}

	removed := false
	for userID, peer := range room.participants {
		if peer == c {
			delete(room.participants, userID)
			removed = true
			break
		}
	}
	if !removed {
		return false, nil, errNotFound("not a participant of this voice room")
	}
	c.voiceRoom = ""

	if len(room.participants) == 0 {
		delete(v.rooms, roomID)
		v.logger.Info("voice room deleted", "room", roomID)
		return true, nil, nil
	}

	remaining := make([]*Client, 0, len(room.participants))
	for _, peer := range room.participants {
		remaining = append(remaining, peer)
	}
	return false, remaining, nil
}

// DetachConnection removes the connection from whichever voice room it
// is in, applying the same empty-room deletion rule. It returns the room
// id, whether the room was deleted, and the remaining participants; the
// empty room id means the connection was in no voice room.
func (v *VoiceRoomCoordinator) DetachConnection(c *Client) (string, bool, []*Client) {
	v.mu.Lock()
	roomID := c.voiceRoom
	v.mu.Unlock()
	if roomID == "" {
		return "", false, nil
	}
	deleted, remaining, err := v.Leave(c, roomID)
	if err != nil {
		return "", false, nil
	}
	return roomID, deleted, remaining
}

// Relay resolves the target participant's connection within the named
// voice room only. The signaling payload is forwarded verbatim by the
// caller; the coordinator never inspects it.
func (v *VoiceRoomCoordinator) Relay(roomID, fromUserID, toUserID string) (*Client, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	room, ok := v.rooms[roomID]
	if !ok {
		return nil, errNotFound("voice room not found")
	}
	if _, ok := room.participants[fromUserID]; !ok {
		return nil, errPermissionDenied("not a participant of this voice room")
	}
	target, ok := room.participants[toUserID]
	if !ok {
		return nil, errNotFound("target is not in this voice room")
	}
	return target, nil
}

// Info returns a snapshot of the voice room.
func (v *VoiceRoomCoordinator) Info(roomID string) (VoiceRoomInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	room, ok := v.rooms[roomID]
	if !ok {
		return VoiceRoomInfo{}, errNotFound("voice room not found")
	}
	return v.snapshotLocked(room), nil
}

// RoomCount returns the number of live voice rooms.
func (v *VoiceRoomCoordinator) RoomCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.rooms)
}

func (v *VoiceRoomCoordinator) snapshotLocked(room *voiceRoom) VoiceRoomInfo {
	info := VoiceRoomInfo{
		ID:              room.id,
		Name:            room.name,
		CreatorID:       room.creatorID,
		GroupID:         room.groupID,
		MaxParticipants: room.max,
		Participants:    make([]VoiceParticipant, 0, len(room.participants)),
	}
	for userID, peer := range room.participants {
		participant := VoiceParticipant{UserID: userID, ConnID: peer.id}
		if ident := peer.Identity(); ident != nil {
			participant.Name = ident.Name
		}
		info.Participants = append(info.Participants, participant)
	}
	return info
}
