// Message Router: single entry point for inbound chat drafts. Gate
// check, classification by kind, synchronous persist, then best-effort
// per-recipient fan-out with mute filtering and offline notification.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harbourchat/harbour/internal/store"
)

// MessageRouter classifies inbound drafts and fans them out to the
// correct recipient set. Blocking errors before fan-out abort the whole
// dispatch; failures against an individual recipient are logged and do
// not affect the rest of the fan-out.
type MessageRouter struct {
	presence   *PresenceDirectory
	rooms      *RoomRegistry
	identities store.IdentityStore
	roomStore  store.RoomStore
	messages   store.MessageStore
	notifier   *NotificationGenerator
	send       func(*Client, []byte) bool
	allClients func() []*Client
	logger     *slog.Logger
	now        func() time.Time

	defaultChannel        string
	notifyActiveElsewhere bool
}

// RouterDeps bundles the router's collaborators.
type RouterDeps struct {
	Presence   *PresenceDirectory
	Rooms      *RoomRegistry
	Identities store.IdentityStore
	RoomStore  store.RoomStore
	Messages   store.MessageStore
	Notifier   *NotificationGenerator
	Send       func(*Client, []byte) bool
	AllClients func() []*Client
	Now        func() time.Time
	Logger     *slog.Logger

	DefaultChannel        string
	NotifyActiveElsewhere bool
}

// NewMessageRouter wires a router from its collaborators.
func NewMessageRouter(deps RouterDeps) *MessageRouter {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DefaultChannel == "" {
		deps.DefaultChannel = "general"
	}
	return &MessageRouter{
		presence:              deps.Presence,
		rooms:                 deps.Rooms,
		identities:            deps.Identities,
		roomStore:             deps.RoomStore,
		messages:              deps.Messages,
		notifier:              deps.Notifier,
		send:                  deps.Send,
		allClients:            deps.AllClients,
		logger:                deps.Logger.With(slog.String("component", "message_router")),
		now:                   deps.Now,
		defaultChannel:        deps.DefaultChannel,
		notifyActiveElsewhere: deps.NotifyActiveElsewhere,
	}
}

// Route processes one message draft from the sender connection. On
// success the persisted message is returned for the acknowledgment. All
// failures are routed errors for the sender only; nothing has been
// fanned out when an error is returned.
func (mr *MessageRouter) Route(ctx context.Context, c *Client, draft SendMessageRequest) (store.Message, error) {
	ident := c.Identity()
	if ident == nil {
		return store.Message{}, errAuthRequired("join the server before sending messages")
	}
	if draft.Text == "" {
		return store.Message{}, errValidation("message text is required")
	}

	// Gate: ban and permission state is re-resolved from the identity
	// store on every dispatch; the session snapshot may be stale.
	sender, err := mr.identities.ResolveIdentity(ctx, ident.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Message{}, errAuthRequired("unknown sender identity")
		}
		return store.Message{}, errStoreFailure("could not verify sender")
	}
	if sender.ChatBlocked() {
		return store.Message{}, errPermissionDenied("chat is disabled for this account")
	}

	var msg store.Message
	switch store.MessageKind(draft.Kind) {
	case store.MessagePrivate:
		msg, err = mr.routePrivate(ctx, c, sender, draft)
	case store.MessageRoom, store.MessageClan:
		msg, err = mr.routeRoom(ctx, c, sender, draft)
	case store.MessagePublic:
		msg, err = mr.routePublic(ctx, c, sender, draft)
	default:
		return store.Message{}, errValidation("unknown message kind")
	}
	if err != nil {
		return store.Message{}, err
	}

	mr.presence.Touch(sender.ID)
	if err := mr.identities.UpdateLastActive(ctx, sender.ID, mr.now()); err != nil {
		mr.logger.Warn("update last active failed", "user", sender.ID, "error", err)
	}
	return msg, nil
}

func (mr *MessageRouter) newMessage(kind store.MessageKind, sender store.Identity, text string) store.Message {
	return store.Message{
		Kind:         kind,
		Text:         text,
		SenderID:     sender.ID,
		SenderName:   sender.Name,
		SenderAvatar: sender.Avatar,
		CreatedAt:    mr.now().UTC(),
	}
}

func (mr *MessageRouter) persist(ctx context.Context, msg *store.Message) error {
	id, err := mr.messages.Persist(ctx, *msg)
	if err != nil {
		// An unpersisted message must not be delivered as if durable.
		mr.logger.Error("message persist failed", "kind", string(msg.Kind), "error", err)
		return errStoreFailure("message could not be stored")
	}
	msg.ID = id
	return nil
}

func (mr *MessageRouter) routePrivate(ctx context.Context, c *Client, sender store.Identity, draft SendMessageRequest) (store.Message, error) {
	if draft.RecipientID == "" {
		return store.Message{}, errValidation("private messages need a recipient")
	}

	recipient, err := mr.identities.ResolveIdentity(ctx, draft.RecipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Message{}, errNotFound("recipient not found")
		}
		return store.Message{}, errStoreFailure("could not resolve recipient")
	}

	msg := mr.newMessage(store.MessagePrivate, sender, draft.Text)
	msg.RecipientID = recipient.ID
	if err := mr.persist(ctx, &msg); err != nil {
		return store.Message{}, err
	}

	frame := marshalEvent(EventChatMessage, messagePayload(msg))
	conns := mr.presence.ConnectionsFor(recipient.ID)
	if len(conns) == 0 {
		mr.notifier.Notify(ctx, recipient.ID, store.NotifyPrivate, msg.Text, msg.ID, nil)
	} else if !recipient.HasMuted(sender.ID) {
		for _, conn := range conns {
			if !mr.send(conn, frame) {
				mr.logger.Warn("private delivery dropped", "recipient", recipient.ID, "conn", conn.id)
			}
		}
	}

	// The sender always sees their own message, muted or not.
	mr.send(c, frame)
	return msg, nil
}

func (mr *MessageRouter) routeRoom(ctx context.Context, c *Client, sender store.Identity, draft SendMessageRequest) (store.Message, error) {
	if draft.RoomID == "" {
		return store.Message{}, errValidation("room messages need a room id")
	}

	room, err := mr.roomStore.GetRoom(ctx, draft.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Message{}, errNotFound("room not found")
		}
		return store.Message{}, errStoreFailure("could not resolve room")
	}

	kind := store.MessageKind(draft.Kind)
	if kind == store.MessageClan {
		// Clan rooms are rooms whose id is the clan id; membership gates sending.
		member, err := mr.roomStore.IsMember(ctx, room.ID, sender.ID)
		if err != nil {
			return store.Message{}, errStoreFailure("could not verify membership")
		}
		if !member {
			return store.Message{}, errPermissionDenied("not a member of this clan")
		}
	}

	msg := mr.newMessage(kind, sender, draft.Text)
	msg.RoomID = room.ID
	msg.RoomName = room.Name
	if err := mr.persist(ctx, &msg); err != nil {
		return store.Message{}, err
	}

	frame := marshalEvent(EventChatMessage, messagePayload(msg))
	muted := mr.newMuteCache()
	activeUsers := make(map[string]struct{})
	delivered := make(map[*Client]struct{})

	for _, conn := range mr.rooms.ActiveClients(room.ID) {
		ownerID := conn.UserID()
		if ownerID == "" {
			continue
		}
		activeUsers[ownerID] = struct{}{}
		if ownerID != sender.ID && muted.hasMuted(ctx, mr, ownerID, sender.ID) {
			continue
		}
		if mr.send(conn, frame) {
			delivered[conn] = struct{}{}
		} else {
			mr.logger.Warn("room delivery dropped", "room", room.ID, "conn", conn.id)
		}
	}

	// Membership is re-read fresh after the persist round-trip; durable
	// members not concurrently present in the active-socket set get a
	// notification instead.
	members, err := mr.roomStore.Members(ctx, room.ID)
	if err != nil {
		mr.logger.Error("member list read failed, skipping notifications", "room", room.ID, "error", err)
		return msg, nil
	}
	notifyKind := store.NotifyRoom
	if kind == store.MessageClan {
		notifyKind = store.NotifyClan
	}
	for _, memberID := range members {
		if memberID == sender.ID {
			continue
		}
		if _, active := activeUsers[memberID]; active {
			continue
		}
		if !mr.notifyActiveElsewhere && mr.presence.IsOnline(memberID) {
			continue
		}
		if muted.hasMuted(ctx, mr, memberID, sender.ID) {
			continue
		}
		mr.notifier.Notify(ctx, memberID, notifyKind, msg.Text, msg.ID, delivered)
	}
	return msg, nil
}

func (mr *MessageRouter) routePublic(ctx context.Context, c *Client, sender store.Identity, draft SendMessageRequest) (store.Message, error) {
	channel := draft.Category
	if channel == "" {
		channel = mr.defaultChannel
	}

	msg := mr.newMessage(store.MessagePublic, sender, draft.Text)
	msg.Category = channel
	if err := mr.persist(ctx, &msg); err != nil {
		return store.Message{}, err
	}

	frame := marshalEvent(EventChatMessage, messagePayload(msg))
	muted := mr.newMuteCache()
	for _, conn := range mr.allClients() {
		ownerID := conn.UserID()
		if ownerID == "" || !conn.subscribedTo(channel) {
			continue
		}
		if ownerID != sender.ID && muted.hasMuted(ctx, mr, ownerID, sender.ID) {
			continue
		}
		if !mr.send(conn, frame) {
			mr.logger.Warn("public delivery dropped", "channel", channel, "conn", conn.id)
		}
	}
	return msg, nil
}

// muteCache memoizes mute lookups for the duration of a single dispatch.
// Mute relations are never cached across dispatches.
type muteCache struct {
	muted map[string]bool
}

func (mr *MessageRouter) newMuteCache() *muteCache {
	return &muteCache{muted: make(map[string]bool)}
}

// hasMuted reports whether owner has muted sender. A failed lookup is
// treated as not muted: delivery is best-effort per recipient and a
// store hiccup should not silently drop messages.
func (m *muteCache) hasMuted(ctx context.Context, mr *MessageRouter, ownerID, senderID string) bool {
	key := fmt.Sprintf("%s|%s", ownerID, senderID)
	if cached, ok := m.muted[key]; ok {
		return cached
	}
	owner, err := mr.identities.ResolveIdentity(ctx, ownerID)
	if err != nil {
		mr.logger.Warn("mute lookup failed", "user", ownerID, "error", err)
		m.muted[key] = false
		return false
	}
	result := owner.HasMuted(senderID)
	m.muted[key] = result
	return result
}
