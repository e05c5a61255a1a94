// Inbound event dispatch: decodes command payloads, enforces the
// authentication gate, invokes the owning component, and sends exactly
// one acknowledgment or error back to the issuing connection.
package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harbourchat/harbour/internal/store"
)

// noAck marks handlers that acknowledge through broadcasts only.
var noAck = &struct{}{}

// dispatch routes one decoded event from a client's read pump. Handler
// bodies run on the pump goroutine, which preserves per-sender ordering;
// there is no mid-flight cancellation, so a disconnect racing a dispatch
// best-effort-delivers to whatever connections remain valid.
func (h *Hub) dispatch(c *Client, ev Event) {
	ctx := context.Background()

	if ev.Type != EventJoin && c.Identity() == nil {
		routed := errAuthRequired("join the server first")
		h.metrics.recordRejected(ctx, routed.Code)
		c.enqueue(errorEvent(ev.Type, routed))
		return
	}

	var (
		data any
		err  error
	)
	switch ev.Type {
	case EventJoin:
		data, err = h.handleJoin(ctx, c, ev.Payload)
	case EventSendMessage:
		data, err = h.handleSendMessage(ctx, c, ev.Payload)
	case EventUpdateStatus:
		data, err = h.handleUpdateStatus(ctx, c, ev.Payload)
	case EventCreateRoom:
		data, err = h.handleCreateRoom(ctx, c, ev.Payload)
	case EventJoinRoom:
		data, err = h.handleJoinRoom(ctx, c, ev.Payload)
	case EventLeaveRoom:
		data, err = h.handleLeaveRoom(ctx, c, ev.Payload)
	case EventDeleteRoom:
		data, err = h.handleDeleteRoom(ctx, c, ev.Payload)
	case EventGetOnlineUsers:
		data, err = h.handleGetOnlineUsers(ctx, c)
	case EventGetChatRooms:
		data, err = h.handleGetChatRooms(ctx, c)
	case EventGetNotifications:
		data, err = h.handleGetNotifications(ctx, c)
	case EventMarkNotificationRead:
		data, err = h.handleMarkNotificationRead(ctx, c, ev.Payload)
	case EventFriendRequest:
		data, err = h.handleFriendRequest(ctx, c, ev.Payload)
	case EventVoiceCreate:
		data, err = h.handleVoiceCreate(ctx, c, ev.Payload)
	case EventVoiceJoin:
		data, err = h.handleVoiceJoin(ctx, c, ev.Payload)
	case EventVoiceLeave:
		data, err = h.handleVoiceLeave(ctx, c, ev.Payload)
	case EventVoiceOffer, EventVoiceAnswer, EventVoiceICECandidate:
		data, err = h.handleVoiceSignal(ctx, c, ev.Type, ev.Payload)
	case EventVoiceInvite:
		data, err = h.handleVoiceInvite(ctx, c, ev.Payload)
	default:
		err = errValidation("unknown event type")
	}

	if err != nil {
		routed := asRoutedError(err)
		h.metrics.recordRejected(ctx, routed.Code)
		c.enqueue(errorEvent(ev.Type, routed))
		return
	}
	if data == noAck {
		return
	}
	c.enqueue(ackEvent(ev.Type, data))
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errValidation("missing event payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errValidation("malformed event payload")
	}
	return nil
}

// JoinResult is the ack payload for a successful join.
type JoinResult struct {
	User          OnlineUser       `json:"user"`
	OnlineUsers   []OnlineUser     `json:"onlineUsers"`
	RecentHistory []MessagePayload `json:"recentHistory,omitempty"`
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if c.Identity() != nil {
		return nil, errValidation("connection is already joined")
	}

	var req JoinRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}

	userID, err := verifySessionToken(h.sessionSecret, req.Token)
	if err != nil {
		h.logger.Warn("join rejected", "addr", c.addr, "error", err)
		return nil, errAuthRequired("invalid session token")
	}

	ident, err := h.identities.ResolveIdentity(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errAuthRequired("unknown identity")
		}
		return nil, errStoreFailure("could not resolve identity")
	}
	if ident.Name == "" {
		return nil, errAuthRequired("identity is missing required fields")
	}

	c.attachIdentity(ident, req.Channels, h.cfg.DefaultChannel)
	first := h.presence.Attach(c, ident.ID, ident.Name, ident.Avatar)
	if err := h.identities.SetPresence(ctx, ident.ID, c.id, string(StatusOnline)); err != nil {
		h.logger.Warn("set durable presence failed", "user", ident.ID, "error", err)
	}
	if first {
		h.broadcastAll(marshalEvent(EventUserOnline, PresencePayload{
			UserID: ident.ID,
			Name:   ident.Name,
			Status: string(StatusOnline),
		}))
	}

	result := JoinResult{
		User: OnlineUser{
			UserID: ident.ID,
			Name:   ident.Name,
			Avatar: ident.Avatar,
			Status: string(StatusOnline),
		},
		OnlineUsers: h.presence.ListOnline(),
	}
	history, err := h.messages.RecentPublic(ctx, h.cfg.DefaultChannel, h.cfg.HistoryLimit)
	if err != nil {
		h.logger.Warn("history backfill failed", "channel", h.cfg.DefaultChannel, "error", err)
	} else {
		for _, msg := range history {
			result.RecentHistory = append(result.RecentHistory, messagePayload(msg))
		}
	}

	h.logger.Info("client joined", "user", ident.ID, "name", ident.Name, "conn", c.id)
	return result, nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var draft SendMessageRequest
	if err := decodePayload(raw, &draft); err != nil {
		return nil, err
	}
	msg, err := h.router.Route(ctx, c, draft)
	if err != nil {
		return nil, err
	}
	h.metrics.recordRouted(ctx, string(msg.Kind))
	return messagePayload(msg), nil
}

func (h *Hub) handleUpdateStatus(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req UpdateStatusRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	ident := c.Identity()
	if err := h.presence.SetStatus(ident.ID, Status(req.Status)); err != nil {
		return nil, err
	}
	if err := h.identities.SetPresence(ctx, ident.ID, c.id, req.Status); err != nil {
		h.logger.Warn("durable status update failed", "user", ident.ID, "error", err)
	}
	h.broadcastAll(marshalEvent(EventStatusChanged, PresencePayload{
		UserID: ident.ID,
		Name:   ident.Name,
		Status: req.Status,
	}))
	// Status updates acknowledge through the broadcast alone.
	return noAck, nil
}

func (h *Hub) handleCreateRoom(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req CreateRoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	creator, err := h.identities.ResolveIdentity(ctx, c.UserID())
	if err != nil {
		return nil, err
	}
	room, err := h.rooms.CreateRoom(ctx, creator, req.Name, req.Private)
	if err != nil {
		return nil, err
	}
	return RoomSummary{
		ID:        room.ID,
		Name:      room.Name,
		Private:   room.Private,
		CreatedAt: room.CreatedAt,
	}, nil
}

// JoinRoomResult is the ack payload for joinRoom, including the room's
// recent history for backfill.
type JoinRoomResult struct {
	Room          RoomSummary      `json:"room"`
	RecentHistory []MessagePayload `json:"recentHistory,omitempty"`
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req RoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	room, first, err := h.rooms.JoinRoom(ctx, c, req.RoomID)
	if err != nil {
		return nil, err
	}

	ident := c.Identity()
	if first {
		frame := marshalEvent(EventSystemMessage, SystemMessagePayload{
			RoomID: room.ID,
			Text:   ident.Name + " joined the room",
		})
		for _, peer := range h.rooms.ActiveClients(room.ID) {
			h.safeSend(peer, frame)
		}
	}

	members, err := h.roomStore.MemberCount(ctx, room.ID)
	if err != nil {
		h.logger.Warn("member count read failed", "room", room.ID, "error", err)
	}
	result := JoinRoomResult{
		Room: RoomSummary{
			ID:          room.ID,
			Name:        room.Name,
			Private:     room.Private,
			Clan:        room.Clan,
			MemberCount: members,
			ActiveCount: len(h.rooms.ActiveClients(room.ID)),
			CreatedAt:   room.CreatedAt,
		},
	}
	history, err := h.messages.RecentRoom(ctx, room.ID, h.cfg.HistoryLimit)
	if err != nil {
		h.logger.Warn("room history backfill failed", "room", room.ID, "error", err)
	} else {
		for _, msg := range history {
			result.RecentHistory = append(result.RecentHistory, messagePayload(msg))
		}
	}
	return result, nil
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req RoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	if err := h.rooms.LeaveRoom(ctx, c, req.RoomID); err != nil {
		return nil, err
	}
	return RoomDeletedPayload{RoomID: req.RoomID}, nil
}

func (h *Hub) handleDeleteRoom(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req RoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	requester, err := h.identities.ResolveIdentity(ctx, c.UserID())
	if err != nil {
		return nil, err
	}
	if err := h.rooms.DeleteRoom(ctx, requester, req.RoomID); err != nil {
		return nil, err
	}
	return RoomDeletedPayload{RoomID: req.RoomID}, nil
}

func (h *Hub) handleGetOnlineUsers(_ context.Context, _ *Client) (any, error) {
	return h.presence.ListOnline(), nil
}

func (h *Hub) handleGetChatRooms(ctx context.Context, c *Client) (any, error) {
	rooms, err := h.rooms.ListVisible(ctx, *c.Identity())
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (h *Hub) handleGetNotifications(ctx context.Context, c *Client) (any, error) {
	notifications, err := h.notifications.ListUnread(ctx, c.UserID(), h.cfg.HistoryLimit)
	if err != nil {
		return nil, errStoreFailure("could not load notifications")
	}
	out := make([]NotificationPayload, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, NotificationPayload{
			ID:        n.ID,
			Kind:      string(n.Kind),
			Preview:   n.Preview,
			MessageID: n.MessageID,
			CreatedAt: n.CreatedAt,
		})
	}
	return out, nil
}

func (h *Hub) handleMarkNotificationRead(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req MarkNotificationReadRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	if req.NotificationID == "" {
		return nil, errValidation("notification id is required")
	}
	if err := h.notifications.MarkRead(ctx, req.NotificationID, c.UserID()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotFound("notification not found")
		}
		return nil, errStoreFailure("could not update notification")
	}
	return nil, nil
}

func (h *Hub) handleFriendRequest(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req FriendRequestRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	if req.RecipientID == "" {
		return nil, errValidation("recipient id is required")
	}
	if _, err := h.identities.ResolveIdentity(ctx, req.RecipientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotFound("recipient not found")
		}
		return nil, errStoreFailure("could not resolve recipient")
	}
	ident := c.Identity()
	// Friend requests are notification-worthy regardless of presence.
	h.notifier.Notify(ctx, req.RecipientID, store.NotifyFriendRequest,
		ident.Name+" sent you a friend request", "", nil)
	return nil, nil
}

func (h *Hub) handleVoiceCreate(_ context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req VoiceCreateRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	info, err := h.voice.Create(c, *c.Identity(), req.Name, req.MaxParticipants, req.GroupID)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (h *Hub) handleVoiceJoin(_ context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req VoiceRoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	ident := c.Identity()
	info, others, err := h.voice.Join(c, *ident, req.RoomID)
	if err != nil {
		return nil, err
	}
	frame := marshalEvent(EventVoicePeerJoined, VoicePeerPayload{
		RoomID: req.RoomID,
		UserID: ident.ID,
		Name:   ident.Name,
	})
	for _, peer := range others {
		h.safeSend(peer, frame)
	}
	return info, nil
}

func (h *Hub) handleVoiceLeave(_ context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req VoiceRoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	ident := c.Identity()
	deleted, remaining, err := h.voice.Leave(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		frame := marshalEvent(EventVoicePeerLeft, VoicePeerPayload{
			RoomID: req.RoomID,
			UserID: ident.ID,
			Name:   ident.Name,
		})
		for _, peer := range remaining {
			h.safeSend(peer, frame)
		}
	}
	return nil, nil
}

var signalNames = map[EventType]string{
	EventVoiceOffer:        "offer",
	EventVoiceAnswer:       "answer",
	EventVoiceICECandidate: "ice-candidate",
}

func (h *Hub) handleVoiceSignal(_ context.Context, c *Client, kind EventType, raw json.RawMessage) (any, error) {
	var req VoiceSignalRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	if req.RoomID == "" || req.TargetUserID == "" {
		return nil, errValidation("signal needs a room id and target user")
	}
	ident := c.Identity()
	target, err := h.voice.Relay(req.RoomID, ident.ID, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	// The payload is forwarded verbatim with the sender attached; its
	// structure is never inspected.
	h.safeSend(target, marshalEvent(EventVoiceSignal, VoiceSignalPayload{
		RoomID:     req.RoomID,
		Signal:     signalNames[kind],
		FromUserID: ident.ID,
		FromName:   ident.Name,
		Payload:    req.Payload,
	}))
	return nil, nil
}

func (h *Hub) handleVoiceInvite(_ context.Context, c *Client, raw json.RawMessage) (any, error) {
	var req VoiceInviteRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	ident := c.Identity()
	info, err := h.voice.Info(req.RoomID)
	if err != nil {
		return nil, err
	}
	conns := h.presence.ConnectionsFor(req.TargetUserID)
	if len(conns) == 0 {
		return nil, errNotFound("user is not online")
	}
	frame := marshalEvent(EventVoiceInvited, VoiceInvitedPayload{
		RoomID:   info.ID,
		RoomName: info.Name,
		FromID:   ident.ID,
		FromName: ident.Name,
	})
	for _, conn := range conns {
		h.safeSend(conn, frame)
	}
	return nil, nil
}
