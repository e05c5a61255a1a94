// Event protocol shared between the hub and connected clients. Every
// frame on the wire is an Event envelope: a type tag plus an opaque JSON
// payload decoded by the matching handler.
package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/harbourchat/harbour/internal/store"
)

// EventType tags inbound commands and outbound pushes.
type EventType string

// Inbound command vocabulary.
const (
	EventJoin                 EventType = "join"
	EventSendMessage          EventType = "sendMessage"
	EventUpdateStatus         EventType = "updateStatus"
	EventCreateRoom           EventType = "createRoom"
	EventJoinRoom             EventType = "joinRoom"
	EventLeaveRoom            EventType = "leaveRoom"
	EventDeleteRoom           EventType = "deleteRoom"
	EventGetOnlineUsers       EventType = "getOnlineUsers"
	EventGetChatRooms         EventType = "getChatRooms"
	EventGetNotifications     EventType = "getNotifications"
	EventMarkNotificationRead EventType = "markNotificationRead"
	EventFriendRequest        EventType = "friendRequest"
	EventVoiceCreate          EventType = "voiceCreate"
	EventVoiceJoin            EventType = "voiceJoin"
	EventVoiceLeave           EventType = "voiceLeave"
	EventVoiceOffer           EventType = "voiceOffer"
	EventVoiceAnswer          EventType = "voiceAnswer"
	EventVoiceICECandidate    EventType = "voiceIceCandidate"
	EventVoiceInvite          EventType = "voiceInvite"
)

// Outbound event vocabulary.
const (
	EventAck             EventType = "ack"
	EventError           EventType = "error"
	EventUserOnline      EventType = "userOnline"
	EventUserOffline     EventType = "userOffline"
	EventStatusChanged   EventType = "statusChanged"
	EventChatMessage     EventType = "chatMessage"
	EventSystemMessage   EventType = "systemMessage"
	EventRoomDeleted     EventType = "roomDeleted"
	EventNewNotification EventType = "newNotification"
	EventVoicePeerJoined EventType = "voicePeerJoined"
	EventVoicePeerLeft   EventType = "voicePeerLeft"
	EventVoiceSignal     EventType = "voiceSignal"
	EventVoiceInvited    EventType = "voiceInvited"
)

// Event is the wire envelope for both directions.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- inbound payloads ---

// JoinRequest authenticates a raw connection. Token is the HMAC-signed
// session token issued by the identity service; Channels optionally
// subscribes the connection to public category channels beyond the
// default one.
type JoinRequest struct {
	Token    string   `json:"token"`
	Channels []string `json:"channels,omitempty"`
}

// SendMessageRequest is the message draft routed by the Message Router.
// Exactly one of Category (optional for public), RecipientID, or RoomID
// is meaningful, selected by Kind.
type SendMessageRequest struct {
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	Category    string `json:"category,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
}

// UpdateStatusRequest switches the sender's presence status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// CreateRoomRequest creates a custom chat room.
type CreateRoomRequest struct {
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

// RoomRequest targets an existing chat room by id.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// MarkNotificationReadRequest acknowledges one notification.
type MarkNotificationReadRequest struct {
	NotificationID string `json:"notificationId"`
}

// FriendRequestRequest notifies another user of a friend request. The
// notification is written regardless of the recipient's presence.
type FriendRequestRequest struct {
	RecipientID string `json:"recipientId"`
}

// VoiceCreateRequest creates an ephemeral voice room.
type VoiceCreateRequest struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants"`
	GroupID         string `json:"groupId,omitempty"`
}

// VoiceRoomRequest targets an existing voice room.
type VoiceRoomRequest struct {
	RoomID string `json:"roomId"`
}

// VoiceSignalRequest relays an opaque WebRTC signaling payload to one
// participant of a voice room. The payload is never inspected.
type VoiceSignalRequest struct {
	RoomID       string          `json:"roomId"`
	TargetUserID string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

// VoiceInviteRequest invites another user into a voice room.
type VoiceInviteRequest struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
}

// --- outbound payloads ---

// AckPayload acknowledges one inbound event. Data is handler-specific.
type AckPayload struct {
	For  EventType `json:"for"`
	Data any       `json:"data,omitempty"`
}

// ErrorPayload reports a routed error for one inbound event.
type ErrorPayload struct {
	For     EventType `json:"for"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// PresencePayload announces a presence transition or status change.
type PresencePayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// MessagePayload is the delivered form of a chat message.
type MessagePayload struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	SenderAvatar string    `json:"senderAvatar,omitempty"`
	Category     string    `json:"category,omitempty"`
	RecipientID  string    `json:"recipientId,omitempty"`
	RoomID       string    `json:"roomId,omitempty"`
	RoomName     string    `json:"roomName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func messagePayload(msg store.Message) MessagePayload {
	return MessagePayload{
		ID:           msg.ID,
		Kind:         string(msg.Kind),
		Text:         msg.Text,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderAvatar: msg.SenderAvatar,
		Category:     msg.Category,
		RecipientID:  msg.RecipientID,
		RoomID:       msg.RoomID,
		RoomName:     msg.RoomName,
		CreatedAt:    msg.CreatedAt,
	}
}

// SystemMessagePayload carries room lifecycle announcements.
type SystemMessagePayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// RoomDeletedPayload tells clients to drop a room from their lists.
type RoomDeletedPayload struct {
	RoomID string `json:"roomId"`
}

// NotificationPayload is the live "new notification" push.
type NotificationPayload struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Preview   string    `json:"preview"`
	MessageID string    `json:"messageId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// VoicePeerPayload announces a participant joining or leaving a voice room.
type VoicePeerPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// VoiceSignalPayload forwards a signaling payload with the sender attached.
type VoiceSignalPayload struct {
	RoomID     string          `json:"roomId"`
	Signal     string          `json:"signal"`
	FromUserID string          `json:"fromUserId"`
	FromName   string          `json:"fromName,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// VoiceInvitedPayload is pushed to an invited user's connections.
type VoiceInvitedPayload struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
	FromID   string `json:"fromId"`
	FromName string `json:"fromName"`
}

// marshalEvent encodes an outbound event envelope. Marshal failures are
// programming errors on our own payload types; they are logged and
// produce a nil frame that senders skip.
func marshalEvent(t EventType, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			slog.Error("encode event payload", "type", string(t), "error", err)
			return nil
		}
		raw = encoded
	}
	frame, err := json.Marshal(Event{Type: t, Payload: raw})
	if err != nil {
		slog.Error("encode event envelope", "type", string(t), "error", err)
		return nil
	}
	return frame
}

func ackEvent(for_ EventType, data any) []byte {
	return marshalEvent(EventAck, AckPayload{For: for_, Data: data})
}

func errorEvent(for_ EventType, routed *Error) []byte {
	return marshalEvent(EventError, ErrorPayload{For: for_, Code: routed.Code, Message: routed.Message})
}
