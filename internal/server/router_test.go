package server

import (
	"context"
	"errors"
	"testing"

	"github.com/harbourchat/harbour/internal/store"
)

// routerHarness bundles the router with its collaborators so tests can
// inspect every side effect of a dispatch.
type routerHarness struct {
	router        *MessageRouter
	presence      *PresenceDirectory
	registry      *RoomRegistry
	idents        *fakeIdentityStore
	msgs          *fakeMessageStore
	notifications *fakeNotificationStore
	rooms         *fakeRoomStore
	clock         *fixedClock
	clients       []*Client
}

func newRouterHarness(notifyActiveElsewhere bool) *routerHarness {
	h := &routerHarness{
		idents:        newFakeIdentityStore(),
		msgs:          &fakeMessageStore{},
		notifications: &fakeNotificationStore{},
		rooms:         newFakeRoomStore(store.Room{ID: "general", Name: "General"}),
		clock:         newFixedClock(),
	}
	h.presence = NewPresenceDirectory(h.clock.Now)
	h.registry = NewRoomRegistry(h.rooms, testGrace, "general", h.clock.Now, nil)
	notifier := NewNotificationGenerator(h.presence, h.notifications, testSend, 80, h.clock.Now, nil)
	h.router = NewMessageRouter(RouterDeps{
		Presence:              h.presence,
		Rooms:                 h.registry,
		Identities:            h.idents,
		RoomStore:             h.rooms,
		Messages:              h.msgs,
		Notifier:              notifier,
		Send:                  testSend,
		AllClients:            func() []*Client { return h.clients },
		Now:                   h.clock.Now,
		DefaultChannel:        "general",
		NotifyActiveElsewhere: notifyActiveElsewhere,
	})
	return h
}

// connect registers an identity, creates a connection for it, and
// attaches it to presence, mirroring a completed join.
func (h *routerHarness) connect(ident store.Identity) *Client {
	h.idents.put(ident)
	c := newTestClient(ident)
	h.presence.Attach(c, ident.ID, ident.Name, ident.Avatar)
	h.clients = append(h.clients, c)
	return c
}

// TestRouteRequiresAuthAndText covers the universal gate checks.
func TestRouteRequiresAuthAndText(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()

	anon := newTestClient(store.Identity{})
	_, err := h.router.Route(ctx, anon, SendMessageRequest{Kind: "public", Text: "hi"})
	wantErrorCode(t, err, CodeAuthRequired)

	sender := h.connect(chatUser("u1", "Anna"))
	_, err = h.router.Route(ctx, sender, SendMessageRequest{Kind: "public"})
	wantErrorCode(t, err, CodeValidation)

	_, err = h.router.Route(ctx, sender, SendMessageRequest{Kind: "telepathy", Text: "hi"})
	wantErrorCode(t, err, CodeValidation)
}

// TestRouteBlockedSenderDoesNotPersist verifies banned and
// permission-revoked senders are rejected before anything is stored or
// delivered.
func TestRouteBlockedSenderDoesNotPersist(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()

	banned := chatUser("u1", "Anna")
	banned.Ban = store.BanInfo{Active: true, Scopes: []string{"chat"}}
	sender := h.connect(banned)

	_, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "public", Text: "hi"})
	wantErrorCode(t, err, CodePermissionDenied)

	revoked := chatUser("u2", "Ben")
	revoked.Perms.Chat = false
	sender2 := h.connect(revoked)
	_, err = h.router.Route(ctx, sender2, SendMessageRequest{Kind: "public", Text: "hi"})
	wantErrorCode(t, err, CodePermissionDenied)

	if h.msgs.count() != 0 {
		t.Errorf("blocked sends must not be persisted, got %d messages", h.msgs.count())
	}
	if frames := queuedFrames(sender); len(frames) != 0 {
		t.Errorf("blocked sends must not produce frames, got %d", len(frames))
	}
}

// TestRouteGateUsesFreshIdentity verifies a ban applied after join takes
// effect on the next dispatch even though the session snapshot is clean.
func TestRouteGateUsesFreshIdentity(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))

	if _, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "public", Text: "hi"}); err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	banned := chatUser("u1", "Anna")
	banned.Ban = store.BanInfo{Active: true}
	h.idents.put(banned)

	_, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "public", Text: "hi again"})
	wantErrorCode(t, err, CodePermissionDenied)
}

// TestRoutePrivateDelivery verifies live delivery to every recipient
// connection plus the sender echo.
func TestRoutePrivateDelivery(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))
	rc1 := h.connect(chatUser("u2", "Ben"))
	rc2 := h.connect(chatUser("u2", "Ben"))

	msg, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "private", Text: "psst", RecipientID: "u2"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if msg.ID == "" || msg.RecipientID != "u2" {
		t.Errorf("unexpected persisted message: %+v", msg)
	}

	for _, c := range []*Client{rc1, rc2, sender} {
		ev := recvEvent(t, c)
		if ev.Type != EventChatMessage {
			t.Errorf("expected chatMessage, got %q", ev.Type)
		}
	}
	if got := h.notifications.forRecipient("u2"); len(got) != 0 {
		t.Errorf("live delivery must not create notifications, got %d", len(got))
	}
}

// TestRoutePrivateOffline verifies offline recipients get a durable
// notification and the sender still sees the echo.
func TestRoutePrivateOffline(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))
	h.idents.put(chatUser("u2", "Ben"))

	msg, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "private", Text: "psst", RecipientID: "u2"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	rows := h.notifications.forRecipient("u2")
	if len(rows) != 1 {
		t.Fatalf("expected one notification, got %d", len(rows))
	}
	if rows[0].Kind != store.NotifyPrivate || rows[0].MessageID != msg.ID {
		t.Errorf("unexpected notification: %+v", rows[0])
	}
	if ev := recvEvent(t, sender); ev.Type != EventChatMessage {
		t.Errorf("sender echo missing, got %q", ev.Type)
	}
}

// TestRoutePrivateUnknownRecipient verifies the not-found rejection.
func TestRoutePrivateUnknownRecipient(t *testing.T) {
	h := newRouterHarness(true)
	sender := h.connect(chatUser("u1", "Anna"))
	_, err := h.router.Route(context.Background(), sender, SendMessageRequest{Kind: "private", Text: "psst", RecipientID: "ghost"})
	wantErrorCode(t, err, CodeNotFound)
}

// TestRoutePrivateMuted verifies a muting recipient receives nothing
// while the sender still sees the normal echo, with no error surfaced.
func TestRoutePrivateMuted(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))
	muter := chatUser("u2", "Ben")
	muter.MutedUsers = []string{"u1"}
	recipient := h.connect(muter)

	if _, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "private", Text: "psst", RecipientID: "u2"}); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if frames := queuedFrames(recipient); len(frames) != 0 {
		t.Errorf("muting recipient must receive nothing, got %d frames", len(frames))
	}
	if ev := recvEvent(t, sender); ev.Type != EventChatMessage {
		t.Errorf("sender echo missing, got %q", ev.Type)
	}
	if got := h.notifications.forRecipient("u2"); len(got) != 0 {
		t.Errorf("online muting recipient must not be notified, got %d", len(got))
	}
}

// TestRouteRoomFanOut verifies room messages reach active occupants and
// leave a notification for the durable member who is offline.
func TestRouteRoomFanOut(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))
	occupant := h.connect(chatUser("u2", "Ben"))
	h.idents.put(chatUser("u3", "Cat"))

	room, err := h.registry.CreateRoom(ctx, chatUser("u1", "Anna"), "tavern", false)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	for _, c := range []*Client{sender, occupant} {
		if _, _, err := h.registry.JoinRoom(ctx, c, room.ID); err != nil {
			t.Fatalf("JoinRoom failed: %v", err)
		}
	}
	if err := h.rooms.AddMember(ctx, room.ID, "u3"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	msg, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "room", Text: "round of ale", RoomID: room.ID})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if msg.RoomName != "tavern" {
		t.Errorf("expected room name on message, got %q", msg.RoomName)
	}

	for _, c := range []*Client{sender, occupant} {
		if ev := recvEvent(t, c); ev.Type != EventChatMessage {
			t.Errorf("expected chatMessage, got %q", ev.Type)
		}
	}
	rows := h.notifications.forRecipient("u3")
	if len(rows) != 1 || rows[0].Kind != store.NotifyRoom {
		t.Fatalf("expected one room notification for the offline member, got %+v", rows)
	}
}

// TestRouteRoomNotifyActiveElsewhere verifies the policy toggle for
// members who are online but not in the room.
func TestRouteRoomNotifyActiveElsewhere(t *testing.T) {
	for _, notify := range []bool{true, false} {
		h := newRouterHarness(notify)
		ctx := context.Background()
		sender := h.connect(chatUser("u1", "Anna"))
		// u2 holds a live connection but never enters the room.
		h.connect(chatUser("u2", "Ben"))

		room, err := h.registry.CreateRoom(ctx, chatUser("u1", "Anna"), "tavern", false)
		if err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		if _, _, err := h.registry.JoinRoom(ctx, sender, room.ID); err != nil {
			t.Fatalf("JoinRoom failed: %v", err)
		}
		// u2 is a durable member but has no socket in the room.
		if err := h.rooms.AddMember(ctx, room.ID, "u2"); err != nil {
			t.Fatalf("AddMember failed: %v", err)
		}

		if _, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "room", Text: "ping", RoomID: room.ID}); err != nil {
			t.Fatalf("Route failed: %v", err)
		}

		rows := h.notifications.forRecipient("u2")
		if notify && len(rows) != 1 {
			t.Errorf("notifyActiveElsewhere=true: expected a notification, got %d", len(rows))
		}
		if !notify && len(rows) != 0 {
			t.Errorf("notifyActiveElsewhere=false: expected no notification, got %d", len(rows))
		}
	}
}

// TestRouteClanRequiresMembership verifies clan sends are gated on
// durable membership of the clan room.
func TestRouteClanRequiresMembership(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))

	clanRoom := store.Room{ID: "clan-9", Name: "Ironclads", Clan: true}
	if err := h.rooms.CreateRoom(ctx, clanRoom); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	_, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "clan", Text: "muster", RoomID: "clan-9"})
	wantErrorCode(t, err, CodePermissionDenied)

	if err := h.rooms.AddMember(ctx, "clan-9", "u1"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	msg, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "clan", Text: "muster", RoomID: "clan-9"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if msg.Kind != store.MessageClan {
		t.Errorf("expected clan kind, got %q", msg.Kind)
	}
}

// TestRoutePublicChannelScoping verifies public messages reach only
// connections subscribed to the message's channel.
func TestRoutePublicChannelScoping(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))
	listener := h.connect(chatUser("u2", "Ben"))

	tradeFan := chatUser("u3", "Cat")
	h.idents.put(tradeFan)
	tc := NewClient(nil, nil, "127.0.0.1:0")
	tc.attachIdentity(tradeFan, []string{"trade"}, "general")
	h.presence.Attach(tc, "u3", "Cat", "")
	h.clients = append(h.clients, tc)

	msg, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "public", Text: "selling wool", Category: "trade"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if msg.Category != "trade" {
		t.Errorf("expected trade category, got %q", msg.Category)
	}

	if frames := queuedFrames(sender); len(frames) != 0 {
		t.Errorf("sender is not subscribed to trade, got %d frames", len(frames))
	}
	if frames := queuedFrames(listener); len(frames) != 0 {
		t.Errorf("general-only listener must not receive trade chatter, got %d frames", len(frames))
	}
	if ev := recvEvent(t, tc); ev.Type != EventChatMessage {
		t.Errorf("trade subscriber should receive the message, got %q", ev.Type)
	}
}

// TestRoutePublicDefaultsChannel verifies a missing category falls back
// to the default channel every connection subscribes to.
func TestRoutePublicDefaultsChannel(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))
	listener := h.connect(chatUser("u2", "Ben"))

	msg, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "public", Text: "hello all"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if msg.Category != "general" {
		t.Errorf("expected default channel, got %q", msg.Category)
	}
	for _, c := range []*Client{sender, listener} {
		if ev := recvEvent(t, c); ev.Type != EventChatMessage {
			t.Errorf("expected chatMessage, got %q", ev.Type)
		}
	}
}

// TestRoutePersistFailureAbortsFanOut verifies nothing is delivered when
// the durable write fails.
func TestRoutePersistFailureAbortsFanOut(t *testing.T) {
	h := newRouterHarness(true)
	ctx := context.Background()
	sender := h.connect(chatUser("u1", "Anna"))
	listener := h.connect(chatUser("u2", "Ben"))
	h.msgs.persistErr = errors.New("disk full")

	_, err := h.router.Route(ctx, sender, SendMessageRequest{Kind: "public", Text: "hello"})
	wantErrorCode(t, err, CodeStoreFailure)

	for _, c := range []*Client{sender, listener} {
		if frames := queuedFrames(c); len(frames) != 0 {
			t.Errorf("unpersisted message must not be delivered, got %d frames", len(frames))
		}
	}
}
