// Package server coordinates client registration, event dispatch, and
// connection teardown for the Harbour chat core via the Hub type. The
// hub is the single coordinating service instance: presence, rooms, and
// voice state are owned by its components and reached only through
// their method sets.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harbourchat/harbour/internal/store"
)

// Stores bundles the durable collaborators the hub depends on.
type Stores struct {
	Identities    store.IdentityStore
	Messages      store.MessageStore
	Notifications store.NotificationStore
	Rooms         store.RoomStore
}

// Hub manages all WebSocket client connections: it attaches identities
// on join, dispatches inbound events to the router, registry, and voice
// coordinator, and guarantees consistent teardown on disconnect.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	cfg           Config
	logger        *slog.Logger
	now           func() time.Time
	sessionSecret []byte

	presence *PresenceDirectory
	rooms    *RoomRegistry
	voice    *VoiceRoomCoordinator
	notifier *NotificationGenerator
	router   *MessageRouter
	metrics  *hubMetrics

	identities    store.IdentityStore
	messages      store.MessageStore
	notifications store.NotificationStore
	roomStore     store.RoomStore
}

// NewHub creates and wires a Hub over the given stores. The supplied
// configuration is applied globally (origin checks and per-client limits
// read it) before the components are constructed.
func NewHub(cfg *Config, stores Stores, logger *slog.Logger) *Hub {
	SetConfig(cfg)
	applied := currentConfig()

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		cfg:           applied,
		logger:        logger.With(slog.String("component", "hub")),
		now:           time.Now,
		sessionSecret: []byte(applied.SessionSecret),
		identities:    stores.Identities,
		messages:      stores.Messages,
		notifications: stores.Notifications,
		roomStore:     stores.Rooms,
	}

	h.presence = NewPresenceDirectory(h.timeNow)
	h.rooms = NewRoomRegistry(stores.Rooms, applied.RoomGraceWindow, applied.DefaultRoomID, h.timeNow, logger)
	h.rooms.SetRoomDeletedHook(func(roomID string) {
		h.broadcastAll(marshalEvent(EventRoomDeleted, RoomDeletedPayload{RoomID: roomID}))
	})
	h.voice = NewVoiceRoomCoordinator(h.timeNow, logger)
	h.notifier = NewNotificationGenerator(h.presence, stores.Notifications, h.safeSend, applied.PreviewLength, h.timeNow, logger)
	h.router = NewMessageRouter(RouterDeps{
		Presence:              h.presence,
		Rooms:                 h.rooms,
		Identities:            stores.Identities,
		RoomStore:             stores.Rooms,
		Messages:              stores.Messages,
		Notifier:              h.notifier,
		Send:                  h.safeSend,
		AllClients:            h.clientSnapshot,
		Now:                   h.timeNow,
		Logger:                logger,
		DefaultChannel:        applied.DefaultChannel,
		NotifyActiveElsewhere: applied.NotifyActiveElsewhere,
	})
	h.metrics = newHubMetrics(h)
	return h
}

func (h *Hub) timeNow() time.Time {
	return h.now()
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// safeSend delivers one frame to one connection without blocking. It
// reports false when the client is gone or its send buffer is full.
func (h *Hub) safeSend(client *Client, frame []byte) bool {
	if frame == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("recovered from panic in safeSend", "panic", r)
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		if h.metrics != nil && h.metrics.deliveryFailures != nil {
			h.metrics.deliveryFailures.Add(context.Background(), 1)
		}
		return false
	}
}

// broadcastAll sends the frame to every registered connection.
func (h *Hub) broadcastAll(frame []byte) {
	for _, client := range h.clientSnapshot() {
		if !h.safeSend(client, frame) {
			h.logger.Debug("broadcast frame dropped", "conn", client.id)
		}
	}
}

// clientSnapshot returns a thread-safe snapshot of all current clients.
func (h *Hub) clientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) clientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's main event loop, handling client registration and
// teardown, and launches the periodic room sweep. This method should be
// called in a separate goroutine as it runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.rooms.Run(h.ctx, h.cfg.SweepInterval)
	}()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration, skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client registered", "addr", client.addr, "conn", client.id, "total", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				close(client.send)
				h.teardown(client)
				h.logger.Info("client unregistered", "addr", client.addr, "conn", client.id, "total", clientCount)
			} else {
				h.mutex.Unlock()
			}
		}
	}
}

// teardown performs the disconnect side of the connection lifecycle:
// presence removal, room pruning with cleanup checks, and voice-room
// pruning. A connection that never authenticated disconnects silently.
func (h *Hub) teardown(c *Client) {
	ident := c.Identity()
	if ident == nil {
		return
	}
	ctx := context.Background()

	// Voice room first: signaling peers should learn immediately.
	if roomID, deleted, remaining := h.voice.DetachConnection(c); roomID != "" && !deleted {
		frame := marshalEvent(EventVoicePeerLeft, VoicePeerPayload{RoomID: roomID, UserID: ident.ID, Name: ident.Name})
		for _, peer := range remaining {
			h.safeSend(peer, frame)
		}
	}

	emptied, remaining := h.rooms.DetachConnection(c)
	for roomID, peers := range remaining {
		if h.userStillActive(peers, ident.ID) {
			continue
		}
		frame := marshalEvent(EventSystemMessage, SystemMessagePayload{
			RoomID: roomID,
			Text:   ident.Name + " left the room",
		})
		for _, peer := range peers {
			h.safeSend(peer, frame)
		}
	}
	for _, roomID := range emptied {
		if _, err := h.rooms.DeleteIfEmpty(ctx, roomID); err != nil {
			h.logger.Error("cleanup check after disconnect failed", "room", roomID, "error", err)
		}
	}

	last := h.presence.Detach(c, ident.ID)
	if last {
		if err := h.identities.ClearPresence(ctx, ident.ID); err != nil {
			h.logger.Warn("clear durable presence failed", "user", ident.ID, "error", err)
		}
		h.broadcastAll(marshalEvent(EventUserOffline, PresencePayload{UserID: ident.ID, Name: ident.Name}))
		return
	}

	// Other connections remain; repoint the durable presence row,
	// keeping whatever status the user had set.
	if conns := h.presence.ConnectionsFor(ident.ID); len(conns) > 0 {
		if err := h.identities.SetPresence(ctx, ident.ID, conns[0].id, string(h.presence.StatusFor(ident.ID))); err != nil {
			h.logger.Warn("repoint durable presence failed", "user", ident.ID, "error", err)
		}
	}
}

func (h *Hub) userStillActive(peers []*Client, userID string) bool {
	for _, peer := range peers {
		if peer.UserID() == userID {
			return true
		}
	}
	return false
}

// shutdownClients gracefully closes all active client connections.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	clients := h.clientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.logger.Error("close client connection", "addr", client.addr, "error", err)
				}
			}
		}
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
