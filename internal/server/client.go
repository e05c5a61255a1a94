// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harbourchat/harbour/internal/store"
)

// Client represents one live transport session. It owns the WebSocket
// connection and the outbound send queue. The identity is nil until the
// join command authenticates the connection. The joined-room set is
// mutated only by the room registry and the voice-room id only by the
// voice coordinator, preserving single-writer ownership of each.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	mu       sync.RWMutex
	identity *store.Identity
	channels map[string]struct{}

	// rooms is guarded by the room registry's lock.
	rooms map[string]struct{}
	// voiceRoom is guarded by the voice coordinator's lock.
	voiceRoom string
}

// NewClient creates a new Client instance with the provided WebSocket
// connection, hub reference, and client address. The client's send
// channel is buffered to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
		channels:       make(map[string]struct{}),
		rooms:          make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Identity returns the attached identity snapshot, or nil while the
// connection is unauthenticated.
func (c *Client) Identity() *store.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// UserID returns the attached user id, or "" while unauthenticated.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.ID
}

func (c *Client) attachIdentity(ident store.Identity, channels []string, defaultChannel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &ident
	c.channels[defaultChannel] = struct{}{}
	for _, channel := range channels {
		if channel != "" {
			c.channels[channel] = struct{}{}
		}
	}
}

func (c *Client) subscribedTo(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		slog.Error("set initial read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			slog.Error("set read deadline in pong handler", "addr", c.addr, "error", err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		slog.Warn("message exceeded maximum size", "addr", c.addr, "limit", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		slog.Info("client disconnected", "addr", c.addr, "error", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		slog.Info("client connection closed", "addr", c.addr, "error", err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		slog.Warn("unexpected WebSocket error", "addr", c.addr, "error", err)
		return true
	}

	slog.Warn("WebSocket read error", "addr", c.addr, "error", err)
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		slog.Warn("rate limit exceeded, discarding message",
			"addr", c.addr, "burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processEvent decodes one inbound frame and hands it to the hub's
// dispatcher. Malformed frames produce a validation error event back to
// this connection only.
func (c *Client) processEvent(rawMessage []byte) {
	var ev Event
	if err := json.Unmarshal(rawMessage, &ev); err != nil {
		slog.Warn("invalid event frame", "addr", c.addr, "error", err)
		c.enqueue(errorEvent("", errValidation("malformed event frame")))
		return
	}
	if ev.Type == "" {
		c.enqueue(errorEvent("", errValidation("missing event type")))
		return
	}
	c.hub.dispatch(c, ev)
}

// enqueue places an outbound frame on the send queue without blocking.
// A nil frame (failed marshal upstream) is skipped; a full queue drops
// the frame and reports false so callers can treat the client as stalled.
func (c *Client) enqueue(frame []byte) bool {
	if frame == nil {
		return true
	}
	defer func() {
		// The send channel is closed during unregister; a racing enqueue
		// must not take down the dispatching goroutine.
		_ = recover()
	}()
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				slog.Error("close connection in readPump", "addr", c.addr, "error", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processEvent(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			slog.Error("close connection in writePump", "addr", c.addr, "error", err)
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		slog.Error("set write deadline", "addr", c.addr, "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			slog.Error("write close message", "addr", c.addr, "error", err)
		}
	}
	return false
}

// writeTextMessage writes a text message and any queued messages
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		slog.Error("create writer", "addr", c.addr, "error", err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		slog.Error("write message", "addr", c.addr, "error", err)
		return false
	}

	// Drain anything queued behind the current frame into the same write.
	n := len(c.send)
	for i := 0; i < n; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			slog.Error("write frame separator", "addr", c.addr, "error", err)
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			slog.Error("write queued message", "addr", c.addr, "error", err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		slog.Error("close writer", "addr", c.addr, "error", err)
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		slog.Error("set write deadline for ping", "addr", c.addr, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			slog.Error("write ping message", "addr", c.addr, "error", err)
		}
		return false
	}
	return true
}
