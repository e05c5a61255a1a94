// Presence Directory: the in-memory mapping of connections to
// identities. It is a leaf component that never calls out to the room
// registry, router, or stores, so every other component can consult it
// without creating dependency cycles.
package server

import (
	"sync"
	"time"
)

// Status is a presence status value.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	StatusBusy   Status = "busy"
)

func validStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// OnlineUser is a snapshot row returned by ListOnline.
type OnlineUser struct {
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Avatar       string    `json:"avatar,omitempty"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
}

type presenceEntry struct {
	name         string
	avatar       string
	status       Status
	lastActivity time.Time
	conns        map[*Client]struct{}
}

// PresenceDirectory tracks which users currently hold live connections.
// A user is online iff at least one connection is attached. All maps are
// owned by the directory and mutated only through its methods.
type PresenceDirectory struct {
	mu    sync.RWMutex
	users map[string]*presenceEntry
	now   func() time.Time
}

// NewPresenceDirectory creates an empty directory. The now function is
// injectable for tests; nil means time.Now.
func NewPresenceDirectory(now func() time.Time) *PresenceDirectory {
	if now == nil {
		now = time.Now
	}
	return &PresenceDirectory{
		users: make(map[string]*presenceEntry),
		now:   now,
	}
}

// Attach records a live connection for the user. It returns true when
// this is the user's first connection, i.e. the user just came online.
func (p *PresenceDirectory) Attach(c *Client, userID, name, avatar string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		entry = &presenceEntry{
			name:   name,
			avatar: avatar,
			status: StatusOnline,
			conns:  make(map[*Client]struct{}),
		}
		p.users[userID] = entry
	}
	entry.name = name
	entry.avatar = avatar
	entry.lastActivity = p.now()
	entry.conns[c] = struct{}{}
	return !ok
}

// Detach removes the connection from the user's record. It returns true
// when this was the user's last connection, i.e. the user went offline;
// the record is removed in that case. Detaching an unknown connection is
// a no-op.
func (p *PresenceDirectory) Detach(c *Client, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		return false
	}
	if _, attached := entry.conns[c]; !attached {
		return false
	}
	delete(entry.conns, c)
	if len(entry.conns) == 0 {
		delete(p.users, userID)
		return true
	}
	return false
}

// SetStatus updates the user's status. Unknown status values and unknown
// users are rejected.
func (p *PresenceDirectory) SetStatus(userID string, status Status) error {
	if !validStatus(status) {
		return errValidation("unknown status value")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		return errNotFound("user is not online")
	}
	entry.status = status
	entry.lastActivity = p.now()
	return nil
}

// Touch updates the user's last-activity timestamp.
func (p *PresenceDirectory) Touch(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.users[userID]; ok {
		entry.lastActivity = p.now()
	}
}

// IsOnline reports whether the user holds at least one live connection.
func (p *PresenceDirectory) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.users[userID]
	return ok
}

// StatusFor returns the user's current status, or StatusOnline for a
// user with no live connections.
func (p *PresenceDirectory) StatusFor(userID string) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if entry, ok := p.users[userID]; ok {
		return entry.status
	}
	return StatusOnline
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (p *PresenceDirectory) ConnectionsFor(userID string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.users[userID]
	if !ok {
		return nil
	}
	conns := make([]*Client, 0, len(entry.conns))
	for c := range entry.conns {
		conns = append(conns, c)
	}
	return conns
}

// ListOnline returns a snapshot of every online user. The snapshot is
// detached from the live maps so callers can iterate it freely while the
// directory keeps mutating.
func (p *PresenceDirectory) ListOnline() []OnlineUser {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]OnlineUser, 0, len(p.users))
	for userID, entry := range p.users {
		out = append(out, OnlineUser{
			UserID:       userID,
			Name:         entry.name,
			Avatar:       entry.avatar,
			Status:       string(entry.status),
			LastActivity: entry.lastActivity,
		})
	}
	return out
}

// OnlineCount returns the number of online users.
func (p *PresenceDirectory) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}
