package server

import (
	"testing"
	"time"

	"github.com/harbourchat/harbour/internal/store"
)

// TestPresenceAttachFirstConnection verifies that only the first
// connection for a user reports the online transition.
func TestPresenceAttachFirstConnection(t *testing.T) {
	p := NewPresenceDirectory(nil)
	c1 := newTestClient(store.Identity{ID: "u1", Name: "Anna"})
	c2 := newTestClient(store.Identity{ID: "u1", Name: "Anna"})

	if !p.Attach(c1, "u1", "Anna", "") {
		t.Error("first connection should report the user coming online")
	}
	if p.Attach(c2, "u1", "Anna", "") {
		t.Error("second connection must not report a second online transition")
	}
	if got := len(p.ConnectionsFor("u1")); got != 2 {
		t.Errorf("expected 2 connections, got %d", got)
	}
}

// TestPresenceDetachLastConnection verifies the offline transition fires
// only when the final connection detaches.
func TestPresenceDetachLastConnection(t *testing.T) {
	p := NewPresenceDirectory(nil)
	c1 := newTestClient(store.Identity{ID: "u1", Name: "Anna"})
	c2 := newTestClient(store.Identity{ID: "u1", Name: "Anna"})
	p.Attach(c1, "u1", "Anna", "")
	p.Attach(c2, "u1", "Anna", "")

	if p.Detach(c1, "u1") {
		t.Error("detaching one of two connections must not report offline")
	}
	if !p.IsOnline("u1") {
		t.Error("user should still be online with one connection left")
	}
	if !p.Detach(c2, "u1") {
		t.Error("detaching the last connection should report offline")
	}
	if p.IsOnline("u1") {
		t.Error("user should be offline after the last detach")
	}
}

// TestPresenceSetStatus verifies status validation and the not-found case.
func TestPresenceSetStatus(t *testing.T) {
	p := NewPresenceDirectory(nil)
	c := newTestClient(store.Identity{ID: "u1", Name: "Anna"})
	p.Attach(c, "u1", "Anna", "")

	if err := p.SetStatus("u1", StatusAway); err != nil {
		t.Fatalf("SetStatus(away) failed: %v", err)
	}
	users := p.ListOnline()
	if len(users) != 1 || users[0].Status != string(StatusAway) {
		t.Errorf("expected one user with status away, got %+v", users)
	}

	wantErrorCode(t, p.SetStatus("u1", Status("invisible")), CodeValidation)
	wantErrorCode(t, p.SetStatus("ghost", StatusAway), CodeNotFound)
}

// TestPresenceStatusSurvivesExtraConnections verifies a second attach
// does not reset a manually chosen status.
func TestPresenceStatusSurvivesExtraConnections(t *testing.T) {
	p := NewPresenceDirectory(nil)
	c1 := newTestClient(store.Identity{ID: "u1", Name: "Anna"})
	p.Attach(c1, "u1", "Anna", "")
	if err := p.SetStatus("u1", StatusBusy); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	c2 := newTestClient(store.Identity{ID: "u1", Name: "Anna"})
	p.Attach(c2, "u1", "Anna", "")

	users := p.ListOnline()
	if len(users) != 1 || users[0].Status != string(StatusBusy) {
		t.Errorf("status should survive a new connection, got %+v", users)
	}
}

// TestPresenceTouchUpdatesActivity verifies Touch advances the activity
// timestamp used in online-user snapshots.
func TestPresenceTouchUpdatesActivity(t *testing.T) {
	clock := newFixedClock()
	p := NewPresenceDirectory(clock.Now)
	c := newTestClient(store.Identity{ID: "u1", Name: "Anna"})
	p.Attach(c, "u1", "Anna", "")

	before := p.ListOnline()[0].LastActivity
	clock.Advance(3 * time.Minute)
	p.Touch("u1")
	after := p.ListOnline()[0].LastActivity

	if !after.After(before) {
		t.Errorf("expected activity to advance, before=%v after=%v", before, after)
	}
}

// TestPresenceListOnlineSnapshot verifies the snapshot covers all online
// users exactly once regardless of connection count.
func TestPresenceListOnlineSnapshot(t *testing.T) {
	p := NewPresenceDirectory(nil)
	a1 := newTestClient(store.Identity{ID: "a", Name: "Anna"})
	a2 := newTestClient(store.Identity{ID: "a", Name: "Anna"})
	b := newTestClient(store.Identity{ID: "b", Name: "Ben"})
	p.Attach(a1, "a", "Anna", "")
	p.Attach(a2, "a", "Anna", "")
	p.Attach(b, "b", "Ben", "")

	if got := p.OnlineCount(); got != 2 {
		t.Errorf("expected 2 online users, got %d", got)
	}
	users := p.ListOnline()
	if len(users) != 2 {
		t.Fatalf("expected 2 snapshot rows, got %d", len(users))
	}
}
