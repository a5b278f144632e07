package user

import (
	"testing"
	"time"
)

func TestNewAssignsIdentity(t *testing.T) {
	a := New("alice", "gradient-2", "🦊")
	b := New("bob", "gradient-3", "")

	if a.ID == "" || b.ID == "" {
		t.Fatal("expected generated ids")
	}
	if a.ID == b.ID {
		t.Errorf("expected distinct ids, both %q", a.ID)
	}
	if !a.IsOnline {
		t.Error("new user should be online")
	}
	if a.Nickname != "alice" || a.Background != "gradient-2" || a.Avatar != "🦊" {
		t.Errorf("unexpected profile: %+v", a)
	}
}

func TestIdle(t *testing.T) {
	now := time.Now()
	u := User{ID: "u1", LastSeen: now.Add(-6 * time.Minute)}

	if !u.Idle(now.Add(-5 * time.Minute)) {
		t.Error("user last seen 6m ago should be idle after 5m")
	}
	u.LastSeen = now.Add(-time.Minute)
	if u.Idle(now.Add(-5 * time.Minute)) {
		t.Error("user last seen 1m ago should not be idle")
	}
}
