package message

import (
	"testing"
	"time"

	"github.com/christopherjohns/chatrelay/internal/room"
)

func TestNewPublic(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 987654321, time.UTC)
	m := New(now, "u1", "alice", "gradient-2", "hi", false, "u2")

	if m.RoomID != room.Public {
		t.Errorf("expected public room, got %q", m.RoomID)
	}
	if m.RecipientID != "" {
		t.Errorf("public message should drop recipient, got %q", m.RecipientID)
	}
	if m.Timestamp.Nanosecond() != 987000000 {
		t.Errorf("expected millisecond timestamp, got %v", m.Timestamp)
	}
	if m.ID == "" {
		t.Error("expected an id")
	}
}

func TestNewPrivateUsesCanonicalRoom(t *testing.T) {
	m := New(time.Now(), "u2", "bob", "", "psst", true, "u1")
	if m.RoomID != "u1-u2" {
		t.Errorf("expected room u1-u2, got %q", m.RoomID)
	}
	if m.RoomID != room.Canonical(m.SenderID, m.RecipientID) {
		t.Error("private room should be canonical pair of sender and recipient")
	}
}

func TestSystemNotices(t *testing.T) {
	now := time.Now()
	joined := Joined(now, "alice")
	left := Left(now, "alice")

	for _, m := range []Message{joined, left} {
		if m.SenderID != SystemSenderID || m.SenderBackground != SystemBackground {
			t.Errorf("unexpected system sender: %+v", m)
		}
		if m.IsPrivate || m.RoomID != room.Public {
			t.Errorf("system notice should be public: %+v", m)
		}
	}
	if joined.Content != "alice joined the chat 🎉" {
		t.Errorf("unexpected join content %q", joined.Content)
	}
	if left.Content != "alice left the chat 👋" {
		t.Errorf("unexpected leave content %q", left.Content)
	}
}

func TestVisibleTo(t *testing.T) {
	pub := New(time.Now(), "u1", "alice", "", "hi", false, "")
	priv := New(time.Now(), "u1", "alice", "", "psst", true, "u2")

	if !pub.VisibleTo("u3") {
		t.Error("public message should be visible to everyone")
	}
	if !priv.VisibleTo("u1") || !priv.VisibleTo("u2") {
		t.Error("private message should be visible to both participants")
	}
	if priv.VisibleTo("u3") {
		t.Error("private message should be hidden from outsiders")
	}
}
