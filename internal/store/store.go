// Package store holds the persistence backends behind the chat registry.
// Backends only store and filter records; every business rule (validation,
// windows, room addressing) lives in the registry.
package store

import (
	"context"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
)

// DefaultMaxMessages is the retention cap of the volatile backend.
const DefaultMaxMessages = 1000

// Query selects messages from a backend.
type Query struct {
	// RoomID restricts results to one room. Empty means every room.
	RoomID string
	// Since, when set, keeps only messages strictly newer than it and
	// returns the oldest Limit of them. When zero the newest Limit
	// messages are returned.
	Since time.Time
	// Limit caps the result. Zero means unbounded.
	Limit int
}

// Backend is a chat data store. Implementations must be safe for
// concurrent use and must return messages in ascending timestamp order.
type Backend interface {
	// UpsertUser inserts u or overwrites the stored user with the same id.
	UpsertUser(ctx context.Context, u user.User) error
	// SetPresence sets the online flag and last-seen time of a user.
	// Unknown ids are ignored.
	SetPresence(ctx context.Context, id string, online bool, seen time.Time) error
	// Touch refreshes the last-seen time of a user and marks them online.
	// Unknown ids are ignored.
	Touch(ctx context.Context, id string, seen time.Time) error
	Users(ctx context.Context) ([]user.User, error)
	// MarkIdleOffline flips online users last seen before cutoff to
	// offline and reports how many changed.
	MarkIdleOffline(ctx context.Context, cutoff time.Time) (int, error)

	AppendMessage(ctx context.Context, m message.Message) error
	Messages(ctx context.Context, q Query) ([]message.Message, error)

	SetTyping(ctx context.Context, t message.TypingUser) error
	ClearTyping(ctx context.Context, userID string) error
	// Typing returns entries updated strictly after cutoff.
	Typing(ctx context.Context, cutoff time.Time) ([]message.TypingUser, error)
	// PurgeTyping deletes entries updated at or before cutoff.
	PurgeTyping(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// window applies q.Since and q.Limit to msgs, which must already be
// filtered by room and sorted ascending.
func window(msgs []message.Message, q Query) []message.Message {
	if !q.Since.IsZero() {
		start := len(msgs)
		for i, m := range msgs {
			if m.Timestamp.After(q.Since) {
				start = i
				break
			}
		}
		msgs = msgs[start:]
		if q.Limit > 0 && len(msgs) > q.Limit {
			msgs = msgs[:q.Limit]
		}
		return msgs
	}
	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[len(msgs)-q.Limit:]
	}
	return msgs
}
