package registry

import (
	"context"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/christopherjohns/chatrelay/internal/user"
)

// Feed is everything a viewer needs to catch up.
type Feed struct {
	// Messages are the not yet delivered messages the viewer may read.
	Messages []message.Message
	Users    []user.User
	Typing   []message.TypingUser
}

// Cursor is one viewer's delivery position. Every Sync re-reads at least
// the lookback so messages stored late, or in the same millisecond as the
// newest delivered one, still arrive; ids already sent are skipped. A
// Cursor belongs to a single stream and is not safe for concurrent use.
type Cursor struct {
	lookback time.Duration
	newest   time.Time
	sent     map[string]time.Time
}

// NewCursor starts delivery with messages newer than start.
func NewCursor(start time.Time, lookback time.Duration) *Cursor {
	return &Cursor{
		lookback: lookback,
		newest:   start,
		sent:     make(map[string]time.Time),
	}
}

// Newest is the timestamp of the newest message delivered so far, or the
// start time.
func (c *Cursor) Newest() time.Time {
	return c.newest
}

// since is the exclusive lower bound of the next read.
func (c *Cursor) since(now time.Time) time.Time {
	since := now.Add(-c.lookback)
	if last := c.newest.Add(-time.Nanosecond); last.Before(since) {
		since = last
	}
	return since
}

// forget drops ids that can no longer be read again.
func (c *Cursor) forget(since time.Time) {
	for id, ts := range c.sent {
		if !ts.After(since) {
			delete(c.sent, id)
		}
	}
}

func (c *Cursor) mark(m message.Message) bool {
	if _, ok := c.sent[m.ID]; ok {
		return false
	}
	c.sent[m.ID] = m.Timestamp
	if m.Timestamp.After(c.newest) {
		c.newest = m.Timestamp
	}
	return true
}

// Sync collects what viewer has not been sent yet, at most one window of
// messages, plus the user and typing snapshots. Messages are read across
// all rooms so private messages reach both participants.
func (r *Registry) Sync(ctx context.Context, viewer string, cur *Cursor) (Feed, error) {
	since := cur.since(r.Now())
	cur.forget(since)

	// Every re-read message is in cur.sent, so this limit always leaves
	// room for a full window of new ones.
	msgs, err := r.backend.Messages(ctx, store.Query{Since: since, Limit: r.window + len(cur.sent)})
	if err != nil {
		return Feed{}, err
	}
	users, err := r.ListUsers(ctx)
	if err != nil {
		return Feed{}, err
	}
	typing, err := r.ListTypingUsers(ctx)
	if err != nil {
		return Feed{}, err
	}

	f := Feed{Users: users, Typing: typing}
	fresh := 0
	for _, m := range msgs {
		if fresh == r.window {
			break
		}
		if !cur.mark(m) {
			continue
		}
		fresh++
		if m.VisibleTo(viewer) {
			f.Messages = append(f.Messages, m)
		}
	}
	return f, nil
}

// Visible filters msgs down to those viewer may read.
func Visible(msgs []message.Message, viewer string) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.VisibleTo(viewer) {
			out = append(out, m)
		}
	}
	return out
}
