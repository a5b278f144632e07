// Package registry is the chat state shared by every delivery transport:
// users and their presence, the message log and typing indicators.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/chatrelay/internal/ident"
	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/room"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultWindow is the most messages a single query returns.
	DefaultWindow = 50

	// DefaultPresenceTimeout is how long a user stays online without a
	// heartbeat before the sweep marks them offline.
	DefaultPresenceTimeout = 5 * time.Minute

	// DefaultTypingWindow is how long a typing signal stays visible.
	DefaultTypingWindow = 5 * time.Second

	// DefaultSweepSchedule runs the sweep once a minute.
	DefaultSweepSchedule = "@every 1m"
)

// ErrInvalid is returned for requests that fail validation. Nothing is
// stored when it is returned.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// MessageInput is a message as submitted by a client.
type MessageInput struct {
	SenderID         string `json:"senderId" mapstructure:"senderId"`
	SenderNickname   string `json:"senderNickname" mapstructure:"senderNickname"`
	SenderBackground string `json:"senderBackground" mapstructure:"senderBackground"`
	Content          string `json:"content" mapstructure:"content"`
	IsPrivate        bool   `json:"isPrivate" mapstructure:"isPrivate"`
	RecipientID      string `json:"recipientId" mapstructure:"recipientId"`
}

// Registry owns the chat state. It validates input, derives rooms, applies
// query windows and expires presence and typing on top of a store.Backend.
type Registry struct {
	backend         store.Backend
	log             hclog.Logger
	now             func() time.Time
	window          int
	presenceTimeout time.Duration
	typingWindow    time.Duration
	sweepSchedule   string

	mu        sync.Mutex
	cron      *cron.Cron
	closeOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for sweep reports and failures.
func WithLogger(l hclog.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithWindow sets the most messages a query returns.
func WithWindow(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithPresenceTimeout sets how long users stay online without a heartbeat.
func WithPresenceTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.presenceTimeout = d
		}
	}
}

// WithTypingWindow sets how long typing signals stay visible.
func WithTypingWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.typingWindow = d
		}
	}
}

// WithSweepSchedule sets the cron spec the sweep runs on.
func WithSweepSchedule(spec string) Option {
	return func(r *Registry) {
		r.sweepSchedule = spec
	}
}

// New creates a Registry over backend. Call Start to schedule the sweep
// and Close to release the backend.
func New(backend store.Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:         backend,
		log:             hclog.NewNullLogger(),
		now:             time.Now,
		window:          DefaultWindow,
		presenceTimeout: DefaultPresenceTimeout,
		typingWindow:    DefaultTypingWindow,
		sweepSchedule:   DefaultSweepSchedule,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock truncated to stored precision.
func (r *Registry) Now() time.Time {
	return ident.Truncate(r.now())
}

// Window returns the per-query message cap.
func (r *Registry) Window() int {
	return r.window
}

// AddUser stores u as online and seen now, replacing any user with the
// same id.
func (r *Registry) AddUser(ctx context.Context, u user.User) error {
	if u.ID == "" {
		return invalid("user id is required")
	}
	if strings.Contains(u.ID, room.Separator) {
		return invalid("user id must not contain %q", room.Separator)
	}
	if strings.TrimSpace(u.Nickname) == "" {
		return invalid("nickname is required")
	}
	u.IsOnline = true
	u.LastSeen = r.Now()
	return r.backend.UpsertUser(ctx, u)
}

// RemoveUser marks the user offline. Unknown ids are ignored.
func (r *Registry) RemoveUser(ctx context.Context, id string) error {
	return r.backend.SetPresence(ctx, id, false, r.Now())
}

// ListUsers returns every known user, online or not.
func (r *Registry) ListUsers(ctx context.Context) ([]user.User, error) {
	return r.backend.Users(ctx)
}

// TouchUser records a heartbeat for the user, bringing them back online
// if the sweep had marked them offline.
func (r *Registry) TouchUser(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return r.backend.Touch(ctx, id, r.Now())
}

// AppendMessage validates in, assigns it an id, timestamp and room, and
// stores it.
func (r *Registry) AppendMessage(ctx context.Context, in MessageInput) (message.Message, error) {
	content := strings.TrimSpace(in.Content)
	switch {
	case in.SenderID == "":
		return message.Message{}, invalid("senderId is required")
	case strings.TrimSpace(in.SenderNickname) == "":
		return message.Message{}, invalid("senderNickname is required")
	case content == "":
		return message.Message{}, invalid("content is required")
	case in.IsPrivate && in.RecipientID == "":
		return message.Message{}, invalid("recipientId is required for private messages")
	}

	m := message.New(r.Now(), in.SenderID, in.SenderNickname, in.SenderBackground, content, in.IsPrivate, in.RecipientID)
	if err := r.backend.AppendMessage(ctx, m); err != nil {
		return message.Message{}, err
	}
	return m, nil
}

// ListMessages returns messages of every room in ascending order. With a
// zero since it returns the newest window, otherwise up to a window of
// messages strictly newer than since.
func (r *Registry) ListMessages(ctx context.Context, since time.Time) ([]message.Message, error) {
	return r.backend.Messages(ctx, store.Query{Since: since, Limit: r.window})
}

// ListPublicMessages is ListMessages restricted to the public room.
func (r *Registry) ListPublicMessages(ctx context.Context, since time.Time) ([]message.Message, error) {
	return r.backend.Messages(ctx, store.Query{RoomID: room.Public, Since: since, Limit: r.window})
}

// ListPrivateMessages is ListMessages restricted to the room shared by a
// and b. Argument order does not matter.
func (r *Registry) ListPrivateMessages(ctx context.Context, a, b string, since time.Time) ([]message.Message, error) {
	return r.backend.Messages(ctx, store.Query{RoomID: room.Canonical(a, b), Since: since, Limit: r.window})
}

// SetTyping records that the user is typing now.
func (r *Registry) SetTyping(ctx context.Context, userID, nickname string) error {
	if userID == "" {
		return invalid("userId is required")
	}
	return r.backend.SetTyping(ctx, message.TypingUser{
		UserID:    userID,
		Nickname:  nickname,
		Timestamp: r.Now(),
	})
}

// ClearTyping removes the user's typing signal.
func (r *Registry) ClearTyping(ctx context.Context, userID string) error {
	if userID == "" {
		return invalid("userId is required")
	}
	return r.backend.ClearTyping(ctx, userID)
}

// ListTypingUsers returns users whose typing signal is inside the window.
func (r *Registry) ListTypingUsers(ctx context.Context) ([]message.TypingUser, error) {
	return r.backend.Typing(ctx, r.Now().Add(-r.typingWindow))
}

// Join adds u and posts the public join notice.
func (r *Registry) Join(ctx context.Context, u user.User) (message.Message, error) {
	if err := r.AddUser(ctx, u); err != nil {
		return message.Message{}, err
	}
	return r.Announce(ctx, message.Joined(r.Now(), u.Nickname))
}

// Announce stores a prebuilt system notice such as message.Joined.
func (r *Registry) Announce(ctx context.Context, m message.Message) (message.Message, error) {
	if m.SenderID != message.SystemSenderID {
		return message.Message{}, invalid("only system notices can be announced")
	}
	if err := r.backend.AppendMessage(ctx, m); err != nil {
		return message.Message{}, err
	}
	return m, nil
}

// Leave marks the user offline and, when nickname is known, posts the
// public leave notice. The returned bool reports whether a notice was
// posted.
func (r *Registry) Leave(ctx context.Context, id, nickname string) (message.Message, bool, error) {
	if id == "" {
		return message.Message{}, false, invalid("userId is required")
	}
	if err := r.RemoveUser(ctx, id); err != nil {
		return message.Message{}, false, err
	}
	if err := r.backend.ClearTyping(ctx, id); err != nil {
		return message.Message{}, false, err
	}
	if nickname == "" {
		return message.Message{}, false, nil
	}
	m, err := r.Announce(ctx, message.Left(r.Now(), nickname))
	if err != nil {
		return message.Message{}, false, err
	}
	return m, true, nil
}
