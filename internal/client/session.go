// Package client is the chat session controller used by terminal clients.
// A Session keeps the local view of the chat and drives one Transport.
package client

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/room"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/hashicorp/go-hclog"
)

// Status is the connectivity of a session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	// DefaultViewSize is how many messages a session keeps.
	DefaultViewSize = 100

	// leaveTimeout bounds the leave request sent by Close.
	leaveTimeout = 2 * time.Second
)

// ErrEmptyMessage is returned by Send for blank content.
var ErrEmptyMessage = errors.New("message is empty")

// UpdateKind says which part of an Update is set.
type UpdateKind int

const (
	UpdateStatus UpdateKind = iota
	UpdateMessages
	UpdateUsers
	// UpdateTyping replaces the typing list.
	UpdateTyping
	// UpdateTypingStart and UpdateTypingStop change one typing entry.
	UpdateTypingStart
	UpdateTypingStop
)

// Update is one change reported by a transport.
type Update struct {
	Kind     UpdateKind
	Status   Status
	Messages []message.Message
	Users    []user.User
	Typing   []message.TypingUser
}

// Sink receives updates from a transport.
type Sink interface {
	Apply(Update)
	// Peer is the user the session is privately chatting with, or "".
	Peer() string
}

// Outgoing is a message to be sent.
type Outgoing struct {
	Content     string
	IsPrivate   bool
	RecipientID string
}

// Transport is one delivery strategy.
type Transport interface {
	// Run joins as self and reports updates to sink until ctx is done or
	// Leave is called, reconnecting after failures.
	Run(ctx context.Context, self user.User, sink Sink) error
	Send(ctx context.Context, self user.User, out Outgoing) error
	SetTyping(ctx context.Context, self user.User, typing bool, peer string) error
	// Leave announces the departure. It is best effort.
	Leave(ctx context.Context, self user.User) error
	// TypingQuiet is how long after the last keystroke typing stops.
	TypingQuiet() time.Duration
}

// Session is the state of one chat participant.
type Session struct {
	transport Transport
	log       hclog.Logger
	viewSize  int
	onUpdate  func(Update)

	mu       sync.Mutex
	self     user.User
	status   Status
	messages []message.Message
	seen     map[string]struct{}
	users    []user.User
	typing   []message.TypingUser
	peer     string

	typingActive bool
	typingTimer  *time.Timer
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l hclog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithViewSize sets how many messages are kept.
func WithViewSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.viewSize = n
		}
	}
}

// WithOnUpdate registers fn to be called after every applied update.
func WithOnUpdate(fn func(Update)) Option {
	return func(s *Session) {
		s.onUpdate = fn
	}
}

// NewSession creates a session for self over t. A missing id is generated.
func NewSession(self user.User, t Transport, opts ...Option) *Session {
	if self.ID == "" {
		self = user.New(self.Nickname, self.Background, self.Avatar)
	}
	s := &Session{
		transport: t,
		log:       hclog.NewNullLogger(),
		viewSize:  DefaultViewSize,
		self:      self,
		status:    StatusConnecting,
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the transport until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	return s.transport.Run(ctx, s.Self(), s)
}

// Self returns the session's user.
func (s *Session) Self() user.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Status returns the current connectivity.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns every message in view, oldest first.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), s.messages...)
}

// Conversation returns the messages of the active room: the public room,
// or the private room shared with the peer.
func (s *Session) Conversation() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := room.For(s.peer != "", s.self.ID, s.peer)
	var out []message.Message
	for _, m := range s.messages {
		if m.RoomID == want {
			out = append(out, m)
		}
	}
	return out
}

// Users returns the last user snapshot.
func (s *Session) Users() []user.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]user.User(nil), s.users...)
}

// TypingUsers returns the other users currently typing.
func (s *Session) TypingUsers() []message.TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.TypingUser(nil), s.typing...)
}

// Peer returns the private chat partner, or "" in the public room.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// SetPeer switches to the private room with id, or to the public room
// when id is empty.
func (s *Session) SetPeer(id string) {
	s.mu.Lock()
	s.peer = id
	s.mu.Unlock()
}

// Apply merges an update into the session.
func (s *Session) Apply(u Update) {
	s.mu.Lock()
	switch u.Kind {
	case UpdateStatus:
		s.status = u.Status
	case UpdateMessages:
		s.mergeMessages(u.Messages)
	case UpdateUsers:
		s.users = append([]user.User(nil), u.Users...)
		s.dropOfflineTyping()
	case UpdateTyping:
		s.typing = s.typing[:0]
		for _, t := range u.Typing {
			if t.UserID != s.self.ID {
				s.typing = append(s.typing, t)
			}
		}
	case UpdateTypingStart:
		for _, t := range u.Typing {
			if t.UserID == s.self.ID {
				continue
			}
			s.removeTyping(t.UserID)
			s.typing = append(s.typing, t)
		}
	case UpdateTypingStop:
		for _, t := range u.Typing {
			s.removeTyping(t.UserID)
		}
	}
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}

// mergeMessages adds unseen messages and keeps the newest viewSize.
func (s *Session) mergeMessages(msgs []message.Message) {
	added := false
	for _, m := range msgs {
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
		added = true
	}
	if !added {
		return
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp.Before(s.messages[j].Timestamp)
	})
	if over := len(s.messages) - s.viewSize; over > 0 {
		for _, m := range s.messages[:over] {
			delete(s.seen, m.ID)
		}
		s.messages = append([]message.Message(nil), s.messages[over:]...)
	}
}

func (s *Session) removeTyping(userID string) {
	out := s.typing[:0]
	for _, t := range s.typing {
		if t.UserID != userID {
			out = append(out, t)
		}
	}
	s.typing = out
}

func (s *Session) dropOfflineTyping() {
	online := make(map[string]bool, len(s.users))
	for _, u := range s.users {
		online[u.ID] = u.IsOnline
	}
	out := s.typing[:0]
	for _, t := range s.typing {
		if online[t.UserID] {
			out = append(out, t)
		}
	}
	s.typing = out
}

// Send posts content to the active room. Typing stops first.
func (s *Session) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if err := s.StopTyping(ctx); err != nil {
		s.log.Debug("stop typing failed", "error", err)
	}
	peer := s.Peer()
	return s.transport.Send(ctx, s.Self(), Outgoing{
		Content:     content,
		IsPrivate:   peer != "",
		RecipientID: peer,
	})
}

// Keystroke reports local typing. The first keystroke after a quiet
// period announces typing; typing stops once the transport's quiet period
// passes without another keystroke.
func (s *Session) Keystroke(ctx context.Context) error {
	s.mu.Lock()
	start := !s.typingActive
	s.typingActive = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.transport.TypingQuiet(), s.typingExpired)
	peer := s.peer
	self := s.self
	s.mu.Unlock()

	if !start {
		return nil
	}
	return s.transport.SetTyping(ctx, self, true, peer)
}

func (s *Session) typingExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.StopTyping(ctx); err != nil {
		s.log.Debug("typing auto-stop failed", "error", err)
	}
}

// StopTyping announces that typing stopped, if it was announced.
func (s *Session) StopTyping(ctx context.Context) error {
	s.mu.Lock()
	if !s.typingActive {
		s.mu.Unlock()
		return nil
	}
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	peer := s.peer
	self := s.self
	s.mu.Unlock()

	return s.transport.SetTyping(ctx, self, false, peer)
}

// Close stops typing and leaves the chat, giving up after a short
// timeout. Errors are logged, not returned.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := s.StopTyping(ctx); err != nil {
		s.log.Debug("stop typing on close failed", "error", err)
	}
	if err := s.transport.Leave(ctx, s.Self()); err != nil {
		s.log.Warn("leave failed", "error", err)
	}
}
