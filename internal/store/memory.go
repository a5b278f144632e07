package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
)

// Memory keeps everything in process memory. Users are listed in the
// order they first joined and only the newest maxMessages are retained.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]*user.User
	order       []string
	messages    []message.Message
	typing      map[string]message.TypingUser
	maxMessages int
}

// NewMemory creates a volatile backend retaining up to maxMessages
// messages. A non-positive value selects DefaultMaxMessages.
func NewMemory(maxMessages int) *Memory {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Memory{
		users:       make(map[string]*user.User),
		typing:      make(map[string]message.TypingUser),
		maxMessages: maxMessages,
	}
}

func (s *Memory) UpsertUser(_ context.Context, u user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		s.order = append(s.order, u.ID)
	}
	s.users[u.ID] = &u
	return nil
}

func (s *Memory) SetPresence(_ context.Context, id string, online bool, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.IsOnline = online
		u.LastSeen = seen
	}
	return nil
}

func (s *Memory) Touch(_ context.Context, id string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.IsOnline = true
		u.LastSeen = seen
	}
	return nil
}

func (s *Memory) Users(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]user.User, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, *s.users[id])
	}
	return result, nil
}

func (s *Memory) MarkIdleOffline(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.users {
		if u.IsOnline && u.Idle(cutoff) {
			u.IsOnline = false
			n++
		}
	}
	return n, nil
}

// AppendMessage adds m to the log, dropping the oldest messages beyond
// the retention cap.
func (s *Memory) AppendMessage(_ context.Context, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	if len(s.messages) > s.maxMessages {
		s.messages = append([]message.Message(nil), s.messages[len(s.messages)-s.maxMessages:]...)
	}
	return nil
}

func (s *Memory) Messages(_ context.Context, q Query) ([]message.Message, error) {
	s.mu.RLock()
	matched := make([]message.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if q.RoomID == "" || m.RoomID == q.RoomID {
			matched = append(matched, m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	return window(matched, q), nil
}

func (s *Memory) SetTyping(_ context.Context, t message.TypingUser) error {
	s.mu.Lock()
	s.typing[t.UserID] = t
	s.mu.Unlock()
	return nil
}

func (s *Memory) ClearTyping(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.typing, userID)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Typing(_ context.Context, cutoff time.Time) ([]message.TypingUser, error) {
	s.mu.RLock()
	result := make([]message.TypingUser, 0, len(s.typing))
	for _, t := range s.typing {
		if t.Timestamp.After(cutoff) {
			result = append(result, t)
		}
	}
	s.mu.RUnlock()
	sortTyping(result)
	return result, nil
}

func (s *Memory) PurgeTyping(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.typing {
		if !t.Timestamp.After(cutoff) {
			delete(s.typing, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) Close() error { return nil }

// Count returns the number of retained messages.
func (s *Memory) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func sortTyping(ts []message.TypingUser) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Timestamp.Equal(ts[j].Timestamp) {
			return ts[i].UserID < ts[j].UserID
		}
		return ts[i].Timestamp.Before(ts[j].Timestamp)
	})
}
