package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	quiet time.Duration

	mu     sync.Mutex
	sent   []Outgoing
	typing []bool
	left   int
}

func (f *fakeTransport) Run(ctx context.Context, _ user.User, sink Sink) error {
	sink.Apply(Update{Kind: UpdateStatus, Status: StatusConnected})
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Send(_ context.Context, _ user.User, out Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeTransport) SetTyping(_ context.Context, _ user.User, typing bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeTransport) Leave(context.Context, user.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left++
	return nil
}

func (f *fakeTransport) TypingQuiet() time.Duration {
	if f.quiet == 0 {
		return time.Hour
	}
	return f.quiet
}

func (f *fakeTransport) typingCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typing...)
}

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, sec int, roomID string) message.Message {
	return message.Message{ID: id, Content: id, Timestamp: epoch.Add(time.Duration(sec) * time.Second), RoomID: roomID}
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	s := NewSession(user.User{ID: "me", Nickname: "alice"}, ft, opts...)
	return s, ft
}

func TestNewSessionGeneratesID(t *testing.T) {
	s := NewSession(user.User{Nickname: "alice"}, &fakeTransport{})
	assert.NotEmpty(t, s.Self().ID)
	assert.Equal(t, StatusConnecting, s.Status())
}

func TestApplyMessagesDedupesAndOrders(t *testing.T) {
	s, _ := newTestSession(t)

	s.Apply(Update{Kind: UpdateMessages, Messages: []message.Message{msgAt("b", 2, "public"), msgAt("a", 1, "public")}})
	s.Apply(Update{Kind: UpdateMessages, Messages: []message.Message{msgAt("b", 2, "public"), msgAt("c", 3, "public")}})

	var ids []string
	for _, m := range s.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestApplyMessagesKeepsNewest(t *testing.T) {
	s, _ := newTestSession(t, WithViewSize(3))

	var batch []message.Message
	for i := 0; i < 5; i++ {
		batch = append(batch, msgAt(fmt.Sprintf("m%d", i), i, "public"))
	}
	s.Apply(Update{Kind: UpdateMessages, Messages: batch})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m4", msgs[2].ID)

	// An evicted message may come back but stays out of the window.
	s.Apply(Update{Kind: UpdateMessages, Messages: []message.Message{msgAt("m0", 0, "public")}})
	assert.Equal(t, "m2", s.Messages()[0].ID)
}

func TestDefaultViewSize(t *testing.T) {
	s, _ := newTestSession(t)

	var batch []message.Message
	for i := 0; i < 150; i++ {
		batch = append(batch, msgAt(fmt.Sprintf("m%03d", i), i, "public"))
	}
	s.Apply(Update{Kind: UpdateMessages, Messages: batch})
	assert.Len(t, s.Messages(), DefaultViewSize)
}

func TestConversationFollowsPeer(t *testing.T) {
	s, _ := newTestSession(t)
	s.Apply(Update{Kind: UpdateMessages, Messages: []message.Message{
		msgAt("pub", 1, "public"),
		msgAt("priv", 2, "bob-me"),
		msgAt("other", 3, "carol-me"),
	}})

	conv := s.Conversation()
	require.Len(t, conv, 1)
	assert.Equal(t, "pub", conv[0].ID)

	s.SetPeer("bob")
	conv = s.Conversation()
	require.Len(t, conv, 1)
	assert.Equal(t, "priv", conv[0].ID)
}

func TestTypingExcludesSelf(t *testing.T) {
	s, _ := newTestSession(t)

	s.Apply(Update{Kind: UpdateTyping, Typing: []message.TypingUser{{UserID: "me"}, {UserID: "bob"}}})
	typing := s.TypingUsers()
	require.Len(t, typing, 1)
	assert.Equal(t, "bob", typing[0].UserID)

	s.Apply(Update{Kind: UpdateTypingStart, Typing: []message.TypingUser{{UserID: "me"}, {UserID: "carol"}, {UserID: "bob"}}})
	assert.Len(t, s.TypingUsers(), 2)

	s.Apply(Update{Kind: UpdateTypingStop, Typing: []message.TypingUser{{UserID: "bob"}}})
	typing = s.TypingUsers()
	require.Len(t, typing, 1)
	assert.Equal(t, "carol", typing[0].UserID)
}

func TestUsersUpdateDropsOfflineTypers(t *testing.T) {
	s, _ := newTestSession(t)

	s.Apply(Update{Kind: UpdateTypingStart, Typing: []message.TypingUser{{UserID: "bob"}, {UserID: "carol"}}})
	s.Apply(Update{Kind: UpdateUsers, Users: []user.User{{ID: "bob", IsOnline: false}, {ID: "carol", IsOnline: true}}})

	typing := s.TypingUsers()
	require.Len(t, typing, 1)
	assert.Equal(t, "carol", typing[0].UserID)
	assert.Len(t, s.Users(), 2)
}

func TestOnUpdateHook(t *testing.T) {
	var got []UpdateKind
	s, _ := newTestSession(t, WithOnUpdate(func(u Update) { got = append(got, u.Kind) }))

	s.Apply(Update{Kind: UpdateStatus, Status: StatusConnected})
	s.Apply(Update{Kind: UpdateUsers})

	assert.Equal(t, []UpdateKind{UpdateStatus, UpdateUsers}, got)
	assert.Equal(t, StatusConnected, s.Status())
}

func TestSendAddressesActiveRoom(t *testing.T) {
	s, ft := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "  hello  "))
	s.SetPeer("bob")
	require.NoError(t, s.Send(ctx, "psst"))

	require.Len(t, ft.sent, 2)
	assert.Equal(t, Outgoing{Content: "hello"}, ft.sent[0])
	assert.Equal(t, Outgoing{Content: "psst", IsPrivate: true, RecipientID: "bob"}, ft.sent[1])
}

func TestSendRejectsBlank(t *testing.T) {
	s, ft := newTestSession(t)

	assert.ErrorIs(t, s.Send(context.Background(), " \t "), ErrEmptyMessage)
	assert.Empty(t, ft.sent)
}

func TestKeystrokeDebounce(t *testing.T) {
	s, ft := newTestSession(t)
	ft.quiet = 50 * time.Millisecond
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Keystroke(ctx))
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, ft.typingCalls(), "only the first keystroke announces typing")

	require.Eventually(t, func() bool {
		calls := ft.typingCalls()
		return len(calls) == 2 && !calls[1]
	}, time.Second, 10*time.Millisecond, "typing should stop after the quiet period")

	require.NoError(t, s.Keystroke(ctx))
	assert.Equal(t, []bool{true, false, true}, ft.typingCalls())
}

func TestSendStopsTyping(t *testing.T) {
	s, ft := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.Keystroke(ctx))
	require.NoError(t, s.Send(ctx, "done"))
	assert.Equal(t, []bool{true, false}, ft.typingCalls())

	// Nothing to stop when idle.
	require.NoError(t, s.StopTyping(ctx))
	assert.Len(t, ft.typingCalls(), 2)
}

func TestCloseLeaves(t *testing.T) {
	s, ft := newTestSession(t)

	require.NoError(t, s.Keystroke(context.Background()))
	s.Close()

	assert.Equal(t, 1, ft.left)
	assert.Equal(t, []bool{true, false}, ft.typingCalls())
}

func TestRunReportsStatus(t *testing.T) {
	s, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status() == StatusConnected }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
