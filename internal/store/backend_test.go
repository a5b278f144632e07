package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/room"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type backendFactory func(t *testing.T, maxMessages int) Backend

func newMemoryBackend(t *testing.T, maxMessages int) Backend {
	return NewMemory(maxMessages)
}

func newRedisBackend(t *testing.T, maxMessages int) Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedis(client, WithMaxMessages(maxMessages))
	t.Cleanup(func() { b.Close() })
	return b
}

func newSQLBackend(t *testing.T, _ int) Backend {
	t.Helper()
	b, err := OpenSQL("sqlite", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

var backends = map[string]backendFactory{
	"memory": newMemoryBackend,
	"redis":  newRedisBackend,
	"sql":    newSQLBackend,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t, 0))
		})
	}
}

func msgAt(offset time.Duration, sender, content string, private bool, recipient string) message.Message {
	return message.New(base.Add(offset), sender, sender+"-nick", "gradient-2", content, private, recipient)
}

func contents(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func userByID(t *testing.T, b Backend, id string) (user.User, bool) {
	t.Helper()
	users, err := b.Users(context.Background())
	require.NoError(t, err)
	for _, u := range users {
		if u.ID == id {
			return u, true
		}
	}
	return user.User{}, false
}

func TestBackendUpsertUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		u := user.User{ID: "u1", Nickname: "alice", Background: "gradient-2", Avatar: "🦊", IsOnline: true, LastSeen: base}
		require.NoError(t, b.UpsertUser(ctx, u))

		u.Nickname = "alice2"
		require.NoError(t, b.UpsertUser(ctx, u))

		users, err := b.Users(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "alice2", users[0].Nickname)
		assert.Equal(t, "🦊", users[0].Avatar)
		assert.True(t, users[0].IsOnline)
		assert.True(t, users[0].LastSeen.Equal(base))
	})
}

func TestBackendPresence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.UpsertUser(ctx, user.User{ID: "u1", Nickname: "alice", IsOnline: true, LastSeen: base}))

		require.NoError(t, b.SetPresence(ctx, "u1", false, base.Add(time.Second)))
		u, ok := userByID(t, b, "u1")
		require.True(t, ok)
		assert.False(t, u.IsOnline)
		assert.True(t, u.LastSeen.Equal(base.Add(time.Second)))

		require.NoError(t, b.Touch(ctx, "u1", base.Add(2*time.Second)))
		u, _ = userByID(t, b, "u1")
		assert.True(t, u.IsOnline, "a heartbeat brings the user back online")
		assert.True(t, u.LastSeen.Equal(base.Add(2*time.Second)))

		require.NoError(t, b.SetPresence(ctx, "ghost", false, base))
		require.NoError(t, b.Touch(ctx, "ghost", base))
		_, ok = userByID(t, b, "ghost")
		assert.False(t, ok, "unknown users must not be created")
	})
}

func TestBackendMarkIdleOffline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.UpsertUser(ctx, user.User{ID: "idle", Nickname: "a", IsOnline: true, LastSeen: base}))
		require.NoError(t, b.UpsertUser(ctx, user.User{ID: "fresh", Nickname: "b", IsOnline: true, LastSeen: base.Add(10 * time.Minute)}))
		require.NoError(t, b.UpsertUser(ctx, user.User{ID: "gone", Nickname: "c", IsOnline: false, LastSeen: base}))

		n, err := b.MarkIdleOffline(ctx, base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		idle, _ := userByID(t, b, "idle")
		fresh, _ := userByID(t, b, "fresh")
		assert.False(t, idle.IsOnline)
		assert.True(t, fresh.IsOnline)

		n, err = b.MarkIdleOffline(ctx, base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n, "sweep is idempotent")
	})
}

func TestBackendMessagesSinceIsStrict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.AppendMessage(ctx, msgAt(0, "u1", "hello", false, "")))
		require.NoError(t, b.AppendMessage(ctx, msgAt(5*time.Second, "u2", "world", false, "")))

		got, err := b.Messages(ctx, Query{Since: base.Add(2 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, []string{"world"}, contents(got))

		got, err = b.Messages(ctx, Query{Since: base})
		require.NoError(t, err)
		assert.Equal(t, []string{"world"}, contents(got), "message at exactly since must be excluded")

		got, err = b.Messages(ctx, Query{Since: base.Add(5 * time.Second)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestBackendMessagesWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			require.NoError(t, b.AppendMessage(ctx, msgAt(time.Duration(i)*time.Second, "u1", fmt.Sprintf("m%d", i), false, "")))
		}

		latest, err := b.Messages(ctx, Query{Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"m7", "m8", "m9"}, contents(latest))

		after, err := b.Messages(ctx, Query{Since: base.Add(2 * time.Second), Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m4", "m5"}, contents(after))

		all, err := b.Messages(ctx, Query{})
		require.NoError(t, err)
		assert.Len(t, all, 10)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "messages must be ascending")
		}
	})
}

func TestBackendMessagesByRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.AppendMessage(ctx, msgAt(0, "u1", "public", false, "")))
		require.NoError(t, b.AppendMessage(ctx, msgAt(time.Second, "u1", "to u2", true, "u2")))
		require.NoError(t, b.AppendMessage(ctx, msgAt(2*time.Second, "u2", "to u1", true, "u1")))
		require.NoError(t, b.AppendMessage(ctx, msgAt(3*time.Second, "u1", "to u3", true, "u3")))

		pair, err := b.Messages(ctx, Query{RoomID: room.Canonical("u2", "u1")})
		require.NoError(t, err)
		assert.Equal(t, []string{"to u2", "to u1"}, contents(pair))

		pub, err := b.Messages(ctx, Query{RoomID: room.Public})
		require.NoError(t, err)
		assert.Equal(t, []string{"public"}, contents(pub))

		got := pair[0]
		assert.True(t, got.IsPrivate)
		assert.Equal(t, "u2", got.RecipientID)
		assert.Equal(t, "u1-u2", got.RoomID)
		assert.True(t, got.Timestamp.Equal(base.Add(time.Second)))
	})
}

func TestBackendTyping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.SetTyping(ctx, message.TypingUser{UserID: "u1", Nickname: "alice", Timestamp: base}))
		require.NoError(t, b.SetTyping(ctx, message.TypingUser{UserID: "u2", Nickname: "bob", Timestamp: base.Add(4 * time.Second)}))
		require.NoError(t, b.SetTyping(ctx, message.TypingUser{UserID: "u1", Nickname: "alice", Timestamp: base.Add(3 * time.Second)}))

		live, err := b.Typing(ctx, base.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, live, 2, "one entry per user, latest write wins")
		assert.Equal(t, "u1", live[0].UserID)
		assert.Equal(t, "u2", live[1].UserID)

		n, err := b.PurgeTyping(ctx, base.Add(3*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, b.ClearTyping(ctx, "u2"))
		require.NoError(t, b.ClearTyping(ctx, "nobody"))
		live, err = b.Typing(ctx, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, live)
	})
}

func TestBackendConcurrentTouch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.UpsertUser(ctx, user.User{ID: "u1", Nickname: "alice", IsOnline: true, LastSeen: base}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, b.Touch(ctx, "u1", base.Add(time.Duration(i)*time.Second)))
				assert.NoError(t, b.AppendMessage(ctx, msgAt(time.Duration(i)*time.Millisecond, "u1", "x", false, "")))
			}(i)
		}
		wg.Wait()

		u, ok := userByID(t, b, "u1")
		require.True(t, ok)
		assert.Equal(t, "alice", u.Nickname)
		all, err := b.Messages(ctx, Query{})
		require.NoError(t, err)
		assert.Len(t, all, 8)
	})
}

func TestRetentionEvictsOldest(t *testing.T) {
	for _, name := range []string{"memory", "redis"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := backends[name](t, 3)
			for i := 0; i < 4; i++ {
				private := i%2 == 1
				require.NoError(t, b.AppendMessage(ctx, msgAt(time.Duration(i)*time.Second, "u1", fmt.Sprintf("m%d", i), private, "u2")))
			}

			all, err := b.Messages(ctx, Query{})
			require.NoError(t, err)
			assert.Equal(t, []string{"m1", "m2", "m3"}, contents(all))

			pub, err := b.Messages(ctx, Query{RoomID: room.Public})
			require.NoError(t, err)
			assert.Equal(t, []string{"m2"}, contents(pub), "evicted message must leave its room log too")
		})
	}
}

func TestMemoryDefaultRetention(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(0)
	for i := 0; i <= DefaultMaxMessages; i++ {
		require.NoError(t, b.AppendMessage(ctx, msgAt(time.Duration(i)*time.Millisecond, "u1", fmt.Sprintf("m%d", i), false, "")))
	}
	assert.Equal(t, DefaultMaxMessages, b.Count())

	all, err := b.Messages(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, "m1", all[0].Content, "the first message is evicted")
}

func TestMemoryUsersInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(0)
	require.NoError(t, b.UpsertUser(ctx, user.User{ID: "b", LastSeen: base}))
	require.NoError(t, b.UpsertUser(ctx, user.User{ID: "a", LastSeen: base.Add(time.Minute)}))
	require.NoError(t, b.UpsertUser(ctx, user.User{ID: "b", LastSeen: base.Add(2 * time.Minute)}))

	users, err := b.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "b", users[0].ID)
	assert.Equal(t, "a", users[1].ID)
}

func TestPersistedUsersMostRecentFirst(t *testing.T) {
	for _, name := range []string{"redis", "sql"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := backends[name](t, 0)
			require.NoError(t, b.UpsertUser(ctx, user.User{ID: "old", LastSeen: base}))
			require.NoError(t, b.UpsertUser(ctx, user.User{ID: "new", LastSeen: base.Add(time.Minute)}))
			require.NoError(t, b.UpsertUser(ctx, user.User{ID: "tie", LastSeen: base.Add(time.Minute)}))

			users, err := b.Users(ctx)
			require.NoError(t, err)
			ids := make([]string, len(users))
			for i, u := range users {
				ids[i] = u.ID
			}
			assert.Equal(t, []string{"new", "tie", "old"}, ids)
		})
	}
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL("oracle", "dsn")
	assert.Error(t, err)
}
