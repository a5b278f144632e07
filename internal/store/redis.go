package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/redis/go-redis/v9"
)

const (
	// opTimeout bounds every Redis round trip.
	opTimeout = 2 * time.Second

	// maxTxRetries is how often an optimistic transaction is retried
	// when a watched key changes underneath it.
	maxTxRetries = 10
)

// trimScript drops the oldest members of the global message log beyond
// ARGV[1] and returns them so they can be removed from their room logs.
var trimScript = redis.NewScript(`
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[1])
if excess <= 0 then
	return {}
end
local popped = redis.call('ZRANGE', KEYS[1], 0, excess - 1)
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, excess - 1)
return popped
`)

// Redis persists chat state in Redis. Each user is a JSON string indexed
// by a sorted set scored by last-seen time. Messages live in sorted sets
// scored by their millisecond timestamp: one global log and one per room.
// Typing entries share a hash keyed by user id.
type Redis struct {
	client      redis.UniversalClient
	prefix      string
	maxMessages int64
}

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every key written by the backend.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithMaxMessages caps the global message log. Zero keeps everything.
func WithMaxMessages(n int) RedisOption {
	return func(r *Redis) {
		r.maxMessages = int64(n)
	}
}

// NewRedis creates a Redis backend. The backend owns client and closes it
// on Close.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:      client,
		prefix:      "chat:",
		maxMessages: DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) userKey(id string) string { return r.prefix + "user:" + id }
func (r *Redis) usersKey() string { return r.prefix + "users" }
func (r *Redis) messagesKey() string { return r.prefix + "messages" }
func (r *Redis) roomKey(roomID string) string { return r.prefix + "room:" + roomID + ":messages" }
func (r *Redis) typingKey() string { return r.prefix + "typing" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (r *Redis) UpsertUser(ctx context.Context, u user.User) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("redis: marshal user: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.userKey(u.ID), data, 0)
		pipe.ZAdd(ctx, r.usersKey(), redis.Z{Score: score(u.LastSeen), Member: u.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: upsert user %s: %w", u.ID, err)
	}
	return nil
}

// updateUser applies fn to the stored user inside an optimistic
// transaction. fn returns false to leave the user untouched. Missing users
// are skipped. It reports whether the user was written.
func (r *Redis) updateUser(ctx context.Context, id string, fn func(*user.User) bool) (bool, error) {
	key := r.userKey(id)
	var changed bool
	txf := func(tx *redis.Tx) error {
		changed = false
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var u user.User
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		if !fn(&u) {
			return nil
		}
		out, err := json.Marshal(u)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.ZAdd(ctx, r.usersKey(), redis.Z{Score: score(u.LastSeen), Member: u.ID})
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("redis: update user %s: %w", id, err)
		}
		return changed, nil
	}
	return false, fmt.Errorf("redis: update user %s: %w", id, redis.TxFailedErr)
}

func (r *Redis) SetPresence(ctx context.Context, id string, online bool, seen time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := r.updateUser(ctx, id, func(u *user.User) bool {
		u.IsOnline = online
		u.LastSeen = seen
		return true
	})
	return err
}

func (r *Redis) Touch(ctx context.Context, id string, seen time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := r.updateUser(ctx, id, func(u *user.User) bool {
		u.IsOnline = true
		u.LastSeen = seen
		return true
	})
	return err
}

// Users lists users most recently seen first.
func (r *Redis) Users(ctx context.Context) ([]user.User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := r.client.ZRevRange(ctx, r.usersKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list users: %w", err)
	}
	if len(ids) == 0 {
		return []user.User{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.userKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read users: %w", err)
	}

	users := make([]user.User, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var u user.User
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			continue
		}
		users = append(users, u)
	}
	sortUsers(users)
	return users, nil
}

func (r *Redis) MarkIdleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := r.client.ZRangeByScore(ctx, r.usersKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: scan idle users: %w", err)
	}

	n := 0
	for _, id := range ids {
		changed, err := r.updateUser(ctx, id, func(u *user.User) bool {
			if !u.IsOnline || !u.Idle(cutoff) {
				return false
			}
			u.IsOnline = false
			return true
		})
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// AppendMessage adds m to the global and room logs, then trims the global
// log to the retention cap.
func (r *Redis) AppendMessage(ctx context.Context, m message.Message) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}
	z := redis.Z{Score: score(m.Timestamp), Member: string(data)}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.messagesKey(), z)
		pipe.ZAdd(ctx, r.roomKey(m.RoomID), z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: append message: %w", err)
	}
	if r.maxMessages > 0 {
		return r.trim(ctx)
	}
	return nil
}

func (r *Redis) trim(ctx context.Context) error {
	popped, err := trimScript.Run(ctx, r.client, []string{r.messagesKey()}, r.maxMessages).StringSlice()
	if err != nil {
		return fmt.Errorf("redis: trim messages: %w", err)
	}
	if len(popped) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, member := range popped {
		var m message.Message
		if err := json.Unmarshal([]byte(member), &m); err != nil {
			continue
		}
		pipe.ZRem(ctx, r.roomKey(m.RoomID), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: trim room messages: %w", err)
	}
	return nil
}

func (r *Redis) Messages(ctx context.Context, q Query) ([]message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := r.messagesKey()
	if q.RoomID != "" {
		key = r.roomKey(q.RoomID)
	}

	var (
		vals    []string
		err     error
		reverse bool
	)
	switch {
	case !q.Since.IsZero():
		vals, err = r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(q.Since.UnixMilli(), 10),
			Max:   "+inf",
			Count: int64(q.Limit),
		}).Result()
	case q.Limit > 0:
		vals, err = r.client.ZRevRange(ctx, key, 0, int64(q.Limit-1)).Result()
		reverse = true
	default:
		vals, err = r.client.ZRange(ctx, key, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read messages: %w", err)
	}

	msgs := make([]message.Message, 0, len(vals))
	for _, v := range vals {
		var m message.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if reverse {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

func (r *Redis) SetTyping(ctx context.Context, t message.TypingUser) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal typing: %w", err)
	}
	if err := r.client.HSet(ctx, r.typingKey(), t.UserID, data).Err(); err != nil {
		return fmt.Errorf("redis: set typing: %w", err)
	}
	return nil
}

func (r *Redis) ClearTyping(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.HDel(ctx, r.typingKey(), userID).Err(); err != nil {
		return fmt.Errorf("redis: clear typing: %w", err)
	}
	return nil
}

func decodeTyping(vals map[string]string) []message.TypingUser {
	result := make([]message.TypingUser, 0, len(vals))
	for _, v := range vals {
		var t message.TypingUser
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			continue
		}
		result = append(result, t)
	}
	return result
}

func (r *Redis) Typing(ctx context.Context, cutoff time.Time) ([]message.TypingUser, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	vals, err := r.client.HGetAll(ctx, r.typingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read typing: %w", err)
	}
	all := decodeTyping(vals)
	live := all[:0]
	for _, t := range all {
		if t.Timestamp.After(cutoff) {
			live = append(live, t)
		}
	}
	sortTyping(live)
	return live, nil
}

// PurgeTyping removes stale entries in a transaction watching the typing
// hash so a concurrent SetTyping is never deleted.
func (r *Redis) PurgeTyping(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := r.typingKey()
	var n int
	txf := func(tx *redis.Tx) error {
		n = 0
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var stale []string
		for _, t := range decodeTyping(vals) {
			if !t.Timestamp.After(cutoff) {
				stale = append(stale, t.UserID)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, stale...)
			return nil
		})
		if err == nil {
			n = len(stale)
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("redis: purge typing: %w", err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("redis: purge typing: %w", redis.TxFailedErr)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// sortUsers orders users by last-seen time, newest first, breaking ties by id.
func sortUsers(users []user.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].LastSeen.Equal(users[j].LastSeen) {
			return users[i].ID < users[j].ID
		}
		return users[i].LastSeen.After(users[j].LastSeen)
	})
}
