// Package sse streams chat updates to clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/registry"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/gin-contrib/sse"
	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultInterval is how often a stream pushes updates.
	DefaultInterval = 2 * time.Second

	// DefaultLookback is how far before connecting a stream starts reading
	// messages.
	DefaultLookback = 5 * time.Second

	// reconnectHint is the retry delay suggested to clients, in milliseconds.
	reconnectHint = 3000
)

// Event types carried in the Type field of every payload.
const (
	TypeConnected = "connected"
	TypeMessages  = "messages"
	TypeUsers     = "users"
	TypeTyping    = "typing"
)

// Payload is the JSON data of one stream event.
type Payload struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// Handler serves one long-lived event stream per request.
type Handler struct {
	reg      *registry.Registry
	log      hclog.Logger
	interval time.Duration
	lookback time.Duration
	active   atomic.Int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithInterval sets the push interval.
func WithInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithLookback sets how far back a new stream starts.
func WithLookback(d time.Duration) Option {
	return func(h *Handler) {
		if d >= 0 {
			h.lookback = d
		}
	}
}

// NewHandler creates a stream Handler.
func NewHandler(reg *registry.Registry, log hclog.Logger, opts ...Option) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	h := &Handler{
		reg:      reg,
		log:      log,
		interval: DefaultInterval,
		lookback: DefaultLookback,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Active returns the number of open streams.
func (h *Handler) Active() int {
	return int(h.active.Load())
}

// ServeHTTP streams updates for the user named by the userId query
// parameter until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.active.Add(1)
	defer h.active.Add(-1)

	ctx := r.Context()
	log := h.log.With("user", userID)
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	s := &stream{w: w, flusher: flusher}
	if err := s.send(reconnectHint, Payload{Type: TypeConnected, Timestamp: h.reg.Now()}); err != nil {
		return
	}
	h.touch(ctx, log, userID)

	cursor := registry.NewCursor(h.reg.Now().Add(-h.lookback), h.lookback)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.push(ctx, s, userID, cursor); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
			h.touch(ctx, log, userID)
		}
	}
}

// push writes one round of updates. Only write errors are returned;
// registry failures skip the round.
func (h *Handler) push(ctx context.Context, s *stream, userID string, cursor *registry.Cursor) error {
	feed, err := h.reg.Sync(ctx, userID, cursor)
	if err != nil {
		if ctx.Err() == nil {
			h.log.Error("stream sync failed", "user", userID, "error", err)
		}
		return nil
	}

	if len(feed.Messages) > 0 {
		if err := s.sendData(TypeMessages, feed.Messages); err != nil {
			return err
		}
	}
	users := feed.Users
	if users == nil {
		users = []user.User{}
	}
	if err := s.sendData(TypeUsers, users); err != nil {
		return err
	}
	typing := feed.Typing
	if typing == nil {
		typing = []message.TypingUser{}
	}
	return s.sendData(TypeTyping, typing)
}

// touch is skipped once the client is gone so a closing stream cannot undo
// an explicit leave.
func (h *Handler) touch(ctx context.Context, log hclog.Logger, userID string) {
	if ctx.Err() != nil {
		return
	}
	if err := h.reg.TouchUser(ctx, userID); err != nil && ctx.Err() == nil {
		log.Warn("heartbeat failed", "error", err)
	}
}

// stream writes SSE frames to one response.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *stream) sendData(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.send(0, Payload{Type: typ, Data: data})
}

func (s *stream) send(retry uint, p Payload) error {
	if err := sse.Encode(s.w, sse.Event{Retry: retry, Data: p}); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
