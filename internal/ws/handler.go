// Package ws serves the bidirectional event socket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/registry"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"nhooyr.io/websocket"
)

// Client to server events.
const (
	EventUserJoin    = "user-join"
	EventSendMessage = "send-message"
	EventStartTyping = "start-typing"
	EventStopTyping  = "stop-typing"
)

// Server to client events.
const (
	EventUsersUpdate       = "users-update"
	EventNewMessage        = "new-message"
	EventPreviousMessages  = "previous-messages"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventError             = "error"
)

// leaveTimeout bounds the registry work done after a socket closes.
const leaveTimeout = 5 * time.Second

// JoinPayload identifies the user behind a connection.
type JoinPayload struct {
	ID         string `json:"id" mapstructure:"id"`
	Nickname   string `json:"nickname" mapstructure:"nickname"`
	Background string `json:"background" mapstructure:"background"`
	Avatar     string `json:"avatar,omitempty" mapstructure:"avatar"`
}

// SendPayload is a message posted over the socket.
type SendPayload struct {
	Content     string `json:"content" mapstructure:"content"`
	IsPrivate   bool   `json:"isPrivate" mapstructure:"isPrivate"`
	RecipientID string `json:"recipientId,omitempty" mapstructure:"recipientId"`
}

// TypingPayload addresses a typing signal.
type TypingPayload struct {
	IsPrivate   bool   `json:"isPrivate" mapstructure:"isPrivate"`
	RecipientID string `json:"recipientId,omitempty" mapstructure:"recipientId"`
}

// TypingEvent tells clients who started typing.
type TypingEvent struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// ErrorPayload reports a rejected event to its sender.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Handler upgrades requests to sockets and runs their event loops.
type Handler struct {
	hub *Hub
	reg *registry.Registry
	log hclog.Logger
}

// NewHandler creates a socket Handler.
func NewHandler(hub *Hub, reg *registry.Registry, log hclog.Logger) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Handler{hub: hub, reg: reg, log: log}
}

// ServeHTTP upgrades the connection and handles events until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn("accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := newClient(uuid.NewString(), conn)
	connCtx := h.hub.conns.Add(client)
	if connCtx.Err() != nil {
		return
	}
	defer h.disconnect(client)

	h.log.Debug("socket connected", "conn", client.id)
	h.readLoop(r.Context(), connCtx, client)
}

// readLoop dispatches events until the socket closes or the connection
// manager cancels connCtx. Events before user-join are ignored.
func (h *Handler) readLoop(ctx, connCtx context.Context, c *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		h.hub.conns.TouchActivity(c)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(c, "invalid JSON")
			continue
		}

		if env.Type == EventUserJoin {
			h.handleJoin(ctx, c, env.Payload)
			continue
		}
		u, joined := c.User()
		if !joined {
			continue
		}
		switch env.Type {
		case EventSendMessage:
			h.handleSend(ctx, c, u, env.Payload)
		case EventStartTyping:
			h.handleTyping(c, u, env.Payload, true)
		case EventStopTyping:
			h.handleTyping(c, u, env.Payload, false)
		default:
			h.sendError(c, "unknown event "+env.Type)
		}
	}
}

// handleJoin binds the socket to a user. A socket joins once; later joins
// are refused so the first identity is never orphaned online.
func (h *Handler) handleJoin(ctx context.Context, c *Client, raw json.RawMessage) {
	if u, ok := c.User(); ok {
		h.log.Debug("repeated join refused", "user", u.ID, "conn", c.id)
		h.sendError(c, "already joined")
		return
	}
	var p JoinPayload
	if err := decodePayload(raw, &p); err != nil {
		h.sendError(c, "invalid join payload")
		return
	}
	nickname := strings.TrimSpace(p.Nickname)
	if nickname == "" {
		h.sendError(c, "nickname is required")
		return
	}

	u := user.User{ID: p.ID, Nickname: nickname, Background: p.Background, Avatar: p.Avatar}
	if u.ID == "" {
		u = user.New(nickname, p.Background, p.Avatar)
	}
	if err := h.reg.AddUser(ctx, u); err != nil {
		h.fail(c, "join", err)
		return
	}
	h.hub.join(c, u)
	h.log.Info("user joined", "user", u.ID, "nickname", u.Nickname, "conn", c.id)

	h.broadcastUsers(ctx)
	h.sendHistory(ctx, c, u.ID)

	notice, err := h.reg.Announce(ctx, message.Joined(h.reg.Now(), u.Nickname))
	if err != nil {
		h.log.Error("store join notice failed", "error", err)
		return
	}
	h.hub.Broadcast(EventNewMessage, notice)
}

func (h *Handler) handleSend(ctx context.Context, c *Client, u user.User, raw json.RawMessage) {
	var p SendPayload
	if err := decodePayload(raw, &p); err != nil {
		h.sendError(c, "invalid message payload")
		return
	}
	m, err := h.reg.AppendMessage(ctx, registry.MessageInput{
		SenderID:         u.ID,
		SenderNickname:   u.Nickname,
		SenderBackground: u.Background,
		Content:          p.Content,
		IsPrivate:        p.IsPrivate,
		RecipientID:      p.RecipientID,
	})
	if err != nil {
		h.fail(c, "send message", err)
		return
	}
	if err := h.reg.TouchUser(ctx, u.ID); err != nil {
		h.log.Warn("touch sender failed", "user", u.ID, "error", err)
	}

	if !m.IsPrivate {
		h.hub.Broadcast(EventNewMessage, m)
		return
	}
	h.hub.SendToUser(u.ID, EventNewMessage, m)
	if m.RecipientID != u.ID {
		if h.hub.SendToUser(m.RecipientID, EventNewMessage, m) == 0 {
			h.log.Debug("private recipient not connected", "recipient", m.RecipientID)
		}
	}
}

// handleTyping relays typing signals without storing them.
func (h *Handler) handleTyping(c *Client, u user.User, raw json.RawMessage, typing bool) {
	var p TypingPayload
	if err := decodePayload(raw, &p); err != nil {
		h.sendError(c, "invalid typing payload")
		return
	}

	typ := EventUserStoppedTyping
	var payload any = u.ID
	if typing {
		typ = EventUserTyping
		payload = TypingEvent{UserID: u.ID, Nickname: u.Nickname}
	}

	if p.IsPrivate && p.RecipientID != "" {
		h.hub.SendToUser(p.RecipientID, typ, payload)
		return
	}
	h.hub.BroadcastExcept(c, typ, payload)
}

// disconnect releases the connection and, when it was the user's last
// one, marks the user offline and announces the departure.
func (h *Handler) disconnect(c *Client) {
	h.hub.conns.Remove(c)
	u, joined, stillConnected := h.hub.leave(c)
	h.log.Debug("socket disconnected", "conn", c.id)
	if !joined || stillConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	notice, posted, err := h.reg.Leave(ctx, u.ID, u.Nickname)
	if err != nil {
		h.log.Error("leave failed", "user", u.ID, "error", err)
		return
	}
	h.log.Info("user left", "user", u.ID, "nickname", u.Nickname)
	if posted {
		h.hub.Broadcast(EventNewMessage, notice)
	}
	h.broadcastUsers(ctx)
}

func (h *Handler) broadcastUsers(ctx context.Context) {
	users, err := h.reg.ListUsers(ctx)
	if err != nil {
		h.log.Error("list users failed", "error", err)
		return
	}
	if users == nil {
		users = []user.User{}
	}
	h.hub.Broadcast(EventUsersUpdate, users)
}

// sendHistory sends the latest window of messages the user may read.
// The event is always sent so clients can rely on it after joining.
func (h *Handler) sendHistory(ctx context.Context, c *Client, userID string) {
	msgs, err := h.reg.ListMessages(ctx, time.Time{})
	if err != nil {
		h.log.Error("load history failed", "error", err)
		msgs = nil
	}
	h.hub.Send(c, EventPreviousMessages, registry.Visible(msgs, userID))
}

// fail reports err to the client. Validation errors are passed through,
// anything else is logged and hidden.
func (h *Handler) fail(c *Client, op string, err error) {
	if errors.Is(err, registry.ErrInvalid) {
		h.sendError(c, err.Error())
		return
	}
	h.log.Error(op+" failed", "conn", c.id, "error", err)
	h.sendError(c, "internal server error")
}

func (h *Handler) sendError(c *Client, msg string) {
	h.hub.Send(c, EventError, ErrorPayload{Message: msg})
}

// decodePayload loosely decodes a JSON object into out, accepting for
// example "true" for booleans.
func decodePayload(raw json.RawMessage, out any) error {
	var in map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
	}
	return mapstructure.WeakDecode(in, out)
}
