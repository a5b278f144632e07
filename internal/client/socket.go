package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/christopherjohns/chatrelay/internal/ws"
	"nhooyr.io/websocket"
)

// SocketTransport exchanges events over the server's websocket.
type SocketTransport struct {
	lifecycle
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSocketTransport connects to the socket of the server at baseURL,
// which may use an http, https, ws or wss scheme.
func NewSocketTransport(baseURL string, opts ...TransportOption) *SocketTransport {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &SocketTransport{
		lifecycle: newLifecycle(opts),
		url:       u + "/socket",
	}
}

// Run dials and joins, re-joining after every reconnect, until ctx is
// done or Leave is called.
func (s *SocketTransport) Run(ctx context.Context, self user.User, sink Sink) error {
	return s.loop(ctx, sink, func(ctx context.Context, connected func()) error {
		conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPClient: s.httpClient})
		if err != nil {
			return err
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.SetReadLimit(maxEventSize)

		join := ws.JoinPayload{ID: self.ID, Nickname: self.Nickname, Background: self.Background, Avatar: self.Avatar}
		if err := writeEnvelope(ctx, conn, ws.EventUserJoin, join); err != nil {
			return err
		}
		s.setConn(conn)
		defer s.setConn(nil)
		connected()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return err
			}
			s.dispatch(data, sink)
		}
	})
}

func (s *SocketTransport) dispatch(data []byte, sink Sink) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("invalid socket frame", "error", err)
		return
	}
	switch env.Type {
	case ws.EventUsersUpdate:
		var users []user.User
		if s.decode(env, &users) {
			sink.Apply(Update{Kind: UpdateUsers, Users: users})
		}
	case ws.EventPreviousMessages:
		var msgs []message.Message
		if s.decode(env, &msgs) {
			sink.Apply(Update{Kind: UpdateMessages, Messages: msgs})
		}
	case ws.EventNewMessage:
		var m message.Message
		if s.decode(env, &m) {
			sink.Apply(Update{Kind: UpdateMessages, Messages: []message.Message{m}})
		}
	case ws.EventUserTyping:
		var t ws.TypingEvent
		if s.decode(env, &t) {
			sink.Apply(Update{Kind: UpdateTypingStart, Typing: []message.TypingUser{{
				UserID:    t.UserID,
				Nickname:  t.Nickname,
				Timestamp: time.Now().UTC(),
			}}})
		}
	case ws.EventUserStoppedTyping:
		var id string
		if s.decode(env, &id) {
			sink.Apply(Update{Kind: UpdateTypingStop, Typing: []message.TypingUser{{UserID: id}}})
		}
	case ws.EventError:
		var p ws.ErrorPayload
		if s.decode(env, &p) {
			s.log.Warn("server rejected event", "error", p.Message)
		}
	}
}

func (s *SocketTransport) decode(env ws.Envelope, out any) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		s.log.Warn("invalid socket payload", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (s *SocketTransport) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *SocketTransport) write(ctx context.Context, typ string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return writeEnvelope(ctx, conn, typ, payload)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ws.Envelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Send emits the message. The server echoes it back to this connection.
func (s *SocketTransport) Send(ctx context.Context, _ user.User, out Outgoing) error {
	return s.write(ctx, ws.EventSendMessage, ws.SendPayload{
		Content:     out.Content,
		IsPrivate:   out.IsPrivate,
		RecipientID: out.RecipientID,
	})
}

func (s *SocketTransport) SetTyping(ctx context.Context, _ user.User, typing bool, peer string) error {
	typ := ws.EventStopTyping
	if typing {
		typ = ws.EventStartTyping
	}
	return s.write(ctx, typ, ws.TypingPayload{IsPrivate: peer != "", RecipientID: peer})
}

// Leave closes the socket; the server announces the departure when the
// last connection of a user closes.
func (s *SocketTransport) Leave(ctx context.Context, _ user.User) error {
	defer s.markLeft()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "leaving"); err != nil {
		s.log.Debug("close socket", "error", err)
	}
	return nil
}

func (s *SocketTransport) TypingQuiet() time.Duration {
	return SocketTypingQuiet
}
