package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/sse"
	"github.com/christopherjohns/chatrelay/internal/user"
)

// maxEventSize bounds one stream event.
const maxEventSize = 1 << 20

// StreamTransport receives updates over the server's event stream and
// sends over the REST endpoints.
type StreamTransport struct {
	lifecycle
	api *rest
}

// NewStreamTransport streams from the server at baseURL.
func NewStreamTransport(baseURL string, opts ...TransportOption) *StreamTransport {
	s := &StreamTransport{lifecycle: newLifecycle(opts)}
	s.api = newREST(baseURL, s.httpClient)
	return s
}

// Run joins once and keeps a stream open until ctx is done or Leave is
// called. Each connection first fetches the newest window of messages
// so nothing sent while disconnected is lost from view.
func (s *StreamTransport) Run(ctx context.Context, self user.User, sink Sink) error {
	joined := false
	return s.loop(ctx, sink, func(ctx context.Context, connected func()) error {
		if !joined {
			if err := s.api.join(ctx, self); err != nil {
				return err
			}
			joined = true
		}
		msgs, err := s.api.messages(ctx, self.ID, "", time.Time{})
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			sink.Apply(Update{Kind: UpdateMessages, Messages: msgs})
		}
		return s.stream(ctx, self, sink, connected)
	})
}

func (s *StreamTransport) stream(ctx context.Context, self user.User, sink Sink, connected func()) error {
	u := s.api.base + "/events?" + url.Values{"userId": {self.ID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodGet, Path: "/events", Code: resp.StatusCode}
	}

	return readEvents(resp.Body, func(p sse.Payload) {
		switch p.Type {
		case sse.TypeConnected:
			connected()
		case sse.TypeMessages:
			var msgs []message.Message
			if s.decode(p, &msgs) {
				sink.Apply(Update{Kind: UpdateMessages, Messages: msgs})
			}
		case sse.TypeUsers:
			var users []user.User
			if s.decode(p, &users) {
				sink.Apply(Update{Kind: UpdateUsers, Users: users})
			}
		case sse.TypeTyping:
			var typing []message.TypingUser
			if s.decode(p, &typing) {
				sink.Apply(Update{Kind: UpdateTyping, Typing: typing})
			}
		}
	})
}

func (s *StreamTransport) decode(p sse.Payload, out any) bool {
	if err := json.Unmarshal(p.Data, out); err != nil {
		s.log.Warn("invalid stream event", "type", p.Type, "error", err)
		return false
	}
	return true
}

// readEvents parses an event stream and calls fn with the JSON payload of
// each event. Fields other than data are ignored. It returns when the
// stream ends; a clean end is reported as io.ErrUnexpectedEOF since the
// server never ends a stream on its own.
func readEvents(r io.Reader, fn func(sse.Payload)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var p sse.Payload
			if err := json.Unmarshal([]byte(data.String()), &p); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			fn(p)
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// Send posts the message. Delivery back to this client happens through the
// stream.
func (s *StreamTransport) Send(ctx context.Context, self user.User, out Outgoing) error {
	_, err := s.api.post(ctx, self, out)
	return err
}

func (s *StreamTransport) SetTyping(ctx context.Context, self user.User, typing bool, _ string) error {
	return s.api.setTyping(ctx, self, typing)
}

// Leave closes the stream and marks the user offline.
func (s *StreamTransport) Leave(ctx context.Context, self user.User) error {
	s.markLeft()
	return s.api.leave(ctx, self)
}

func (s *StreamTransport) TypingQuiet() time.Duration {
	return HTTPTypingQuiet
}
