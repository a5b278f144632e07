package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/registry"
	"github.com/christopherjohns/chatrelay/internal/user"
)

// rest calls the polling endpoints of a chatrelay server.
type rest struct {
	base string
	http *http.Client
}

func newREST(baseURL string, c *http.Client) *rest {
	return &rest{base: strings.TrimRight(baseURL, "/"), http: c}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Msg)
}

func (c *rest) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *rest) join(ctx context.Context, u user.User) error {
	return c.do(ctx, http.MethodPost, "/users", nil, map[string]user.User{"user": u}, nil)
}

func (c *rest) leave(ctx context.Context, u user.User) error {
	q := url.Values{"userId": {u.ID}, "nickname": {u.Nickname}}
	return c.do(ctx, http.MethodDelete, "/users", q, nil, nil)
}

// messages fetches the public feed, or the private feed with peer. A zero
// since returns the newest window.
func (c *rest) messages(ctx context.Context, self, peer string, since time.Time) ([]message.Message, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if peer != "" {
		q.Set("userId1", self)
		q.Set("userId2", peer)
	}
	var out struct {
		Messages []message.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/messages", q, nil, &out)
	return out.Messages, err
}

func (c *rest) post(ctx context.Context, self user.User, out Outgoing) (message.Message, error) {
	in := registry.MessageInput{
		SenderID:         self.ID,
		SenderNickname:   self.Nickname,
		SenderBackground: self.Background,
		Content:          out.Content,
		IsPrivate:        out.IsPrivate,
		RecipientID:      out.RecipientID,
	}
	var resp struct {
		Message message.Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/messages", nil, in, &resp)
	return resp.Message, err
}

func (c *rest) users(ctx context.Context) ([]user.User, error) {
	var out struct {
		Users []user.User `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/users", nil, nil, &out)
	return out.Users, err
}

func (c *rest) typing(ctx context.Context) ([]message.TypingUser, error) {
	var out struct {
		TypingUsers []message.TypingUser `json:"typingUsers"`
	}
	err := c.do(ctx, http.MethodGet, "/typing", nil, nil, &out)
	return out.TypingUsers, err
}

func (c *rest) setTyping(ctx context.Context, self user.User, typing bool) error {
	body := map[string]any{"userId": self.ID, "nickname": self.Nickname, "isTyping": typing}
	return c.do(ctx, http.MethodPost, "/typing", nil, body, nil)
}
