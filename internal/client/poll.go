package client

import (
	"context"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
)

// PollTransport fetches messages, users and typing users on an interval.
type PollTransport struct {
	lifecycle
	api *rest

	// poke asks the loop to fetch now, e.g. right after a send.
	poke chan struct{}
}

// NewPollTransport polls the server at baseURL.
func NewPollTransport(baseURL string, opts ...TransportOption) *PollTransport {
	p := &PollTransport{
		lifecycle: newLifecycle(opts),
		poke:      make(chan struct{}, 1),
	}
	p.api = newREST(baseURL, p.httpClient)
	return p
}

// Run joins once and then polls until ctx is done or Leave is called.
func (p *PollTransport) Run(ctx context.Context, self user.User, sink Sink) error {
	joined := false
	return p.loop(ctx, sink, func(ctx context.Context, connected func()) error {
		if !joined {
			if err := p.api.join(ctx, self); err != nil {
				return err
			}
			joined = true
		}
		return p.poll(ctx, self, sink, connected)
	})
}

// poll runs fetch rounds until one fails. The cursor starts at the newest
// message of the initial fetch and only moves forward.
func (p *PollTransport) poll(ctx context.Context, self user.User, sink Sink, connected func()) error {
	peer := sink.Peer()
	cursor, err := p.fetch(ctx, self, peer, time.Time{}, time.Time{}, sink)
	if err != nil {
		return err
	}
	connected()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.poke:
		}

		since := cursor
		if next := sink.Peer(); next != peer {
			// A new room starts from its own newest window.
			peer = next
			since = time.Time{}
		}
		if cursor, err = p.fetch(ctx, self, peer, since, cursor, sink); err != nil {
			return err
		}
	}
}

// fetch runs one round and returns the advanced cursor.
func (p *PollTransport) fetch(ctx context.Context, self user.User, peer string, since, cursor time.Time, sink Sink) (time.Time, error) {
	msgs, err := p.api.messages(ctx, self.ID, peer, since)
	if err != nil {
		return cursor, err
	}
	users, err := p.api.users(ctx)
	if err != nil {
		return cursor, err
	}
	typing, err := p.api.typing(ctx)
	if err != nil {
		return cursor, err
	}

	if len(msgs) > 0 {
		sink.Apply(Update{Kind: UpdateMessages, Messages: msgs})
	}
	sink.Apply(Update{Kind: UpdateUsers, Users: users})
	sink.Apply(Update{Kind: UpdateTyping, Typing: typing})
	return advance(cursor, msgs), nil
}

func advance(cursor time.Time, msgs []message.Message) time.Time {
	for _, m := range msgs {
		if m.Timestamp.After(cursor) {
			cursor = m.Timestamp
		}
	}
	return cursor
}

// Send posts the message and triggers an immediate fetch.
func (p *PollTransport) Send(ctx context.Context, self user.User, out Outgoing) error {
	if _, err := p.api.post(ctx, self, out); err != nil {
		return err
	}
	select {
	case p.poke <- struct{}{}:
	default:
	}
	return nil
}

func (p *PollTransport) SetTyping(ctx context.Context, self user.User, typing bool, _ string) error {
	return p.api.setTyping(ctx, self, typing)
}

// Leave stops polling and marks the user offline.
func (p *PollTransport) Leave(ctx context.Context, self user.User) error {
	p.markLeft()
	return p.api.leave(ctx, self)
}

func (p *PollTransport) TypingQuiet() time.Duration {
	return HTTPTypingQuiet
}
