package ws

import (
	"encoding/json"
	"sync"

	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/hashicorp/go-hclog"
	"nhooyr.io/websocket"
)

type enqueueResult int

const (
	enqueued enqueueResult = iota
	queueFull
	queueClosed
)

// Client is one socket connection. It carries a user once that user has
// joined.
type Client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
	user   *user.User
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{id: id, conn: conn}
}

// open allocates the send queue.
func (c *Client) open() {
	c.mu.Lock()
	c.send = make(chan []byte, sendBufferSize)
	c.closed = false
	c.mu.Unlock()
}

// shut closes the send queue once.
func (c *Client) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.send != nil {
		close(c.send)
	}
	c.closed = true
}

func (c *Client) enqueue(data []byte) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.send == nil {
		return queueClosed
	}
	select {
	case c.send <- data:
		return enqueued
	default:
		return queueFull
	}
}

// User returns the joined user, if any.
func (c *Client) User() (user.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return user.User{}, false
	}
	return *c.user, true
}

func (c *Client) setUser(u user.User) {
	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
}

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encode(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: data})
}

// Hub tracks joined clients by connection id and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	conns   *ConnManager
	log     hclog.Logger
}

// NewHub creates a Hub whose connections are managed with opts.
func NewHub(log hclog.Logger, opts ...ConnManagerOption) *Hub {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	opts = append([]ConnManagerOption{WithConnLogger(log)}, opts...)
	return &Hub{
		clients: make(map[string]*Client),
		conns:   NewConnManager(opts...),
		log:     log,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// join records u as the identity of c.
func (h *Hub) join(c *Client, u user.User) {
	c.setUser(u)
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// leave forgets c. It returns the user c had joined as and whether that
// user still has another connection open.
func (h *Hub) leave(c *Client) (u user.User, joined, stillConnected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return user.User{}, false, false
	}
	delete(h.clients, c.id)
	u, _ = c.User()
	for _, other := range h.clients {
		if ou, ok := other.User(); ok && ou.ID == u.ID {
			return u, true, true
		}
	}
	return u, true, false
}

// targets copies the joined clients selected by keep so events can be
// queued without holding the lock.
func (h *Hub) targets(keep func(*Client) bool) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) deliver(targets []*Client, typ string, payload any) int {
	data, err := encode(typ, payload)
	if err != nil {
		h.log.Error("failed to encode event", "type", typ, "error", err)
		return 0
	}
	n := 0
	for _, c := range targets {
		if h.conns.Send(c, data) {
			n++
		}
	}
	return n
}

// Broadcast sends an event to every joined client.
func (h *Hub) Broadcast(typ string, payload any) int {
	return h.deliver(h.targets(func(*Client) bool { return true }), typ, payload)
}

// BroadcastExcept sends an event to every joined client but c.
func (h *Hub) BroadcastExcept(c *Client, typ string, payload any) int {
	return h.deliver(h.targets(func(o *Client) bool { return o != c }), typ, payload)
}

// SendToUser sends an event to every connection of the user. It reports
// how many connections it reached.
func (h *Hub) SendToUser(userID string, typ string, payload any) int {
	return h.deliver(h.targets(func(o *Client) bool {
		u, ok := o.User()
		return ok && u.ID == userID
	}), typ, payload)
}

// Send sends an event to a single client, joined or not.
func (h *Hub) Send(c *Client, typ string, payload any) bool {
	return h.deliver([]*Client{c}, typ, payload) == 1
}

// ClientCount returns the number of joined clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
