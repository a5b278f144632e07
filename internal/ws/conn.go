package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of events that can be queued per client.
	sendBufferSize = 32

	// writeTimeout bounds a single frame write.
	writeTimeout = 5 * time.Second

	// maxReapInterval caps how long an idle socket can outlive its timeout.
	maxReapInterval = 30 * time.Second
)

// connEntry is the manager's record of one open socket.
type connEntry struct {
	client      *Client
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats is a snapshot of the socket layer, reported by /health.
type ConnStats struct {
	Active int `json:"active"`
	// Users counts distinct joined users; a user may hold several sockets.
	Users         int   `json:"users"`
	MaxConns      int   `json:"maxConns"`
	Rejected      int64 `json:"rejected"`
	DroppedEvents int64 `json:"droppedEvents"`
	IdleReaped    int64 `json:"idleReaped"`
}

// ConnManager owns every open socket: its send queue, its write pump and
// its lifetime. Entries are keyed by connection id.
type ConnManager struct {
	log      hclog.Logger
	maxConns int
	idleTTL  time.Duration

	mu       sync.Mutex
	conns    map[string]*connEntry
	draining bool
	stopReap context.CancelFunc

	rejected      atomic.Int64
	droppedEvents atomic.Int64
	idleReaped    atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns caps concurrent sockets. Zero means unlimited.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout closes sockets that send nothing for d. Zero disables
// reaping.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

func WithConnLogger(l hclog.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		if l != nil {
			cm.log = l
		}
	}
}

func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		conns: make(map[string]*connEntry),
		log:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopReap = cancel
		go cm.reapLoop(ctx, reapInterval(cm.idleTTL))
	}
	return cm
}

// reapInterval checks twice per timeout, between one second and
// maxReapInterval.
func reapInterval(ttl time.Duration) time.Duration {
	d := ttl / 2
	if d < time.Second {
		d = time.Second
	}
	if d > maxReapInterval {
		d = maxReapInterval
	}
	return d
}

func doneContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Add admits c and starts its write pump. The returned context ends when
// the socket is removed, reaped or the manager drains. When c is refused
// (draining or at capacity) its socket is closed and an already-done
// context is returned.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch {
	case cm.draining:
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return doneContext()
	case cm.maxConns > 0 && len(cm.conns) >= cm.maxConns:
		cm.rejected.Add(1)
		cm.log.Warn("socket refused, at capacity", "conn", c.id, "max", cm.maxConns)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return doneContext()
	}

	c.open()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	cm.conns[c.id] = &connEntry{client: c, cancel: cancel, connectedAt: now, lastActive: now}
	go cm.writePump(ctx, c)
	return ctx
}

// Remove releases c. Removing twice is a no-op.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	e, ok := cm.conns[c.id]
	if ok && e.client == c {
		delete(cm.conns, c.id)
	} else {
		ok = false
	}
	cm.mu.Unlock()

	if ok {
		e.release()
	}
}

func (e *connEntry) release() {
	e.cancel()
	e.client.shut()
}

// Send queues one encoded event for c. It reports false when c's queue
// is full, in which case the event is dropped, or when c is gone.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	switch c.enqueue(data) {
	case enqueued:
		return true
	case queueFull:
		cm.droppedEvents.Add(1)
		cm.log.Warn("send queue full, dropping event", "conn", c.id)
	}
	return false
}

// TouchActivity records inbound traffic on c.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if e, ok := cm.conns[c.id]; ok {
		e.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.conns)
}

func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	clients := make([]*Client, 0, len(cm.conns))
	for _, e := range cm.conns {
		clients = append(clients, e.client)
	}
	maxConns := cm.maxConns
	cm.mu.Unlock()

	users := make(map[string]struct{})
	for _, c := range clients {
		if u, ok := c.User(); ok {
			users[u.ID] = struct{}{}
		}
	}
	return ConnStats{
		Active:        len(clients),
		Users:         len(users),
		MaxConns:      maxConns,
		Rejected:      cm.rejected.Load(),
		DroppedEvents: cm.droppedEvents.Load(),
		IdleReaped:    cm.idleReaped.Load(),
	}
}

// Shutdown closes every socket with StatusGoingAway and refuses new ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.draining = true
	entries := cm.takeLocked(func(*connEntry) bool { return true })
	cm.mu.Unlock()

	if cm.stopReap != nil {
		cm.stopReap()
	}
	cm.closeAll(entries, websocket.StatusGoingAway, "server shutting down")
	if len(entries) > 0 {
		cm.log.Info("closed sockets", "count", len(entries))
	}
}

// takeLocked removes and returns the entries matching match. cm.mu must
// be held.
func (cm *ConnManager) takeLocked(match func(*connEntry) bool) []*connEntry {
	var out []*connEntry
	for id, e := range cm.conns {
		if match(e) {
			out = append(out, e)
			delete(cm.conns, id)
		}
	}
	return out
}

func (cm *ConnManager) closeAll(entries []*connEntry, code websocket.StatusCode, reason string) {
	for _, e := range entries {
		e.release()
		e.client.conn.Close(code, reason)
	}
}

func (cm *ConnManager) reapLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes sockets silent for longer than the idle timeout. Their
// read loops then end and the departure is announced as for any close.
func (cm *ConnManager) reapIdle() {
	cutoff := time.Now().Add(-cm.idleTTL)
	cm.mu.Lock()
	stale := cm.takeLocked(func(e *connEntry) bool { return e.lastActive.Before(cutoff) })
	cm.mu.Unlock()

	cm.closeAll(stale, websocket.StatusPolicyViolation, "idle timeout")
	for _, e := range stale {
		cm.idleReaped.Add(1)
		if u, ok := e.client.User(); ok {
			cm.log.Info("reaped idle socket", "conn", e.client.id, "user", u.ID, "age", time.Since(e.connectedAt))
		} else {
			cm.log.Info("reaped idle socket", "conn", e.client.id, "age", time.Since(e.connectedAt))
		}
	}
}

// writePump drains c's queue onto the socket until ctx ends or the queue
// is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				cm.log.Debug("socket write failed", "conn", c.id, "error", err)
				return
			}
		}
	}
}
