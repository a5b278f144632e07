package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultPollInterval is how often the poll transport fetches.
	DefaultPollInterval = 2 * time.Second

	// DefaultRetryDelay is the wait before reconnecting.
	DefaultRetryDelay = 3 * time.Second

	// HTTPTypingQuiet and SocketTypingQuiet are the typing auto-stop delays.
	HTTPTypingQuiet   = 2 * time.Second
	SocketTypingQuiet = 1 * time.Second

	requestTimeout = 10 * time.Second
)

var (
	// ErrRetriesExhausted is returned by Run once MaxRetries consecutive
	// connection attempts have failed.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotConnected is returned when sending without a connection.
	ErrNotConnected = errors.New("not connected")
)

type transportConfig struct {
	httpClient   *http.Client
	log          hclog.Logger
	pollInterval time.Duration
	retryDelay   time.Duration
	maxRetries   int
}

// TransportOption configures any transport.
type TransportOption func(*transportConfig)

// WithHTTPClient sets the client used for REST calls and streams. It
// should not set a Timeout, which would cut streams short.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(cfg *transportConfig) {
		if c != nil {
			cfg.httpClient = c
		}
	}
}

func WithTransportLogger(l hclog.Logger) TransportOption {
	return func(cfg *transportConfig) {
		if l != nil {
			cfg.log = l
		}
	}
}

func WithPollInterval(d time.Duration) TransportOption {
	return func(cfg *transportConfig) {
		if d > 0 {
			cfg.pollInterval = d
		}
	}
}

func WithRetryDelay(d time.Duration) TransportOption {
	return func(cfg *transportConfig) {
		if d > 0 {
			cfg.retryDelay = d
		}
	}
}

// WithMaxRetries caps consecutive failed connection attempts. Zero, the
// default, retries forever.
func WithMaxRetries(n int) TransportOption {
	return func(cfg *transportConfig) {
		cfg.maxRetries = n
	}
}

func newTransportConfig(opts []TransportOption) transportConfig {
	cfg := transportConfig{
		httpClient:   &http.Client{},
		log:          hclog.NewNullLogger(),
		pollInterval: DefaultPollInterval,
		retryDelay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// lifecycle is shared by the transports: the reconnect loop and the
// leave signal that ends it.
type lifecycle struct {
	transportConfig
	leaveOnce sync.Once
	left      chan struct{}
}

func newLifecycle(opts []TransportOption) lifecycle {
	return lifecycle{
		transportConfig: newTransportConfig(opts),
		left:            make(chan struct{}),
	}
}

func (l *lifecycle) markLeft() {
	l.leaveOnce.Do(func() { close(l.left) })
}

func (l *lifecycle) hasLeft() bool {
	select {
	case <-l.left:
		return true
	default:
		return false
	}
}

// connectFunc holds one connection open. It calls connected once the
// connection is usable and returns when the connection ends.
type connectFunc func(ctx context.Context, connected func()) error

// loop runs connect until ctx is done or the user leaves, reporting
// status to sink and waiting retryDelay between attempts. Attempts since
// the last successful connection count towards maxRetries.
func (l *lifecycle) loop(ctx context.Context, sink Sink, connect connectFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.left:
			cancel()
		case <-ctx.Done():
		}
	}()

	failures := 0
	for {
		sink.Apply(Update{Kind: UpdateStatus, Status: StatusConnecting})
		err := connect(ctx, func() {
			failures = 0
			sink.Apply(Update{Kind: UpdateStatus, Status: StatusConnected})
		})
		sink.Apply(Update{Kind: UpdateStatus, Status: StatusDisconnected})
		if ctx.Err() != nil || l.hasLeft() {
			return nil
		}

		failures++
		if l.maxRetries > 0 && failures > l.maxRetries {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		l.log.Warn("connection lost, reconnecting", "in", l.retryDelay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryDelay):
		}
	}
}
