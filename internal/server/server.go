// Package server mounts every delivery transport on one HTTP server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/christopherjohns/chatrelay/internal/api"
	"github.com/christopherjohns/chatrelay/internal/ratelimit"
	"github.com/christopherjohns/chatrelay/internal/registry"
	"github.com/christopherjohns/chatrelay/internal/sse"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/christopherjohns/chatrelay/internal/ws"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

// Server is the main HTTP server for chatrelay.
type Server struct {
	addr    string
	log     hclog.Logger
	reg     *registry.Registry
	ownsReg bool

	router  *mux.Router
	handler http.Handler
	hub     *ws.Hub
	stream  *sse.Handler
	limiter *ratelimit.IPLimiter

	socketOpts []ws.ConnManagerOption
	streamOpts []sse.Option
	rateMax    int
	rateWindow time.Duration

	httpSrv *http.Server
	base    context.Context
	cancel  context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry serves reg instead of a fresh in-memory registry. The
// caller keeps ownership of reg.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *Server) {
		s.reg = reg
	}
}

// WithLogger sets the root logger.
func WithLogger(l hclog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRateLimit allows each client IP max writes per window. A max of
// zero disables limiting.
func WithRateLimit(max int, window time.Duration) Option {
	return func(s *Server) {
		s.rateMax = max
		s.rateWindow = window
	}
}

// WithSocketOptions configures the socket connection manager.
func WithSocketOptions(opts ...ws.ConnManagerOption) Option {
	return func(s *Server) {
		s.socketOpts = append(s.socketOpts, opts...)
	}
}

// WithStreamOptions configures the event stream.
func WithStreamOptions(opts ...sse.Option) Option {
	return func(s *Server) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

// New creates a new Server listening on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		log:        hclog.NewNullLogger(),
		rateWindow: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = registry.New(store.NewMemory(store.DefaultMaxMessages), registry.WithLogger(s.log.Named("registry")))
		s.ownsReg = true
	}

	s.base, s.cancel = context.WithCancel(context.Background())
	s.hub = ws.NewHub(s.log.Named("ws"), s.socketOpts...)
	s.stream = sse.NewHandler(s.reg, s.log.Named("sse"), s.streamOpts...)
	s.limiter = ratelimit.NewIPLimiter(s.rateMax, s.rateWindow)
	s.router = mux.NewRouter()
	s.routes()
	s.handler = cors(s.router)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/events", s.stream).Methods(http.MethodGet)
	s.router.Handle("/socket", ws.NewHandler(s.hub, s.reg, s.log.Named("ws"))).Methods(http.MethodGet)

	rest := s.router.NewRoute().Subrouter()
	rest.Use(s.limiter.Middleware(http.MethodPost))
	api.NewHandler(s.reg, s.log.Named("api")).Register(rest)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the registry the server serves.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Run starts the HTTP server and blocks until it stops. It returns nil
// after Shutdown.
func (s *Server) Run() error {
	s.log.Info("listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes sockets and streams, then waits for in-flight requests
// until ctx is done. A registry created by New is closed as well.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.ConnMgr().Shutdown()
	s.cancel()

	err := s.httpSrv.Shutdown(ctx)
	if s.ownsReg {
		if cerr := s.reg.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type healthResponse struct {
	Status  string       `json:"status"`
	Streams int          `json:"streams"`
	Sockets ws.ConnStats `json:"sockets"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Streams: s.stream.Active(),
		Sockets: s.hub.ConnMgr().Stats(),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Trace("request", "method", r.Method, "path", r.URL.Path, "remote", ratelimit.ClientIP(r), "duration", time.Since(start))
	})
}

// cors allows any origin. Preflight requests are answered directly so
// they never reach the method-matched routes.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
