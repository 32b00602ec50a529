package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"campus/channel"
	"campus/events"
	"campus/message"
	"campus/registry"
	"campus/relation"
	"campus/session"
	"campus/users"
)

type Config struct {
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	SendBuffer       int
	SweepInterval    time.Duration
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server routes requests to.
type Deps struct {
	Users     *users.Directory
	Sessions  *session.Store
	Cookies   *session.CookieCodec
	Relations *relation.Graph
	Channels  *channel.Directory
	Messages  *message.Store
	Registry  *registry.Registry
	Bus       *events.Bus
	Storage   Pinger
	Logger    *slog.Logger
}

type Server struct {
	config   Config
	deps     Deps
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server
	started  time.Time

	mu        sync.RWMutex
	byeUntil  time.Time
	stopSweep chan struct{}
	stopOnce  sync.Once
}

func New(config Config, deps Deps) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 128
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		config:    config,
		deps:      deps,
		logger:    deps.Logger,
		started:   time.Now(),
		stopSweep: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: config.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	s.router = s.routes()
	return s
}

// Handler exposes the REST API and the socket gateway.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.HandshakeTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	srv := s.http
	s.mu.Unlock()

	if s.config.SweepInterval > 0 {
		go s.sweepSessions(s.config.SweepInterval)
	}

	s.logger.Info("campus server started", "addr", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) sweepSessions(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.deps.Sessions.PurgeExpired(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired sessions purged", "count", n)
			}
		}
	}
}

// Shutdown sends bye to every connected socket and stops accepting
// requests. reason is typically "maintenance" or "restart"; a non-zero
// completionTime tells clients when to come back.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.stopOnce.Do(func() { close(s.stopSweep) })

	s.mu.Lock()
	s.byeUntil = completionTime
	srv := s.http
	s.mu.Unlock()

	s.deps.Registry.CloseAll(reason)
	if s.deps.Bus != nil {
		s.deps.Bus.Close()
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown failed", "error", err)
		}
	}
	s.logger.Info("campus server stopped", "reason", reason)
}

func (s *Server) returnTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byeUntil
}

// GetStats returns server statistics as a single line.
func (s *Server) GetStats() string {
	st := s.deps.Registry.Stats()
	return "sockets=" + strconv.Itoa(st.Sockets) +
		",users=" + strconv.Itoa(st.Users) +
		",rooms=" + strconv.Itoa(st.Rooms) +
		",uptime=" + time.Since(s.started).Truncate(time.Second).String()
}
