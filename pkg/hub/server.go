// Package hub implements routerhub, the routing backend the command and
// query routers connect to. It relays commands round robin between the
// providers of a command name, sends direct queries to one provider and
// scatter-gather queries to all of them, and relays subscription queries and
// their updates. Work is only handed to a provider while it holds permits.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/config"
	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// DefaultContext is used when a client connects without naming a context.
const DefaultContext = "default"

// Server is the routerhub HTTP and WebSocket server.
type Server struct {
	cfg      *config.HubConfig
	logger   *logging.ColoredLogger
	router   chi.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	contexts map[string]*routingContext
	peers    map[string]*peer
	server   *http.Server
	listener net.Listener
}

// NewServer creates a hub. Zero values in cfg fall back to DefaultHubConfig.
func NewServer(cfg *config.HubConfig, logger *logging.ColoredLogger) *Server {
	if cfg == nil {
		cfg = config.DefaultHubConfig()
	}
	defaults := config.DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.DefaultPermitsWait <= 0 {
		cfg.DefaultPermitsWait = defaults.DefaultPermitsWait
	}

	s := &Server{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		router: chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		contexts: make(map[string]*routingContext),
		peers:    make(map[string]*peer),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","peers":%d}`, s.peerCount())
	})
	s.router.Get("/v1/connect", s.handleConnect)
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  logging.NewStandardLogger(s.logger, logging.ComponentHub),
			NoColor: true,
		}))
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/v1/contexts/{context}", s.handleContextInfo)
		r.Post("/v1/contexts/{context}/reconnect", s.handleReconnect)
	})
	return s
}

// Handler returns the HTTP handler serving the hub.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("context")
	if name == "" {
		name = DefaultContext
	}
	clientID := q.Get("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.ComponentWarn(logging.ComponentHub, "WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	p := newPeer(conn, name, clientID, q.Get("component"), s.cfg.WriteTimeout, s.cfg.PingInterval, s.logger)
	rc := s.routingContext(name)
	rc.addPeer(p)
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	s.logger.ComponentInfo(logging.ComponentHub, "Client connected",
		zap.String("context", name),
		zap.String("client_id", clientID),
		zap.String("component", p.component),
		zap.String("peer", p.id))

	go p.writerLoop()
	err = p.readLoop(func(f *wire.Frame) { rc.handle(p, f) })

	rc.removePeer(p)
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		s.logger.ComponentInfo(logging.ComponentHub, "Client disconnected",
			zap.String("context", name),
			zap.String("client_id", clientID))
		return
	}
	s.logger.ComponentWarn(logging.ComponentHub, "Client connection lost",
		zap.String("context", name),
		zap.String("client_id", clientID),
		zap.Error(err))
}

func (s *Server) handleContextInfo(w http.ResponseWriter, r *http.Request) {
	info, ok := s.ContextInfo(chi.URLParam(r, "context"))
	if !ok {
		dispatcherrors.WriteHTTPError(w, s.unknownContext(r), middleware.GetReqID(r.Context()))
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "context")
	n, ok := s.RequestReconnect(name, r.URL.Query().Get("client"))
	if !ok {
		dispatcherrors.WriteHTTPError(w, s.unknownContext(r), middleware.GetReqID(r.Context()))
		return
	}
	writeJSON(w, map[string]any{"context": name, "peers": n})
}

func (s *Server) unknownContext(r *http.Request) error {
	name := chi.URLParam(r, "context")
	return dispatcherrors.WithCode(dispatcherrors.CodeNotFound,
		fmt.Errorf("no client connected to context %s", name), "unknown routing context")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) routingContext(name string) *routingContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := s.contexts[name]
	if rc == nil {
		rc = newRoutingContext(name, s.cfg.DefaultPermitsWait, s.logger)
		s.contexts[name] = rc
	}
	return rc
}

func (s *Server) lookup(name string) *routingContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[name]
}

func (s *Server) peerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ContextInfo reports the routing state of a context a client connected to.
func (s *Server) ContextInfo(name string) (ContextInfo, bool) {
	rc := s.lookup(name)
	if rc == nil {
		return ContextInfo{}, false
	}
	return rc.info(), true
}

// RequestReconnect asks the clients of a context to reconnect. An empty
// clientID addresses every client. It returns the number of connections asked.
func (s *Server) RequestReconnect(name, clientID string) (int, bool) {
	rc := s.lookup(name)
	if rc == nil {
		return 0, false
	}
	n := rc.requestReconnect(clientID)
	s.logger.ComponentInfo(logging.ComponentHub, "Reconnect requested",
		zap.String("context", name),
		zap.String("client_id", clientID),
		zap.Int("peers", n))
	return n, true
}

// Start serves on cfg.ListenAddr until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.router}
	srv := s.server
	s.mu.Unlock()

	s.logger.ComponentInfo(logging.ComponentHub, "Router hub starting",
		zap.String("listen_addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		if err != nil {
			s.logger.ComponentError(logging.ComponentHub, "Router hub server error", zap.Error(err))
		}
		return err
	}
}

// Addr returns the listening address once Start is serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP server down and drops every client connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.logger.ComponentInfo(logging.ComponentHub, "Router hub shutting down")

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	// hijacked connections are not closed by Shutdown
	for _, p := range peers {
		p.close(net.ErrClosed)
	}
	if err != nil {
		s.logger.ComponentError(logging.ComponentHub, "Router hub shutdown error", zap.Error(err))
		return err
	}
	s.logger.ComponentInfo(logging.ComponentHub, "Router hub shutdown complete")
	return nil
}
