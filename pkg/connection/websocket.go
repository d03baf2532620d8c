package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/config"
	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/stream"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// WebSocketManager multiplexes every channel of a routing context over one
// WebSocket connection to the hub. Connections are dialed lazily and
// re-dialed every ReconnectInterval after they drop.
type WebSocketManager struct {
	hubURL        string
	clientID      string
	componentName string
	cfg           config.ConnectionConfig
	dialer        *websocket.Dialer
	logger        *logging.ColoredLogger

	ctx    context.Context
	cancel context.CancelFunc

	// serializes dials so concurrent callers share one connection per context
	dialMu sync.Mutex

	mu                  sync.Mutex
	sessions            map[string]*session
	reconnecting        map[string]bool
	reconnectListeners  map[string][]func()
	disconnectListeners map[string][]func()
	contextListeners    []func(string)
	interceptors        []ReconnectInterceptor
	closed              bool
}

var _ Manager = (*WebSocketManager)(nil)

// NewWebSocketManager creates a manager for the hub at cfg.HubURL. A client
// id is generated when cfg.ClientID is empty.
func NewWebSocketManager(cfg *config.RouterConfig, logger *logging.ColoredLogger) *WebSocketManager {
	conn := cfg.Connection
	defaults := config.DefaultRouterConfig().Connection
	if conn.ConnectTimeout <= 0 {
		conn.ConnectTimeout = defaults.ConnectTimeout
	}
	if conn.ReconnectInterval <= 0 {
		conn.ReconnectInterval = defaults.ReconnectInterval
	}
	if conn.WriteTimeout <= 0 {
		conn.WriteTimeout = defaults.WriteTimeout
	}
	if conn.PingInterval <= 0 {
		conn.PingInterval = defaults.PingInterval
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketManager{
		hubURL:        cfg.HubURL,
		clientID:      clientID,
		componentName: cfg.ComponentName,
		cfg:           conn,
		dialer: &websocket.Dialer{
			HandshakeTimeout: conn.ConnectTimeout,
		},
		logger:              logging.OrNop(logger),
		ctx:                 ctx,
		cancel:              cancel,
		sessions:            make(map[string]*session),
		reconnecting:        make(map[string]bool),
		reconnectListeners:  make(map[string][]func()),
		disconnectListeners: make(map[string][]func()),
	}
}

// ClientID returns the identifier this client announces to the hub.
func (m *WebSocketManager) ClientID() string {
	return m.clientID
}

// Connect dials routingContext unless it is already connected.
func (m *WebSocketManager) Connect(routingContext string) error {
	_, err := m.session(routingContext)
	return err
}

// IsConnected reports whether routingContext has a live connection.
func (m *WebSocketManager) IsConnected(routingContext string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[routingContext]
	return s != nil && s.alive()
}

// Close drops every connection and stops reconnecting. Pending calls fail
// with ErrNotConnected; listeners are not notified.
func (m *WebSocketManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		s.close()
	}
	return nil
}

func (m *WebSocketManager) session(routingContext string) (*session, error) {
	if s, err := m.current(routingContext); s != nil || err != nil {
		return s, err
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	if s, err := m.current(routingContext); s != nil || err != nil {
		return s, err
	}

	s, err := m.dial(routingContext)
	if err != nil {
		m.scheduleReconnect(routingContext, false)
		return nil, dispatcherrors.WithCode(dispatcherrors.CodeConnectionFailed, err,
			fmt.Sprintf("failed to connect to hub for context %s", routingContext))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.close()
		return nil, dispatcherrors.ErrNotConnected
	}
	m.sessions[routingContext] = s
	m.mu.Unlock()
	return s, nil
}

// current returns the live session of routingContext, or an error when the
// context is closed or waiting for a reconnect. Both are nil when a dial is needed.
func (m *WebSocketManager) current(routingContext string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("connection manager closed: %w", dispatcherrors.ErrNotConnected)
	}
	if s := m.sessions[routingContext]; s != nil && s.alive() {
		return s, nil
	}
	if m.reconnecting[routingContext] {
		return nil, fmt.Errorf("context %s is reconnecting: %w", routingContext, dispatcherrors.ErrNotConnected)
	}
	return nil, nil
}

func (m *WebSocketManager) dial(routingContext string) (*session, error) {
	u, err := url.Parse(m.hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url %q: %w", m.hubURL, err)
	}
	q := u.Query()
	q.Set("context", routingContext)
	q.Set("client", m.clientID)
	q.Set("component", m.componentName)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	s := newSession(routingContext, conn, m.cfg, m.logger)
	s.onLost = m.sessionLost
	s.onReconnect = m.reconnectRequested
	s.start()

	m.logger.ComponentInfo(logging.ComponentTransport, "Connected to hub",
		zap.String("context", routingContext),
		zap.String("client_id", m.clientID))
	return s, nil
}

func (m *WebSocketManager) sessionLost(s *session, err error) {
	m.mu.Lock()
	if m.sessions[s.routingContext] != s || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.routingContext)
	listeners := slices.Clone(m.disconnectListeners[s.routingContext])
	contextListeners := slices.Clone(m.contextListeners)
	m.mu.Unlock()

	immediate := errors.Is(err, errReconnectRequested)
	if immediate {
		m.logger.ComponentInfo(logging.ComponentTransport, "Reconnecting on request of the hub",
			zap.String("context", s.routingContext))
	} else {
		m.logger.ComponentWarn(logging.ComponentTransport, "Connection to hub lost",
			zap.String("context", s.routingContext),
			zap.Error(err))
	}
	m.scheduleReconnect(s.routingContext, immediate)

	for _, fn := range listeners {
		fn()
	}
	for _, fn := range contextListeners {
		fn(s.routingContext)
	}
}

func (m *WebSocketManager) reconnectRequested(s *session) {
	if !m.reconnectAllowed(s.routingContext) {
		m.logger.ComponentInfo(logging.ComponentTransport, "Reconnect requested by hub refused",
			zap.String("context", s.routingContext))
		return
	}
	s.terminate(errReconnectRequested)
}

func (m *WebSocketManager) reconnectAllowed(routingContext string) bool {
	m.mu.Lock()
	interceptors := slices.Clone(m.interceptors)
	m.mu.Unlock()
	for _, allow := range interceptors {
		if !allow(routingContext) {
			return false
		}
	}
	return true
}

func (m *WebSocketManager) scheduleReconnect(routingContext string, immediate bool) {
	m.mu.Lock()
	if m.closed || m.reconnecting[routingContext] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[routingContext] = true
	m.mu.Unlock()

	go m.reconnectLoop(routingContext, immediate)
}

func (m *WebSocketManager) reconnectLoop(routingContext string, immediate bool) {
	delay := m.cfg.ReconnectInterval
	if immediate {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(m.cfg.ReconnectInterval)

		if !m.reconnectAllowed(routingContext) {
			m.logger.ComponentInfo(logging.ComponentTransport, "Reconnect refused by interceptor",
				zap.String("context", routingContext))
			continue
		}

		m.dialMu.Lock()
		s, err := m.dial(routingContext)
		m.dialMu.Unlock()
		if err != nil {
			m.logger.ComponentDebug(logging.ComponentTransport, "Reconnect attempt failed",
				zap.String("context", routingContext),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			s.close()
			return
		}
		m.sessions[routingContext] = s
		delete(m.reconnecting, routingContext)
		listeners := slices.Clone(m.reconnectListeners[routingContext])
		m.mu.Unlock()

		for _, fn := range listeners {
			fn()
		}
		return
	}
}

// AddReconnectListener runs fn each time routingContext is reconnected.
func (m *WebSocketManager) AddReconnectListener(routingContext string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectListeners[routingContext] = append(m.reconnectListeners[routingContext], fn)
}

// AddDisconnectListener runs fn each time routingContext loses its connection.
func (m *WebSocketManager) AddDisconnectListener(routingContext string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectListeners[routingContext] = append(m.disconnectListeners[routingContext], fn)
}

// AddContextDisconnectListener runs fn whenever any context loses its connection.
func (m *WebSocketManager) AddContextDisconnectListener(fn func(routingContext string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contextListeners = append(m.contextListeners, fn)
}

// AddReconnectInterceptor adds a veto over reconnect attempts.
func (m *WebSocketManager) AddReconnectInterceptor(interceptor ReconnectInterceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptors = append(m.interceptors, interceptor)
}

// CommandStream implements Manager.
func (m *WebSocketManager) CommandStream(routingContext string, in stream.Observer[*wire.CommandProviderInbound]) (stream.Sender[*wire.CommandProviderOutbound], error) {
	return openStream[*wire.CommandProviderInbound, *wire.CommandProviderOutbound](m, routingContext, wire.ChannelCommandProvider, in)
}

// QueryStream implements Manager.
func (m *WebSocketManager) QueryStream(routingContext string, in stream.Observer[*wire.QueryProviderInbound]) (stream.Sender[*wire.QueryProviderOutbound], error) {
	return openStream[*wire.QueryProviderInbound, *wire.QueryProviderOutbound](m, routingContext, wire.ChannelQueryProvider, in)
}

// Subscription implements Manager.
func (m *WebSocketManager) Subscription(ctx context.Context, routingContext string, out stream.Observer[*wire.SubscriptionQueryResponse]) (stream.Sender[*wire.SubscriptionQueryRequest], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openStream[*wire.SubscriptionQueryResponse, *wire.SubscriptionQueryRequest](m, routingContext, wire.ChannelSubscription, out)
}

// DispatchCommand implements Manager.
func (m *WebSocketManager) DispatchCommand(ctx context.Context, routingContext string, cmd *wire.Command, out stream.Observer[*wire.CommandResponse]) error {
	_, err := startCall(ctx, m, routingContext, wire.ChannelDispatchCommand, cmd, out)
	return err
}

// Query implements Manager.
func (m *WebSocketManager) Query(ctx context.Context, routingContext string, req *wire.QueryRequest, out stream.Observer[*wire.QueryResponse]) (Call, error) {
	c, err := startCall(ctx, m, routingContext, wire.ChannelQuery, req, out)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func openStream[In, Out any](m *WebSocketManager, routingContext string, channel wire.Channel, in stream.Observer[In]) (stream.Sender[Out], error) {
	s, err := m.session(routingContext)
	if err != nil {
		return nil, err
	}
	c := newCall(s, channel, in)
	if err := s.open(c.id, channel, c, nil, time.Time{}); err != nil {
		return nil, err
	}
	return &sender[Out]{session: s, id: c.id, channel: channel}, nil
}

func startCall[T any](ctx context.Context, m *WebSocketManager, routingContext string, channel wire.Channel, request any, out stream.Observer[T]) (*call[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := m.session(routingContext)
	if err != nil {
		return nil, err
	}
	c := newCall(s, channel, out)
	deadline, _ := ctx.Deadline()
	if err := s.open(c.id, channel, c, request, deadline); err != nil {
		return nil, err
	}
	c.watch(ctx)
	return c, nil
}
