// Package transporttest provides an in-memory connection.Manager for router tests.
package transporttest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeBrosOfficial/dispatch/pkg/connection"
	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/stream"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// Stream is one side of a fake streaming call. Inbound is the observer the
// router supplied; everything the router sends is recorded.
type Stream[In, Out any] struct {
	Inbound stream.Observer[In]

	mu        sync.Mutex
	sent      []Out
	completed bool
	sendErr   error
	notify    chan Out
}

func newStream[In, Out any](in stream.Observer[In]) *Stream[In, Out] {
	return &Stream[In, Out]{Inbound: in, notify: make(chan Out, 1024)}
}

// Send implements stream.Sender.
func (s *Stream[In, Out]) Send(v Out) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.completed {
		return fmt.Errorf("stream completed: %w", dispatcherrors.ErrNotConnected)
	}
	s.sent = append(s.sent, v)
	s.notify <- v
	return nil
}

// Complete implements stream.Sender.
func (s *Stream[In, Out]) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	return nil
}

// FailSends makes every further Send return err.
func (s *Stream[In, Out]) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a snapshot of everything sent so far.
func (s *Stream[In, Out]) Sent() []Out {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// Completed reports whether the router completed its side.
func (s *Stream[In, Out]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Next waits for the next sent item matching keep. It returns false on timeout.
func (s *Stream[In, Out]) Next(timeout time.Duration, keep func(Out) bool) (Out, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case v := <-s.notify:
			if keep == nil || keep(v) {
				return v, true
			}
		case <-timer.C:
			var zero Out
			return zero, false
		}
	}
}

type (
	CommandStream      = Stream[*wire.CommandProviderInbound, *wire.CommandProviderOutbound]
	QueryStream        = Stream[*wire.QueryProviderInbound, *wire.QueryProviderOutbound]
	SubscriptionStream = Stream[*wire.SubscriptionQueryResponse, *wire.SubscriptionQueryRequest]
)

// Call is a fake connection.Call.
type Call struct {
	cancelled atomic.Bool
	onCancel  func()
}

// Cancel implements connection.Call.
func (c *Call) Cancel() {
	if c.cancelled.CompareAndSwap(false, true) && c.onCancel != nil {
		c.onCancel()
	}
}

// Cancelled reports whether Cancel was called.
func (c *Call) Cancelled() bool {
	return c.cancelled.Load()
}

// PendingQuery is a query the router sent.
type PendingQuery struct {
	Request  *wire.QueryRequest
	Deadline time.Time
	Observer stream.Observer[*wire.QueryResponse]
	Call     *Call
}

// PendingCommand is a command the router sent.
type PendingCommand struct {
	Command  *wire.Command
	Observer stream.Observer[*wire.CommandResponse]
}

// Manager is an in-memory connection.Manager.
type Manager struct {
	// StreamErr, when set, is returned by CommandStream and QueryStream.
	StreamErr error
	// DispatchErr, when set, is returned by DispatchCommand and Query.
	DispatchErr error

	mu                  sync.Mutex
	commandStreams      map[string][]*CommandStream
	queryStreams        map[string][]*QueryStream
	subscriptions       map[string][]*SubscriptionStream
	commands            []*PendingCommand
	queries             []*PendingQuery
	reconnectListeners  map[string][]func()
	disconnectListeners map[string][]func()
	contextListeners    []func(string)
	interceptors        []connection.ReconnectInterceptor
	commandCh           chan *PendingCommand
	queryCh             chan *PendingQuery
}

var _ connection.Manager = (*Manager)(nil)

// NewManager creates an empty fake manager.
func NewManager() *Manager {
	return &Manager{
		commandStreams:      make(map[string][]*CommandStream),
		queryStreams:        make(map[string][]*QueryStream),
		subscriptions:       make(map[string][]*SubscriptionStream),
		reconnectListeners:  make(map[string][]func()),
		disconnectListeners: make(map[string][]func()),
		commandCh:           make(chan *PendingCommand, 1024),
		queryCh:             make(chan *PendingQuery, 1024),
	}
}

// CommandStream implements connection.Manager.
func (m *Manager) CommandStream(routingContext string, in stream.Observer[*wire.CommandProviderInbound]) (stream.Sender[*wire.CommandProviderOutbound], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StreamErr != nil {
		return nil, m.StreamErr
	}
	s := newStream[*wire.CommandProviderInbound, *wire.CommandProviderOutbound](in)
	m.commandStreams[routingContext] = append(m.commandStreams[routingContext], s)
	return s, nil
}

// QueryStream implements connection.Manager.
func (m *Manager) QueryStream(routingContext string, in stream.Observer[*wire.QueryProviderInbound]) (stream.Sender[*wire.QueryProviderOutbound], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StreamErr != nil {
		return nil, m.StreamErr
	}
	s := newStream[*wire.QueryProviderInbound, *wire.QueryProviderOutbound](in)
	m.queryStreams[routingContext] = append(m.queryStreams[routingContext], s)
	return s, nil
}

// Subscription implements connection.Manager.
func (m *Manager) Subscription(ctx context.Context, routingContext string, out stream.Observer[*wire.SubscriptionQueryResponse]) (stream.Sender[*wire.SubscriptionQueryRequest], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DispatchErr != nil {
		return nil, m.DispatchErr
	}
	s := newStream[*wire.SubscriptionQueryResponse, *wire.SubscriptionQueryRequest](out)
	m.subscriptions[routingContext] = append(m.subscriptions[routingContext], s)
	return s, nil
}

// DispatchCommand implements connection.Manager.
func (m *Manager) DispatchCommand(ctx context.Context, routingContext string, cmd *wire.Command, out stream.Observer[*wire.CommandResponse]) error {
	m.mu.Lock()
	if m.DispatchErr != nil {
		m.mu.Unlock()
		return m.DispatchErr
	}
	p := &PendingCommand{Command: cmd, Observer: out}
	m.commands = append(m.commands, p)
	m.mu.Unlock()
	m.commandCh <- p
	return nil
}

// Query implements connection.Manager.
func (m *Manager) Query(ctx context.Context, routingContext string, req *wire.QueryRequest, out stream.Observer[*wire.QueryResponse]) (connection.Call, error) {
	m.mu.Lock()
	if m.DispatchErr != nil {
		m.mu.Unlock()
		return nil, m.DispatchErr
	}
	deadline, _ := ctx.Deadline()
	p := &PendingQuery{Request: req, Deadline: deadline, Observer: out, Call: &Call{}}
	p.Call.onCancel = func() { out.OnError(context.Canceled) }
	m.queries = append(m.queries, p)
	m.mu.Unlock()
	m.queryCh <- p
	return p.Call, nil
}

// AddReconnectListener implements connection.Manager.
func (m *Manager) AddReconnectListener(routingContext string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectListeners[routingContext] = append(m.reconnectListeners[routingContext], fn)
}

// AddDisconnectListener implements connection.Manager.
func (m *Manager) AddDisconnectListener(routingContext string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectListeners[routingContext] = append(m.disconnectListeners[routingContext], fn)
}

// AddContextDisconnectListener implements connection.Manager.
func (m *Manager) AddContextDisconnectListener(fn func(routingContext string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contextListeners = append(m.contextListeners, fn)
}

// AddReconnectInterceptor implements connection.Manager.
func (m *Manager) AddReconnectInterceptor(interceptor connection.ReconnectInterceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptors = append(m.interceptors, interceptor)
}

// LatestCommandStream returns the most recently opened command stream of routingContext.
func (m *Manager) LatestCommandStream(routingContext string) *CommandStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams := m.commandStreams[routingContext]
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

// CommandStreamCount returns how many command streams were opened for routingContext.
func (m *Manager) CommandStreamCount(routingContext string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commandStreams[routingContext])
}

// LatestQueryStream returns the most recently opened query stream of routingContext.
func (m *Manager) LatestQueryStream(routingContext string) *QueryStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams := m.queryStreams[routingContext]
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

// QueryStreamCount returns how many query streams were opened for routingContext.
func (m *Manager) QueryStreamCount(routingContext string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queryStreams[routingContext])
}

// Subscriptions returns the subscription streams opened for routingContext.
func (m *Manager) Subscriptions(routingContext string) []*SubscriptionStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.subscriptions[routingContext])
}

// NextCommand waits for the next dispatched command.
func (m *Manager) NextCommand(timeout time.Duration) (*PendingCommand, bool) {
	select {
	case p := <-m.commandCh:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}

// NextQuery waits for the next query.
func (m *Manager) NextQuery(timeout time.Duration) (*PendingQuery, bool) {
	select {
	case p := <-m.queryCh:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Reconnect fires the reconnect listeners of routingContext.
func (m *Manager) Reconnect(routingContext string) {
	m.mu.Lock()
	listeners := slices.Clone(m.reconnectListeners[routingContext])
	m.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Disconnect fires the disconnect listeners of routingContext.
func (m *Manager) Disconnect(routingContext string) {
	m.mu.Lock()
	listeners := slices.Clone(m.disconnectListeners[routingContext])
	contextListeners := slices.Clone(m.contextListeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	for _, fn := range contextListeners {
		fn(routingContext)
	}
}

// ReconnectAllowed runs the reconnect interceptors for routingContext.
func (m *Manager) ReconnectAllowed(routingContext string) bool {
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
