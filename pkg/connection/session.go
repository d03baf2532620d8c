package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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

var errReconnectRequested = errors.New("reconnect requested by hub")

// callHandler receives the frames of one multiplexed call.
type callHandler interface {
	deliver(f *wire.Frame)
	fail(err error)
}

// session is one WebSocket connection to the hub, serving one routing context.
type session struct {
	routingContext string
	conn           *websocket.Conn
	cfg            config.ConnectionConfig
	logger         *logging.ColoredLogger

	out       chan *wire.Frame
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool

	mu    sync.Mutex
	calls map[string]callHandler

	onLost      func(s *session, err error)
	onReconnect func(s *session)
}

func newSession(routingContext string, conn *websocket.Conn, cfg config.ConnectionConfig, logger *logging.ColoredLogger) *session {
	return &session{
		routingContext: routingContext,
		conn:           conn,
		cfg:            cfg,
		logger:         logger,
		out:            make(chan *wire.Frame, 256),
		done:           make(chan struct{}),
		calls:          make(map[string]callHandler),
	}
}

func (s *session) start() {
	go s.writerLoop()
	go s.readerLoop()
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) lostError() error {
	return fmt.Errorf("connection to hub for context %s: %w", s.routingContext, dispatcherrors.ErrConnectionLost)
}

// send queues f for the writer loop.
func (s *session) send(f *wire.Frame) error {
	if !s.alive() {
		return s.lostError()
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return s.lostError()
	case <-timer.C:
		return fmt.Errorf("timed out queueing %s frame for call %s: %w", f.Kind, f.Call, dispatcherrors.ErrConnectionLost)
	}
}

// open registers handler under id and sends the opening frame.
func (s *session) open(id string, channel wire.Channel, handler callHandler, payload any, deadline time.Time) error {
	f, err := wire.NewFrame(id, wire.FrameOpen, channel, payload)
	if err != nil {
		return dispatcherrors.WithCode(dispatcherrors.CodeSerializationError, err, "failed to encode request")
	}
	f.WithDeadline(deadline)

	s.mu.Lock()
	if !s.alive() {
		s.mu.Unlock()
		return s.lostError()
	}
	s.calls[id] = handler
	s.mu.Unlock()

	if err := s.send(f); err != nil {
		s.remove(id)
		return err
	}
	return nil
}

// remove forgets a call. It reports whether the call was still registered.
func (s *session) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[id]; !ok {
		return false
	}
	delete(s.calls, id)
	return true
}

func (s *session) writerLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.ComponentWarn(logging.ComponentTransport, "Failed to write frame",
					zap.String("context", s.routingContext),
					zap.String("call", f.Call),
					zap.Error(err))
				s.terminate(err)
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.terminate(err)
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *session) readerLoop() {
	for {
		var f wire.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.terminate(err)
			return
		}
		s.dispatch(&f)
	}
}

func (s *session) dispatch(f *wire.Frame) {
	if f.Kind == wire.FrameReconnect {
		if s.onReconnect != nil {
			go s.onReconnect(s)
		}
		return
	}

	s.mu.Lock()
	handler, ok := s.calls[f.Call]
	if ok && f.Terminal() {
		delete(s.calls, f.Call)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.ComponentDebug(logging.ComponentTransport, "Dropping frame for unknown call",
			zap.String("call", f.Call),
			zap.String("kind", string(f.Kind)))
		return
	}
	handler.deliver(f)
}

// close shuts the session down without reporting it as lost.
func (s *session) close() {
	s.closing.Store(true)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.terminate(fmt.Errorf("connection closed: %w", dispatcherrors.ErrNotConnected))
}

func (s *session) terminate(err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		if !s.closing.Load() && s.onLost != nil {
			s.onLost(s, err)
		}

		s.mu.Lock()
		calls := s.calls
		s.calls = make(map[string]callHandler)
		s.mu.Unlock()

		cause := fmt.Errorf("%w: %v", dispatcherrors.ErrConnectionLost, err)
		if s.closing.Load() {
			cause = err
		}
		for _, c := range calls {
			c.fail(cause)
		}
	})
}

// call decodes the frames of one call into T and forwards them to an observer.
type call[T any] struct {
	id       string
	channel  wire.Channel
	session  *session
	observer stream.Observer[T]

	mu       sync.Mutex
	finished bool
	stop     func() bool
}

func newCall[T any](s *session, channel wire.Channel, observer stream.Observer[T]) *call[T] {
	return &call[T]{
		id:       uuid.NewString(),
		channel:  channel,
		session:  s,
		observer: observer,
	}
}

// watch cancels the call when ctx is done.
func (c *call[T]) watch(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, func() {
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("call %s: %w", c.id, dispatcherrors.ErrDeadlineExceeded)
		}
		c.cancelWith(err)
	})
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()
}

func (c *call[T]) deliver(f *wire.Frame) {
	switch f.Kind {
	case wire.FrameNext:
		var v T
		if err := f.Decode(&v); err != nil {
			c.cancelWith(dispatcherrors.WithCode(dispatcherrors.CodeSerializationError, err, "malformed frame from hub"))
			return
		}
		if c.isFinished() {
			return
		}
		c.observer.OnNext(v)
	case wire.FrameComplete:
		c.finish(nil)
	case wire.FrameError:
		c.finish(dispatcherrors.FromErrorMessage("", f.Error))
	case wire.FrameCancel:
		c.finish(context.Canceled)
	}
}

func (c *call[T]) fail(err error) {
	c.finish(err)
}

// Cancel implements Call.
func (c *call[T]) Cancel() {
	c.cancelWith(context.Canceled)
}

func (c *call[T]) cancelWith(err error) {
	if c.session.remove(c.id) {
		_ = c.session.send(&wire.Frame{Call: c.id, Kind: wire.FrameCancel, Channel: c.channel})
	}
	c.finish(err)
}

func (c *call[T]) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *call[T]) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	stop := c.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err != nil {
		c.observer.OnError(err)
	} else {
		c.observer.OnCompleted()
	}
}

// sender writes the outbound half of a streaming call.
type sender[T any] struct {
	session   *session
	id        string
	channel   wire.Channel
	completed atomic.Bool
}

// Send implements stream.Sender.
func (s *sender[T]) Send(v T) error {
	if s.completed.Load() {
		return fmt.Errorf("call %s already completed: %w", s.id, dispatcherrors.ErrNotConnected)
	}
	f, err := wire.NewFrame(s.id, wire.FrameNext, s.channel, v)
	if err != nil {
		return dispatcherrors.WithCode(dispatcherrors.CodeSerializationError, err, "failed to encode envelope")
	}
	return s.session.send(f)
}

// Complete implements stream.Sender.
func (s *sender[T]) Complete() error {
	if !s.completed.CompareAndSwap(false, true) {
		return nil
	}
	return s.session.send(&wire.Frame{Call: s.id, Kind: wire.FrameComplete, Channel: s.channel})
}
