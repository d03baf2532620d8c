package query

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/serializer"
	"github.com/DeBrosOfficial/dispatch/pkg/stream"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// DefaultUpdateBufferSize is used when a subscription query asks for a
// non-positive buffer.
const DefaultUpdateBufferSize = 256

// Backpressure decides what happens to an update arriving while the update
// buffer is full.
type Backpressure int

const (
	// BackpressureBuffer keeps every update. The permits granted to the hub
	// bound the buffer.
	BackpressureBuffer Backpressure = iota
	// BackpressureDropOldest evicts the oldest buffered update.
	BackpressureDropOldest
	// BackpressureDropLatest discards the arriving update.
	BackpressureDropLatest
	// BackpressureFail ends the subscription with ErrBufferOverflow.
	BackpressureFail
)

func (b Backpressure) String() string {
	switch b {
	case BackpressureBuffer:
		return "buffer"
	case BackpressureDropOldest:
		return "drop_oldest"
	case BackpressureDropLatest:
		return "drop_latest"
	case BackpressureFail:
		return "fail"
	default:
		return fmt.Sprintf("backpressure(%d)", int(b))
	}
}

// ParseBackpressure parses the names returned by String.
func ParseBackpressure(s string) (Backpressure, error) {
	switch strings.ToLower(s) {
	case "", "buffer":
		return BackpressureBuffer, nil
	case "drop_oldest":
		return BackpressureDropOldest, nil
	case "drop_latest":
		return BackpressureDropLatest, nil
	case "fail":
		return BackpressureFail, nil
	default:
		return 0, fmt.Errorf("unknown backpressure strategy %q", s)
	}
}

// SubscriptionQueryResult is a live subscription query: an initial result
// followed by updates until the hub completes it or it is closed.
type SubscriptionQueryResult struct {
	id             string
	routingContext string
	serializer     *serializer.SubscriptionSerializer
	logger         *logging.ColoredLogger
	strategy       Backpressure
	bufferSize     int
	wireQuery      *wire.SubscriptionQuery
	release        func()

	initial *message.Future[*message.QueryResponseMessage]
	sender  atomic.Pointer[stream.FlowControlled[*wire.SubscriptionQueryRequest]]

	mu       sync.Mutex
	queue    []*message.SubscriptionQueryUpdateMessage
	finished bool
	closed   bool
	err      error
	notify   chan struct{}
	done     chan struct{}

	dropped     atomic.Uint64
	closeOnce   sync.Once
	releaseOnce sync.Once
}

// SubscriptionQuery registers sq in its routing context and opens the update
// stream. A subscription id already active in the context is rejected with a
// RegistryConflictError before anything is sent. Failures to reach the hub
// are reported the same way, synchronously.
func (r *Router) SubscriptionQuery(ctx context.Context, sq *message.SubscriptionQueryMessage, backpressure Backpressure, bufferSize int) (*SubscriptionQueryResult, error) {
	sq = &message.SubscriptionQueryMessage{
		QueryMessage:       r.intercept(sq.QueryMessage),
		UpdateResponseType: sq.UpdateResponseType,
	}
	if bufferSize <= 0 {
		bufferSize = DefaultUpdateBufferSize
	}
	if !r.running.Load() {
		return nil, dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, sq.Identifier, "query router stopped", dispatcherrors.ErrRouterStopped)
	}

	routingContext := r.resolveContext(sq.QueryMessage)
	if err := r.registry.add(routingContext, sq.Identifier); err != nil {
		r.logger.ComponentWarn(logging.ComponentQuery, "Duplicate subscription query",
			zap.String("context", routingContext),
			zap.String("subscription_id", sq.Identifier))
		return nil, err
	}
	r.logger.ComponentDebug(logging.ComponentQuery, "Subscription query requested",
		zap.String("subscription_id", sq.Identifier))

	wireQuery, err := r.subscriptions.SerializeQuery(sq, int64(bufferSize))
	if err != nil {
		r.registry.remove(routingContext, sq.Identifier)
		return nil, dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, sq.Identifier, "failed to serialize subscription query", err)
	}

	result := &SubscriptionQueryResult{
		id:             sq.Identifier,
		routingContext: routingContext,
		serializer:     r.subscriptions,
		logger:         r.logger,
		strategy:       backpressure,
		bufferSize:     bufferSize,
		wireQuery:      wireQuery,
		release:        func() { r.registry.remove(routingContext, sq.Identifier) },
		initial:        message.NewFuture[*message.QueryResponseMessage](),
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	sender, err := r.conn.Subscription(ctx, routingContext, result.observer())
	if err != nil {
		result.releaseRegistration()
		return nil, dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, sq.Identifier, "failed to open subscription query", err)
	}

	threshold := int64(bufferSize / 2)
	fc := stream.NewFlowControlled[*wire.SubscriptionQueryRequest](sender, stream.FlowControl{
		InitialPermits:      int64(bufferSize),
		NewPermits:          int64(bufferSize) - threshold,
		NewPermitsThreshold: threshold,
	}, r.cfg.ClientID, func(grant *wire.FlowControl) *wire.SubscriptionQueryRequest {
		return &wire.SubscriptionQueryRequest{FlowControl: &wire.SubscriptionQuery{
			SubscriptionIdentifier: sq.Identifier,
			NumberOfPermits:        grant.Permits,
		}}
	}, nil)
	result.sender.Store(fc)

	// the subscribe request carries the initial permits
	if err := fc.Send(&wire.SubscriptionQueryRequest{Subscribe: wireQuery}); err == nil {
		err = fc.Send(&wire.SubscriptionQueryRequest{GetInitialResult: wireQuery})
	}
	if err != nil {
		_ = fc.Complete()
		result.releaseRegistration()
		return nil, dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, sq.Identifier, "failed to send subscription query", err)
	}
	return result, nil
}

// ID returns the subscription identifier.
func (s *SubscriptionQueryResult) ID() string {
	return s.id
}

// InitialResult returns the future holding the initial result.
func (s *SubscriptionQueryResult) InitialResult() *message.Future[*message.QueryResponseMessage] {
	return s.initial
}

// Next blocks until the next update. It returns false once the subscription
// ended and the buffer is drained, it was closed, or ctx is done.
func (s *SubscriptionQueryResult) Next(ctx context.Context) (*message.SubscriptionQueryUpdateMessage, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			u := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.consumed()
			return u, true
		}
		if s.finished {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Updates returns the remaining updates as a sequence.
func (s *SubscriptionQueryResult) Updates(ctx context.Context) iter.Seq[*message.SubscriptionQueryUpdateMessage] {
	return func(yield func(*message.SubscriptionQueryUpdateMessage) bool) {
		for {
			u, ok := s.Next(ctx)
			if !ok || !yield(u) {
				return
			}
		}
	}
}

// Err returns the failure that ended the subscription, if any.
func (s *SubscriptionQueryResult) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of updates discarded by the backpressure strategy.
func (s *SubscriptionQueryResult) Dropped() uint64 {
	return s.dropped.Load()
}

// Close cancels the subscription: the hub is told to unsubscribe and the id
// is removed from the registry. Close is idempotent.
func (s *SubscriptionQueryResult) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		wasFinished := s.finished
		s.mu.Unlock()
		close(s.done)

		s.initial.Fail(context.Canceled)
		if !wasFinished {
			s.unsubscribe()
		}
		s.releaseRegistration()
	})
	return nil
}

func (s *SubscriptionQueryResult) observer() stream.Observer[*wire.SubscriptionQueryResponse] {
	return stream.Funcs[*wire.SubscriptionQueryResponse]{
		Next: s.onResponse,
		Error: func(err error) {
			failure := dispatcherrors.NewDispatchError(
				dispatcherrors.CodeQueryDispatch, s.id, "subscription query failed", err)
			s.initial.Fail(failure)
			s.finish(failure)
		},
		Completed: func() {
			s.initial.Fail(dispatcherrors.NewNoResultError(
				dispatcherrors.CodeQueryDispatch, s.id, "No result from query executor"))
			s.finish(nil)
		},
	}
}

func (s *SubscriptionQueryResult) onResponse(resp *wire.SubscriptionQueryResponse) {
	switch resp.RequestCase() {
	case wire.CaseInitialResult:
		result := s.serializer.DeserializeInitialResult(resp.InitialResult)
		if result.IsExceptional() {
			s.initial.Fail(result.Err)
			return
		}
		s.initial.Complete(result)
	case wire.CaseUpdate:
		s.enqueue(s.serializer.DeserializeUpdate(resp.Update))
	case wire.CaseComplete:
		s.finish(nil)
	case wire.CaseCompleteExceptionally:
		s.finish(s.serializer.DeserializeCompleteExceptionally(resp.CompleteExceptionally))
	default:
		s.logger.ComponentDebug(logging.ComponentQuery, "Ignoring unknown subscription query response",
			zap.String("subscription_id", s.id))
	}
}

func (s *SubscriptionQueryResult) enqueue(u *message.SubscriptionQueryUpdateMessage) {
	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.bufferSize {
		switch s.strategy {
		case BackpressureDropOldest:
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.dropped.Add(1)
			defer s.consumed()
		case BackpressureDropLatest:
			s.mu.Unlock()
			s.dropped.Add(1)
			s.consumed()
			return
		case BackpressureFail:
			s.mu.Unlock()
			s.logger.ComponentWarn(logging.ComponentQuery, "Update buffer overflow, ending subscription query",
				zap.String("subscription_id", s.id),
				zap.Int("buffer_size", s.bufferSize))
			s.unsubscribe()
			s.finish(fmt.Errorf("subscription %s: %w", s.id, dispatcherrors.ErrBufferOverflow))
			return
		}
	}
	s.queue = append(s.queue, u)
	s.signal()
	s.mu.Unlock()
}

func (s *SubscriptionQueryResult) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	s.signal()
	s.mu.Unlock()

	if fc := s.sender.Load(); fc != nil {
		_ = fc.Complete()
	}
	s.releaseRegistration()
}

func (s *SubscriptionQueryResult) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *SubscriptionQueryResult) consumed() {
	if fc := s.sender.Load(); fc != nil {
		if err := fc.MarkConsumed(1); err != nil {
			s.logger.ComponentDebug(logging.ComponentQuery, "Granting update permits failed",
				zap.String("subscription_id", s.id),
				zap.Error(err))
		}
	}
}

func (s *SubscriptionQueryResult) unsubscribe() {
	fc := s.sender.Load()
	if fc == nil {
		return
	}
	if err := fc.Send(&wire.SubscriptionQueryRequest{Unsubscribe: s.wireQuery}); err != nil {
		s.logger.ComponentDebug(logging.ComponentQuery, "Unsubscribing subscription query failed",
			zap.String("subscription_id", s.id),
			zap.Error(err))
	}
	_ = fc.Complete()
}

func (s *SubscriptionQueryResult) releaseRegistration() {
	s.releaseOnce.Do(s.release)
}
