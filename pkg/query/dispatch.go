package query

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/connection"
	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/stream"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// Query sends q to a single handler. The future completes with the first
// response, or fails with the remote error, a dispatch error, or a no-result
// error when the hub completes without answering. Without a ctx deadline the
// query is bounded by DirectQueryTimeout.
func (r *Router) Query(ctx context.Context, q *message.QueryMessage) *message.Future[*message.QueryResponseMessage] {
	future := message.NewFuture[*message.QueryResponseMessage]()
	q = r.intercept(q)

	if !r.running.Load() {
		future.Fail(dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, q.Identifier, "query router stopped", dispatcherrors.ErrRouterStopped))
		return future
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	timeout := DirectQueryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	} else {
		callCtx, cancel = context.WithTimeout(ctx, DirectQueryTimeout)
	}

	req, err := r.serializer.SerializeRequest(q, 1, timeout, r.priority(q))
	if err != nil {
		cancel()
		future.Fail(dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, q.Identifier, "failed to serialize query", err))
		return future
	}

	observer := stream.Funcs[*wire.QueryResponse]{
		Next: func(resp *wire.QueryResponse) {
			result := r.serializer.DeserializeResponse(resp)
			if result.IsExceptional() {
				future.Fail(result.Err)
				return
			}
			future.Complete(result)
		},
		Error: func(err error) {
			cancel()
			if future.Fail(dispatcherrors.NewDispatchError(
				dispatcherrors.CodeQueryDispatch, q.Identifier, "failed to dispatch query", err)) {
				r.logger.ComponentDebug(logging.ComponentQuery, "Query dispatch failed",
					zap.String("query", q.QueryName),
					zap.String("message_id", q.Identifier),
					zap.Bool("retryable", dispatcherrors.ShouldRetry(err)),
					zap.Error(err))
			}
		},
		Completed: func() {
			cancel()
			future.Fail(dispatcherrors.NewNoResultError(
				dispatcherrors.CodeQueryDispatch, q.Identifier, "No result from query executor"))
		},
	}

	if _, err := r.conn.Query(callCtx, r.resolveContext(q), req, observer); err != nil {
		observer.OnError(err)
	}
	return future
}

// ResponseStream is the pull based result of a scatter-gather query. It ends
// when the hub completes the query, the deadline passes, or it is closed.
type ResponseStream struct {
	collector *stream.Collector[*message.QueryResponseMessage]
}

// Next blocks until the next response. It returns false once the stream ended.
func (s *ResponseStream) Next(ctx context.Context) (*message.QueryResponseMessage, bool) {
	return s.collector.Next(ctx)
}

// All returns the remaining responses as a sequence. Breaking out of the
// loop cancels the query.
func (s *ResponseStream) All(ctx context.Context) iter.Seq[*message.QueryResponseMessage] {
	return s.collector.All(ctx)
}

// Err reports a transport failure that ended the stream early. Reaching the
// deadline is not an error.
func (s *ResponseStream) Err() error {
	return s.collector.Err()
}

// Close cancels the query if it is still running.
func (s *ResponseStream) Close() error {
	return s.collector.Close()
}

// ScatterGather sends q to every handler and streams the responses that
// arrive within timeout. Exceptional responses are skipped.
func (r *Router) ScatterGather(ctx context.Context, q *message.QueryMessage, timeout time.Duration) *ResponseStream {
	q = r.intercept(q)
	deadline := time.Now().Add(timeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)

	var (
		callMu sync.Mutex
		call   connection.Call
	)
	collector := stream.NewCollector[*message.QueryResponseMessage](deadline, func() {
		cancel()
		callMu.Lock()
		c := call
		callMu.Unlock()
		if c != nil {
			c.Cancel()
		}
	})
	result := &ResponseStream{collector: collector}

	if !r.running.Load() {
		cancel()
		collector.Fail(dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, q.Identifier, "query router stopped", dispatcherrors.ErrRouterStopped))
		return result
	}

	req, err := r.serializer.SerializeRequest(q, -1, timeout, r.priority(q))
	if err != nil {
		cancel()
		collector.Fail(dispatcherrors.NewDispatchError(
			dispatcherrors.CodeQueryDispatch, q.Identifier, "failed to serialize query", err))
		return result
	}

	observer := stream.Funcs[*wire.QueryResponse]{
		Next: func(resp *wire.QueryResponse) {
			msg := r.serializer.DeserializeResponse(resp)
			if msg.IsExceptional() {
				r.logger.ComponentWarn(logging.ComponentQuery, "Skipping failed scatter-gather response",
					zap.String("query", q.QueryName),
					zap.Error(msg.Err))
				return
			}
			collector.Put(msg)
		},
		Error: func(err error) {
			cancel()
			if dispatcherrors.IsDeadlineExceeded(err) || errors.Is(err, context.Canceled) {
				collector.Complete()
				return
			}
			r.logger.ComponentWarn(logging.ComponentQuery, "Scatter-gather query failed",
				zap.String("query", q.QueryName),
				zap.String("message_id", q.Identifier),
				zap.Error(err))
			collector.Fail(dispatcherrors.NewDispatchError(
				dispatcherrors.CodeQueryDispatch, q.Identifier, "failed to dispatch query", err))
		},
		Completed: func() {
			cancel()
			collector.Complete()
		},
	}

	c, err := r.conn.Query(callCtx, r.resolveContext(q), req, observer)
	if err != nil {
		observer.OnError(err)
		return result
	}
	callMu.Lock()
	call = c
	callMu.Unlock()
	return result
}
