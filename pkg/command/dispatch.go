package command

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/stream"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

type pendingCommand struct {
	cmd *message.CommandMessage
	cb  message.CommandCallback
}

// pendingTable holds the dispatched commands still waiting for their outcome.
// Taking an entry is what makes its callback fire exactly once.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingCommand
	nextKey atomic.Uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingCommand)}
}

func (t *pendingTable) add(cmd *message.CommandMessage, cb message.CommandCallback) uint64 {
	key := t.nextKey.Add(1)
	t.mu.Lock()
	t.entries[key] = &pendingCommand{cmd: cmd, cb: cb}
	t.mu.Unlock()
	return key
}

func (t *pendingTable) take(key uint64) (*pendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return p, ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*pendingCommand)
	t.mu.Unlock()

	for _, p := range entries {
		p.cb(p.cmd, message.FailedCommandResult(dispatcherrors.NewDispatchError(
			dispatcherrors.CodeCommandDispatch, p.cmd.Identifier, "command dispatch aborted", err)))
	}
}

// Dispatch sends cmd to the hub and reports the outcome to the default callback.
func (r *Router) Dispatch(ctx context.Context, cmd *message.CommandMessage) {
	r.DispatchWithCallback(ctx, cmd, nil)
}

// DispatchWithCallback sends cmd to the hub. cb is called exactly once: with
// the first response, with a dispatch error when sending or the transport
// fails, or with a no-result error when the hub completes without answering.
// It never blocks on the response.
func (r *Router) DispatchWithCallback(ctx context.Context, cmd *message.CommandMessage, cb message.CommandCallback) {
	if cb == nil {
		cb = r.defaultCallback
	}
	cmd = r.intercept(cmd)

	if !r.running.Load() {
		cb(cmd, message.FailedCommandResult(dispatcherrors.NewDispatchError(
			dispatcherrors.CodeCommandDispatch, cmd.Identifier, "command router stopped", dispatcherrors.ErrRouterStopped)))
		return
	}

	request, err := r.serializer.SerializeRequest(cmd, r.routingKey(cmd), r.priority(cmd))
	if err != nil {
		cb(cmd, message.FailedCommandResult(dispatcherrors.NewDispatchError(
			dispatcherrors.CodeCommandDispatch, cmd.Identifier, "failed to serialize command", err)))
		return
	}

	key := r.pending.add(cmd, cb)
	observer := r.responseObserver(key)
	if err := r.conn.DispatchCommand(ctx, r.resolveContext(cmd), request, observer); err != nil {
		observer.OnError(err)
	}
}

// Send dispatches cmd and returns a future completed with its result.
// Exceptional results complete the future with the result's error.
func (r *Router) Send(ctx context.Context, cmd *message.CommandMessage) *message.Future[*message.CommandResultMessage] {
	future := message.NewFuture[*message.CommandResultMessage]()
	r.DispatchWithCallback(ctx, cmd, func(_ *message.CommandMessage, result *message.CommandResultMessage) {
		if result.IsExceptional() {
			future.Fail(result.Err)
			return
		}
		future.Complete(result)
	})
	return future
}

func (r *Router) responseObserver(key uint64) stream.Observer[*wire.CommandResponse] {
	return stream.Funcs[*wire.CommandResponse]{
		Next: func(resp *wire.CommandResponse) {
			if p, ok := r.pending.take(key); ok {
				p.cb(p.cmd, r.serializer.DeserializeResponse(resp))
			}
		},
		Error: func(err error) {
			p, ok := r.pending.take(key)
			if !ok {
				return
			}
			logf := r.logger.ComponentWarn
			if dispatcherrors.IsConnectionLost(err) {
				logf = r.logger.ComponentDebug
			}
			logf(logging.ComponentCommand, "Command dispatch failed",
				zap.String("command", p.cmd.CommandName),
				zap.String("message_id", p.cmd.Identifier),
				zap.Bool("retryable", dispatcherrors.ShouldRetry(err)),
				zap.Error(err))
			p.cb(p.cmd, message.FailedCommandResult(dispatcherrors.NewDispatchError(
				dispatcherrors.CodeCommandDispatch, p.cmd.Identifier, "failed to dispatch command", err)))
		},
		Completed: func() {
			if p, ok := r.pending.take(key); ok {
				p.cb(p.cmd, message.FailedCommandResult(dispatcherrors.NewNoResultError(
					dispatcherrors.CodeCommandDispatch, p.cmd.Identifier, "No result from command executor")))
			}
		},
	}
}
