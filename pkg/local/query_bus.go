package local

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
)

type queryKey struct {
	name         string
	responseType string
}

type queryEntry struct {
	id      uint64
	handler message.QueryHandler
}

// QueryBus runs queries on the handlers subscribed for their name and response type.
type QueryBus struct {
	logger   *logging.ColoredLogger
	mu       sync.RWMutex
	handlers map[queryKey][]queryEntry
	nextID   atomic.Uint64
}

// NewQueryBus creates an empty query bus.
func NewQueryBus(logger *logging.ColoredLogger) *QueryBus {
	return &QueryBus{
		logger:   logging.OrNop(logger),
		handlers: make(map[queryKey][]queryEntry),
	}
}

// Subscribe adds handler for name answering with responseType.
func (b *QueryBus) Subscribe(name string, responseType message.ResponseType, handler message.QueryHandler) message.Registration {
	key := queryKey{name: name, responseType: responseType.Name}
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.handlers[key] = append(b.handlers[key], queryEntry{id: id, handler: handler})
	b.mu.Unlock()

	return message.RegistrationFunc(func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[key]
		idx := slices.IndexFunc(entries, func(e queryEntry) bool { return e.id == id })
		if idx < 0 {
			return false
		}
		entries = slices.Delete(slices.Clone(entries), idx, idx+1)
		if len(entries) == 0 {
			delete(b.handlers, key)
		} else {
			b.handlers[key] = entries
		}
		return true
	})
}

// HandlerCount returns the number of handlers for name and response type.
func (b *QueryBus) HandlerCount(name string, responseType message.ResponseType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[queryKey{name: name, responseType: responseType.Name}])
}

func (b *QueryBus) snapshot(q *message.QueryMessage) []queryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.handlers[queryKey{name: q.QueryName, responseType: q.ResponseType.Name}])
}

// Query runs q on the first matching handler.
func (b *QueryBus) Query(ctx context.Context, q *message.QueryMessage) (*message.QueryResponseMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := b.snapshot(q)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no handler subscribed for query %s returning %s: %w",
			q.QueryName, q.ResponseType.Name, dispatcherrors.ErrNoHandler)
	}
	return runQuery(ctx, entries[0].handler, q)
}

// ScatterGather runs q on every matching handler in turn, yielding the
// successful responses. Failing handlers are logged and skipped. A positive
// timeout stops the sequence once it elapses.
func (b *QueryBus) ScatterGather(ctx context.Context, q *message.QueryMessage, timeout time.Duration) iter.Seq[*message.QueryResponseMessage] {
	entries := b.snapshot(q)
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	return func(yield func(*message.QueryResponseMessage) bool) {
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return
			}
			resp, err := runQuery(ctx, entry.handler, q)
			if err != nil {
				b.logger.ComponentWarn(logging.ComponentQuery, "Query handler failed during scatter-gather",
					zap.String("query", q.QueryName),
					zap.Error(err))
				continue
			}
			if !yield(resp) {
				return
			}
		}
	}
}

func runQuery(ctx context.Context, handler message.QueryHandler, q *message.QueryMessage) (resp *message.QueryResponseMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = dispatcherrors.NewExecutionError(dispatcherrors.CodeQueryExecution, q.QueryName, fmt.Errorf("panic: %v", r))
		}
	}()

	payload, err := handler(ctx, q)
	if err != nil {
		return nil, err
	}
	if r, ok := payload.(*message.QueryResponseMessage); ok {
		return r, nil
	}
	return message.NewQueryResponse(payload), nil
}
