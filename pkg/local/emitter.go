package local

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
)

// QueryFilter selects the subscriptions an update applies to.
type QueryFilter func(q *message.QueryMessage) bool

// AllQueries matches every subscription.
func AllQueries(*message.QueryMessage) bool { return true }

// UpdateHandler receives the updates for one subscription query. Updates
// is closed when the subscription completes, fails or is cancelled; Err
// reports the failure, if any.
type UpdateHandler struct {
	query   *message.SubscriptionQueryMessage
	updates chan *message.SubscriptionQueryUpdateMessage
	remove  func()

	mu     sync.Mutex
	closed bool
	err    error
}

// Query returns the subscription query.
func (h *UpdateHandler) Query() *message.SubscriptionQueryMessage {
	return h.query
}

// Updates returns the update channel.
func (h *UpdateHandler) Updates() <-chan *message.SubscriptionQueryUpdateMessage {
	return h.updates
}

// Err returns the terminal error once Updates is closed.
func (h *UpdateHandler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel stops delivery and removes the handler from its emitter.
func (h *UpdateHandler) Cancel() bool {
	if !h.terminate(nil) {
		return false
	}
	h.remove()
	return true
}

func (h *UpdateHandler) deliver(u *message.SubscriptionQueryUpdateMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return true
	}
	select {
	case h.updates <- u:
		return true
	default:
		return false
	}
}

func (h *UpdateHandler) terminate(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	h.err = err
	close(h.updates)
	return true
}

// UpdateEmitter fans updates out to the subscription queries they match.
type UpdateEmitter struct {
	logger   *logging.ColoredLogger
	mu       sync.RWMutex
	handlers map[string]*UpdateHandler
}

// NewUpdateEmitter creates an emitter with no subscriptions.
func NewUpdateEmitter(logger *logging.ColoredLogger) *UpdateEmitter {
	return &UpdateEmitter{
		logger:   logging.OrNop(logger),
		handlers: make(map[string]*UpdateHandler),
	}
}

// RegisterUpdateHandler starts collecting updates for sq into a buffer of
// bufferSize. A subscription id may only be registered once at a time.
func (e *UpdateEmitter) RegisterUpdateHandler(sq *message.SubscriptionQueryMessage, bufferSize int) (*UpdateHandler, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[sq.Identifier]; exists {
		return nil, dispatcherrors.NewRegistryConflictError("local", sq.Identifier)
	}

	h := &UpdateHandler{
		query:   sq,
		updates: make(chan *message.SubscriptionQueryUpdateMessage, bufferSize),
	}
	h.remove = func() { e.removeHandler(sq.Identifier, h) }
	e.handlers[sq.Identifier] = h
	return h, nil
}

func (e *UpdateEmitter) removeHandler(id string, h *UpdateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers[id] == h {
		delete(e.handlers, id)
	}
}

func (e *UpdateEmitter) matching(queryName string, filter QueryFilter) []*UpdateHandler {
	if filter == nil {
		filter = AllQueries
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*UpdateHandler
	for _, h := range e.handlers {
		if h.query.QueryName == queryName && filter(h.query.QueryMessage) {
			out = append(out, h)
		}
	}
	return out
}

// Emit sends update to every subscription of queryName accepted by filter.
// A subscription whose buffer is full is completed with ErrBufferOverflow.
func (e *UpdateEmitter) Emit(queryName string, filter QueryFilter, update any) int {
	msg, ok := update.(*message.SubscriptionQueryUpdateMessage)
	if !ok {
		msg = message.NewUpdate(update)
	}

	delivered := 0
	for _, h := range e.matching(queryName, filter) {
		if h.deliver(msg) {
			delivered++
			continue
		}
		e.logger.ComponentWarn(logging.ComponentQuery, "Update buffer overflow, completing subscription",
			zap.String("query", queryName),
			zap.String("subscription_id", h.query.Identifier))
		if h.terminate(fmt.Errorf("subscription %s: %w", h.query.Identifier, dispatcherrors.ErrBufferOverflow)) {
			h.remove()
		}
	}
	return delivered
}

// Complete ends every matching subscription normally.
func (e *UpdateEmitter) Complete(queryName string, filter QueryFilter) {
	for _, h := range e.matching(queryName, filter) {
		if h.terminate(nil) {
			h.remove()
		}
	}
}

// CompleteExceptionally ends every matching subscription with err.
func (e *UpdateEmitter) CompleteExceptionally(queryName string, filter QueryFilter, err error) {
	for _, h := range e.matching(queryName, filter) {
		if h.terminate(err) {
			h.remove()
		}
	}
}

// ActiveSubscriptions returns the number of registered handlers.
func (e *UpdateEmitter) ActiveSubscriptions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
