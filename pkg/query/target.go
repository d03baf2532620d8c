package query

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/local"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/serializer"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

const maxTargetBuffer = 1024

// updateTarget relays the updates of one remote subscription query. Updates
// are forwarded only while the subscriber has permits left.
type updateTarget struct {
	id      string
	handler *local.UpdateHandler

	mu        sync.Mutex
	cond      *sync.Cond
	permits   int64
	cancelled bool
}

func newUpdateTarget(id string, handler *local.UpdateHandler, permits int64) *updateTarget {
	if permits <= 0 {
		permits = math.MaxInt64
	}
	t := &updateTarget{id: id, handler: handler, permits: permits}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *updateTarget) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.cancelled && t.permits == 0 {
		t.cond.Wait()
	}
	if t.cancelled {
		return false
	}
	if t.permits != math.MaxInt64 {
		t.permits--
	}
	return true
}

func (t *updateTarget) grant(n int64) {
	t.mu.Lock()
	if t.permits != math.MaxInt64 {
		t.permits += n
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *updateTarget) cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.cond.Broadcast()
	t.mu.Unlock()
	t.handler.Cancel()
}

func (t *updateTarget) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// requestTarget serves subscription query requests the hub relays to this
// client: it registers them with the local update emitter, answers initial
// result requests, and publishes updates upstream.
type requestTarget struct {
	router     *Router
	serializer *serializer.SubscriptionSerializer
	logger     *logging.ColoredLogger

	mu      sync.Mutex
	targets map[string]*updateTarget
}

func newRequestTarget(r *Router) *requestTarget {
	return &requestTarget{
		router:     r,
		serializer: r.subscriptions,
		logger:     r.logger,
		targets:    make(map[string]*updateTarget),
	}
}

func (t *requestTarget) handle(req *wire.SubscriptionQueryRequest) {
	switch req.RequestCase() {
	case wire.CaseSubscribe:
		t.subscribe(req.Subscribe)
	case wire.CaseGetInitialResult:
		t.initialResult(req.GetInitialResult)
	case wire.CaseFlowControl:
		if target := t.get(req.FlowControl.SubscriptionIdentifier); target != nil {
			target.grant(req.FlowControl.NumberOfPermits)
		}
	case wire.CaseUnsubscribe:
		if target := t.remove(req.Unsubscribe.SubscriptionIdentifier); target != nil {
			target.cancel()
		}
	default:
		t.logger.ComponentDebug(logging.ComponentQuery, "Ignoring empty subscription query request")
	}
}

func (t *requestTarget) subscribe(sq *wire.SubscriptionQuery) {
	query, err := t.serializer.DeserializeQuery(sq)
	if err != nil {
		t.logger.ComponentWarn(logging.ComponentQuery, "Failed to deserialize subscription query",
			zap.String("subscription_id", sq.SubscriptionIdentifier),
			zap.Error(err))
		t.publish(t.serializer.SerializeCompleteExceptionally(sq.SubscriptionIdentifier, err))
		return
	}

	// updates wait here while the subscriber has no permits
	buffer := int(min(max(sq.NumberOfPermits, DefaultUpdateBufferSize), maxTargetBuffer))
	handler, err := t.router.emitter.RegisterUpdateHandler(query, buffer)
	if err != nil {
		t.logger.ComponentWarn(logging.ComponentQuery, "Subscription query already registered locally",
			zap.String("subscription_id", sq.SubscriptionIdentifier),
			zap.Error(err))
		return
	}

	target := newUpdateTarget(sq.SubscriptionIdentifier, handler, sq.NumberOfPermits)
	t.mu.Lock()
	t.targets[target.id] = target
	t.mu.Unlock()
	go t.forward(target)
}

func (t *requestTarget) forward(target *updateTarget) {
	for u := range target.handler.Updates() {
		if !target.acquire() {
			return
		}
		t.publish(t.serializer.SerializeUpdate(u, target.id))
	}
	if target.isCancelled() {
		return
	}
	t.remove(target.id)
	if err := target.handler.Err(); err != nil {
		t.publish(t.serializer.SerializeCompleteExceptionally(target.id, err))
		return
	}
	t.publish(t.serializer.SerializeComplete(target.id))
}

func (t *requestTarget) initialResult(sq *wire.SubscriptionQuery) {
	id := sq.SubscriptionIdentifier
	query, err := t.serializer.DeserializeQuery(sq)
	if err != nil {
		t.publish(t.serializer.SerializeInitialResult(message.FailedQueryResponse(err), id))
		return
	}

	var priority int64
	if sq.QueryRequest != nil {
		priority = serializer.Priority(sq.QueryRequest.ProcessingInstructions)
	}
	r := t.router
	err = r.executor.Submit(-priority, func() {
		if !r.running.Load() {
			return
		}
		resp, err := r.local.Query(r.ctx, query.QueryMessage)
		if err != nil {
			resp = message.FailedQueryResponse(err)
		}
		t.publish(t.serializer.SerializeInitialResult(resp, id))
	})
	if err != nil {
		t.publish(t.serializer.SerializeInitialResult(message.FailedQueryResponse(err), id))
	}
}

func (t *requestTarget) publish(resp *wire.SubscriptionQueryResponse) {
	err := t.router.send(&wire.QueryProviderOutbound{
		InstructionID:             message.NewIdentifier(),
		SubscriptionQueryResponse: resp,
	})
	if err != nil {
		t.logger.ComponentWarn(logging.ComponentQuery, "Failed to publish subscription query response",
			zap.String("subscription_id", resp.SubscriptionIdentifier),
			zap.Error(err))
	}
}

func (t *requestTarget) get(id string) *updateTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targets[id]
}

func (t *requestTarget) remove(id string) *updateTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	target := t.targets[id]
	delete(t.targets, id)
	return target
}

func (t *requestTarget) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.targets)
}

func (t *requestTarget) cancelAll() {
	t.mu.Lock()
	targets := t.targets
	t.targets = make(map[string]*updateTarget)
	t.mu.Unlock()
	for _, target := range targets {
		target.cancel()
	}
	if len(targets) > 0 {
		t.logger.ComponentDebug(logging.ComponentQuery, "Cancelled relayed subscription queries",
			zap.Int("count", len(targets)))
	}
}
