// Package query routes queries between the local application and the hub.
//
// Direct queries resolve a future with the first response. Scatter-gather
// queries stream every response that arrives before a deadline. Subscription
// queries return an initial result followed by updates until closed. Queries
// the hub delivers for locally subscribed handlers are queued on a priority
// executor, answered by the local segment, and completed over the provider
// stream.
package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/config"
	"github.com/DeBrosOfficial/dispatch/pkg/connection"
	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/executor"
	"github.com/DeBrosOfficial/dispatch/pkg/local"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/serializer"
	"github.com/DeBrosOfficial/dispatch/pkg/stream"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// LocalSegment answers queries with in-process handlers.
type LocalSegment interface {
	Subscribe(name string, responseType message.ResponseType, handler message.QueryHandler) message.Registration
	Query(ctx context.Context, q *message.QueryMessage) (*message.QueryResponseMessage, error)
	ScatterGather(ctx context.Context, q *message.QueryMessage, timeout time.Duration) iter.Seq[*message.QueryResponseMessage]
}

// Options configures a Router. Only Connection is required.
type Options struct {
	Config        *config.RouterConfig
	Connection    connection.Manager
	Serializer    *serializer.Serializer
	ResponseTypes *message.ResponseTypes
	Local         LocalSegment
	Emitter       *local.UpdateEmitter

	Priority        PriorityFunc
	ContextResolver ContextResolver

	Logger *logging.ColoredLogger
}

type outboundStream = stream.FlowControlled[*wire.QueryProviderOutbound]

// definition identifies the handlers registered for one query and result type.
type definition struct {
	query      string
	resultName string
}

type interceptor struct {
	id uint64
	fn func(*message.QueryMessage) *message.QueryMessage
}

// Router is the query side of a dispatch client.
type Router struct {
	cfg            *config.RouterConfig
	conn           connection.Manager
	serializer     *serializer.QuerySerializer
	subscriptions  *serializer.SubscriptionSerializer
	responseTypes  *message.ResponseTypes
	local          LocalSegment
	emitter        *local.UpdateEmitter
	priority       PriorityFunc
	resolveContext ContextResolver
	logger         *logging.ColoredLogger
	executor       *executor.PriorityExecutor
	routingContext string

	ctx    context.Context
	cancel context.CancelFunc

	defMu       sync.RWMutex
	definitions map[definition]int

	outbound   atomic.Pointer[outboundStream]
	outboundMu sync.Mutex

	running     atomic.Bool
	subscribing atomic.Bool
	state       atomic.Int32

	interceptorMu sync.RWMutex
	interceptors  []interceptor
	nextID        atomic.Uint64

	registry *registry
	target   *requestTarget
}

// NewRouter creates a router. It registers for reconnect notifications, for
// context disconnects, and as a reconnect interceptor that refuses to drop
// live subscription queries.
func NewRouter(opts Options) (*Router, error) {
	if opts.Connection == nil {
		return nil, fmt.Errorf("query router: connection manager is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultRouterConfig()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("query router: invalid configuration: %w", errors.Join(errs...))
	}
	policy, err := executor.ParsePolicy(cfg.QueueFullPolicy)
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(opts.Logger)
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	payload := opts.Serializer
	if payload == nil {
		payload = serializer.NewJSON(nil)
	}
	responseTypes := opts.ResponseTypes
	if responseTypes == nil {
		responseTypes = message.NewResponseTypes()
	}
	querySerializer := serializer.NewQuerySerializer(payload, responseTypes, cfg.ClientID, cfg.ComponentName)

	r := &Router{
		cfg:            cfg,
		conn:           opts.Connection,
		serializer:     querySerializer,
		subscriptions:  serializer.NewSubscriptionSerializer(querySerializer),
		responseTypes:  responseTypes,
		local:          opts.Local,
		emitter:        opts.Emitter,
		priority:       opts.Priority,
		resolveContext: opts.ContextResolver,
		logger:         logger,
		routingContext: cfg.Context,
		definitions:    make(map[definition]int),
		registry:       newRegistry(),
	}
	if r.local == nil {
		r.local = local.NewQueryBus(logger)
	}
	if r.emitter == nil {
		r.emitter = local.NewUpdateEmitter(logger)
	}
	if r.priority == nil {
		r.priority = DefaultPriority
	}
	if r.resolveContext == nil {
		r.resolveContext = StaticContext(cfg.Context)
	}
	r.target = newRequestTarget(r)

	r.executor = executor.New("query", executor.Options{
		Workers:  cfg.QueryThreads,
		Capacity: cfg.QueryQueueCapacity,
		Policy:   policy,
	}, logger)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running.Store(true)

	r.conn.AddReconnectListener(r.routingContext, r.resubscribe)
	r.conn.AddDisconnectListener(r.routingContext, r.target.cancelAll)
	r.conn.AddReconnectInterceptor(r.allowReconnect)
	r.conn.AddContextDisconnectListener(r.contextDisconnected)
	return r, nil
}

// UpdateEmitter returns the emitter whose updates are relayed to remote
// subscription queries.
func (r *Router) UpdateEmitter() *local.UpdateEmitter {
	return r.emitter
}

// ResponseTypes returns the response type registry.
func (r *Router) ResponseTypes() *message.ResponseTypes {
	return r.responseTypes
}

// State returns the subscription state of the router.
func (r *Router) State() stream.State {
	return stream.State(r.state.Load())
}

func (r *Router) setState(s stream.State) {
	if r.State() != stream.StateDisconnected {
		r.state.Store(int32(s))
	}
}

// Stats returns a snapshot of the router.
func (r *Router) Stats() Stats {
	r.defMu.RLock()
	handlers := 0
	for _, n := range r.definitions {
		handlers += n
	}
	subscriptions := len(r.definitions)
	r.defMu.RUnlock()

	stats := Stats{
		State:               r.State().String(),
		Subscriptions:       subscriptions,
		Handlers:            handlers,
		SubscriptionQueries: r.registry.total(),
		UpdateTargets:       r.target.len(),
		Executor:            r.executor.Stats(),
	}
	if out := r.outbound.Load(); out != nil {
		stats.FlowControl = out.Stats()
	}
	return stats
}

// RegisterDispatchInterceptor adds fn to the interceptors applied to every
// outgoing query, in registration order.
func (r *Router) RegisterDispatchInterceptor(fn func(*message.QueryMessage) *message.QueryMessage) message.Registration {
	id := r.nextID.Add(1)
	r.interceptorMu.Lock()
	r.interceptors = append(r.interceptors, interceptor{id: id, fn: fn})
	r.interceptorMu.Unlock()

	return message.RegistrationFunc(func() bool {
		r.interceptorMu.Lock()
		defer r.interceptorMu.Unlock()
		idx := slices.IndexFunc(r.interceptors, func(i interceptor) bool { return i.id == id })
		if idx < 0 {
			return false
		}
		r.interceptors = slices.Delete(r.interceptors, idx, idx+1)
		return true
	})
}

func (r *Router) intercept(q *message.QueryMessage) *message.QueryMessage {
	r.interceptorMu.RLock()
	interceptors := slices.Clone(r.interceptors)
	r.interceptorMu.RUnlock()
	for _, i := range interceptors {
		q = i.fn(q)
	}
	return q
}

// Subscribe registers handler for name and responseType locally and
// announces the new handler count to the hub. The response type is added to
// the registry so inbound queries naming it can be decoded.
func (r *Router) Subscribe(name string, responseType message.ResponseType, handler message.QueryHandler) message.Registration {
	if _, err := r.responseTypes.Register(responseType.Name, responseType.Cardinality); err != nil {
		r.logger.ComponentWarn(logging.ComponentQuery, "Response type conflicts with registered type",
			zap.String("query", name),
			zap.String("response_type", responseType.String()),
			zap.Error(err))
	}
	registration := r.local.Subscribe(name, responseType, handler)

	def := definition{query: name, resultName: responseType.Name}
	r.defMu.Lock()
	r.definitions[def]++
	count := r.definitions[def]
	r.defMu.Unlock()

	// a resubscription in flight owns the flag
	owned := r.subscribing.CompareAndSwap(false, true)
	r.setState(stream.StateSubscribing)
	err := r.send(r.subscription(def, count, true))
	if owned {
		r.subscribing.Store(false)
	}
	if err != nil {
		r.logger.ComponentDebug(logging.ComponentQuery, "Subscribing query handler failed, will retry on reconnect",
			zap.String("query", name),
			zap.Error(err))
	} else {
		r.setState(stream.StateSubscribed)
	}

	var once sync.Once
	return message.RegistrationFunc(func() bool {
		removed := registration.Cancel()
		once.Do(func() { r.unsubscribe(def) })
		return removed
	})
}

// unsubscribe drops one handler of def. The hub learns the new count, or
// that the definition is gone when it reaches zero.
func (r *Router) unsubscribe(def definition) {
	r.defMu.Lock()
	count := r.definitions[def] - 1
	if count <= 0 {
		delete(r.definitions, def)
		count = 0
	} else {
		r.definitions[def] = count
	}
	r.defMu.Unlock()

	out := r.outbound.Load()
	if out == nil {
		return
	}
	var err error
	if count == 0 {
		err = out.Send(r.subscription(def, 1, false))
	} else {
		err = out.Send(r.subscription(def, count, true))
	}
	if err != nil {
		r.logger.ComponentDebug(logging.ComponentQuery, "Unsubscribing query handler failed",
			zap.String("query", def.query),
			zap.Error(err))
	}
}

func (r *Router) subscription(def definition, handlers int, subscribe bool) *wire.QueryProviderOutbound {
	sub := &wire.QuerySubscription{
		MessageID:     message.NewIdentifier(),
		Query:         def.query,
		ResultName:    def.resultName,
		ComponentName: r.cfg.ComponentName,
		ClientID:      r.cfg.ClientID,
		NrOfHandlers:  int32(handlers),
	}
	out := &wire.QueryProviderOutbound{InstructionID: message.NewIdentifier()}
	if subscribe {
		out.Subscribe = sub
	} else {
		out.Unsubscribe = sub
	}
	return out
}

type definitionCount struct {
	def   definition
	count int
}

func (r *Router) snapshot() []definitionCount {
	r.defMu.RLock()
	defer r.defMu.RUnlock()
	out := make([]definitionCount, 0, len(r.definitions))
	for def, count := range r.definitions {
		out = append(out, definitionCount{def: def, count: count})
	}
	slices.SortFunc(out, func(a, b definitionCount) int {
		return cmp.Or(cmp.Compare(a.def.query, b.def.query), cmp.Compare(a.def.resultName, b.def.resultName))
	})
	return out
}

// resubscribe announces every definition with its handler count over a
// fresh stream. It is skipped while another subscribe or resubscribe is in
// flight.
func (r *Router) resubscribe() {
	defs := r.snapshot()
	if len(defs) == 0 || !r.running.Load() {
		return
	}
	if !r.subscribing.CompareAndSwap(false, true) {
		return
	}
	defer r.subscribing.Store(false)

	r.setState(stream.StateResubscribing)
	for _, d := range defs {
		if err := r.send(r.subscription(d.def, d.count, true)); err != nil {
			r.logger.ComponentWarn(logging.ComponentQuery, "Error while resubscribing query handlers",
				zap.String("context", r.routingContext),
				zap.Error(err))
			return
		}
	}
	r.setState(stream.StateSubscribed)
	r.logger.ComponentInfo(logging.ComponentQuery, "Resubscribed query handlers",
		zap.String("context", r.routingContext),
		zap.Int("count", len(defs)))
}

// allowReconnect refuses a reconnect of a context that still has live
// subscription queries.
func (r *Router) allowReconnect(routingContext string) bool {
	if r.registry.active(routingContext) == 0 {
		return true
	}
	r.logger.ComponentInfo(logging.ComponentQuery,
		fmt.Sprintf("Reconnect for context [%s] refused because there are active subscription queries.", routingContext))
	return false
}

func (r *Router) contextDisconnected(routingContext string) {
	if n := r.registry.evict(routingContext); n > 0 {
		r.logger.ComponentInfo(logging.ComponentQuery, "Dropped subscription queries of disconnected context",
			zap.String("context", routingContext),
			zap.Int("count", n))
	}
}

func (r *Router) send(out *wire.QueryProviderOutbound) error {
	s, err := r.outboundStream()
	if err != nil {
		return err
	}
	return s.Send(out)
}

// outboundStream returns the provider stream, opening it on first use and
// after the previous one terminated.
func (r *Router) outboundStream() (*outboundStream, error) {
	if s := r.outbound.Load(); s != nil {
		return s, nil
	}
	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()
	if s := r.outbound.Load(); s != nil {
		return s, nil
	}
	if !r.running.Load() {
		return nil, dispatcherrors.ErrRouterStopped
	}

	var current atomic.Pointer[outboundStream]
	inbound := stream.NewResubscribing[*wire.QueryProviderInbound](
		stream.Funcs[*wire.QueryProviderInbound]{
			Next: r.onInbound,
			Error: func(err error) {
				r.logger.ComponentWarn(logging.ComponentQuery, "Query provider stream failed",
					zap.String("context", r.routingContext),
					zap.Error(err))
			},
			Completed: func() {
				r.logger.ComponentInfo(logging.ComponentQuery, "Query provider stream completed by hub",
					zap.String("context", r.routingContext))
			},
		},
		func(error) {
			r.outboundMu.Lock()
			if s := current.Load(); s != nil {
				r.outbound.CompareAndSwap(s, nil)
			}
			r.outboundMu.Unlock()
			if r.running.Load() {
				go r.resubscribe()
			}
		},
	)

	sender, err := r.conn.QueryStream(r.routingContext, inbound)
	if err != nil {
		return nil, err
	}
	fc := stream.NewFlowControlled[*wire.QueryProviderOutbound](sender, stream.FlowControl{
		InitialPermits:      r.cfg.FlowControl.InitialPermits,
		NewPermits:          r.cfg.FlowControl.NewPermits,
		NewPermitsThreshold: r.cfg.FlowControl.NewPermitsThreshold,
	}, r.cfg.ClientID,
		func(fc *wire.FlowControl) *wire.QueryProviderOutbound {
			return &wire.QueryProviderOutbound{InstructionID: message.NewIdentifier(), FlowControl: fc}
		},
		func(out *wire.QueryProviderOutbound) bool {
			return out.RequestCase() == wire.CaseQueryResponse
		})
	if _, err := fc.SendInitialPermits(); err != nil {
		_ = sender.Complete()
		return nil, err
	}

	current.Store(fc)
	r.outbound.Store(fc)
	return fc, nil
}

// Disconnect stops the router: remote subscription query targets are
// cancelled, the provider stream is completed and queued queries are dropped.
func (r *Router) Disconnect() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.state.Store(int32(stream.StateDisconnected))
	r.cancel()
	r.target.cancelAll()

	r.outboundMu.Lock()
	out := r.outbound.Swap(nil)
	r.outboundMu.Unlock()
	if out != nil {
		if err := out.Complete(); err != nil {
			r.logger.ComponentDebug(logging.ComponentQuery, "Completing query provider stream failed", zap.Error(err))
		}
	}

	r.executor.Shutdown()
	r.logger.ComponentInfo(logging.ComponentQuery, "Query router disconnected",
		zap.String("context", r.routingContext))
}

// Shutdown disconnects and waits for running handlers to return.
func (r *Router) Shutdown(ctx context.Context) error {
	r.Disconnect()
	return r.executor.AwaitTermination(ctx)
}
