// Package command routes commands between the local application and the hub.
//
// Outgoing commands are serialized and dispatched through the connection
// manager; exactly one callback reports their outcome. Commands the hub
// delivers for locally subscribed names are queued on a priority executor,
// run on the local segment, and answered over the provider stream.
package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

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

// LocalSegment runs commands on in-process handlers.
type LocalSegment interface {
	Dispatch(ctx context.Context, cmd *message.CommandMessage, cb message.CommandCallback) error
	Subscribe(name string, handler message.CommandHandler) message.Registration
}

// Options configures a Router. Only Connection is required.
type Options struct {
	Config     *config.RouterConfig
	Connection connection.Manager
	Serializer *serializer.Serializer
	Local      LocalSegment

	RoutingKey      RoutingKeyFunc
	Priority        PriorityFunc
	ContextResolver ContextResolver
	DefaultCallback message.CommandCallback

	Logger *logging.ColoredLogger
}

type outboundStream = stream.FlowControlled[*wire.CommandProviderOutbound]

type interceptor struct {
	id uint64
	fn func(*message.CommandMessage) *message.CommandMessage
}

// Router is the command side of a dispatch client.
type Router struct {
	cfg             *config.RouterConfig
	conn            connection.Manager
	serializer      *serializer.CommandSerializer
	local           LocalSegment
	routingKey      RoutingKeyFunc
	priority        PriorityFunc
	resolveContext  ContextResolver
	defaultCallback message.CommandCallback
	logger          *logging.ColoredLogger
	executor        *executor.PriorityExecutor
	routingContext  string

	ctx    context.Context
	cancel context.CancelFunc

	subMu      sync.RWMutex
	subscribed map[string]struct{}

	// outbound is read lock free; outboundMu only makes get-or-create atomic
	outbound   atomic.Pointer[outboundStream]
	outboundMu sync.Mutex

	running     atomic.Bool
	subscribing atomic.Bool
	state       atomic.Int32

	interceptorMu sync.RWMutex
	interceptors  []interceptor
	nextID        atomic.Uint64

	pending *pendingTable
}

// NewRouter creates a router and registers it for reconnect notifications.
func NewRouter(opts Options) (*Router, error) {
	if opts.Connection == nil {
		return nil, fmt.Errorf("command router: connection manager is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultRouterConfig()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("command router: invalid configuration: %w", errors.Join(errs...))
	}
	policy, err := executor.ParsePolicy(cfg.QueueFullPolicy)
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(opts.Logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	payload := opts.Serializer
	if payload == nil {
		payload = serializer.NewJSON(nil)
	}

	r := &Router{
		cfg:             cfg,
		conn:            opts.Connection,
		serializer:      serializer.NewCommandSerializer(payload, clientID, cfg.ComponentName),
		local:           opts.Local,
		routingKey:      opts.RoutingKey,
		priority:        opts.Priority,
		resolveContext:  opts.ContextResolver,
		defaultCallback: opts.DefaultCallback,
		logger:          logger,
		routingContext:  cfg.Context,
		subscribed:      make(map[string]struct{}),
		pending:         newPendingTable(),
	}
	if r.local == nil {
		r.local = local.NewCommandBus(logger)
	}
	if r.routingKey == nil {
		r.routingKey = DefaultRoutingKey
	}
	if r.priority == nil {
		r.priority = DefaultPriority
	}
	if r.resolveContext == nil {
		r.resolveContext = StaticContext(cfg.Context)
	}
	if r.defaultCallback == nil {
		r.defaultCallback = message.NoOpCallback
	}
	r.cfg.ClientID = clientID

	r.executor = executor.New("command", executor.Options{
		Workers:  cfg.CommandThreads,
		Capacity: cfg.CommandQueueCapacity,
		Policy:   policy,
	}, logger)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running.Store(true)

	r.conn.AddReconnectListener(r.routingContext, r.resubscribe)
	return r, nil
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
	stats := Stats{
		State:         r.State().String(),
		Subscriptions: len(r.subscriptions()),
		Pending:       r.pending.len(),
		Executor:      r.executor.Stats(),
	}
	if out := r.outbound.Load(); out != nil {
		stats.FlowControl = out.Stats()
	}
	return stats
}

// RegisterDispatchInterceptor adds fn to the interceptors applied to every
// outgoing command, in registration order.
func (r *Router) RegisterDispatchInterceptor(fn func(*message.CommandMessage) *message.CommandMessage) message.Registration {
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

func (r *Router) intercept(cmd *message.CommandMessage) *message.CommandMessage {
	r.interceptorMu.RLock()
	interceptors := slices.Clone(r.interceptors)
	r.interceptorMu.RUnlock()
	for _, i := range interceptors {
		cmd = i.fn(cmd)
	}
	return cmd
}

// Subscribe registers handler for name locally and announces it to the hub.
// A failed announcement is retried by the next resubscription.
func (r *Router) Subscribe(name string, handler message.CommandHandler) message.Registration {
	registration := r.local.Subscribe(name, handler)

	r.subMu.Lock()
	r.subscribed[name] = struct{}{}
	r.subMu.Unlock()

	// a resubscription in flight owns the flag
	owned := r.subscribing.CompareAndSwap(false, true)
	r.setState(stream.StateSubscribing)
	err := r.send(r.subscription(name, true))
	if owned {
		r.subscribing.Store(false)
	}
	if err != nil {
		r.logger.ComponentDebug(logging.ComponentCommand, "Subscribing command handler failed, will retry on reconnect",
			zap.String("command", name),
			zap.Error(err))
	} else {
		r.setState(stream.StateSubscribed)
	}

	return message.RegistrationFunc(func() bool {
		removed := registration.Cancel()
		r.subMu.Lock()
		delete(r.subscribed, name)
		r.subMu.Unlock()

		if out := r.outbound.Load(); out != nil {
			if err := out.Send(r.subscription(name, false)); err != nil {
				r.logger.ComponentDebug(logging.ComponentCommand, "Unsubscribing command handler failed",
					zap.String("command", name),
					zap.Error(err))
			}
		}
		return removed
	})
}

func (r *Router) subscriptions() []string {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	names := make([]string, 0, len(r.subscribed))
	for name := range r.subscribed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Router) subscription(name string, subscribe bool) *wire.CommandProviderOutbound {
	sub := &wire.CommandSubscription{
		MessageID:     message.NewIdentifier(),
		Command:       name,
		ComponentName: r.cfg.ComponentName,
		ClientID:      r.cfg.ClientID,
		LoadFactor:    100,
	}
	out := &wire.CommandProviderOutbound{InstructionID: message.NewIdentifier()}
	if subscribe {
		out.Subscribe = sub
	} else {
		out.Unsubscribe = sub
	}
	return out
}

// resubscribe announces every tracked name over a fresh stream. It is skipped
// while another subscribe or resubscribe is in flight.
func (r *Router) resubscribe() {
	names := r.subscriptions()
	if len(names) == 0 || !r.running.Load() {
		return
	}
	if !r.subscribing.CompareAndSwap(false, true) {
		return
	}
	defer r.subscribing.Store(false)

	r.setState(stream.StateResubscribing)
	for _, name := range names {
		if err := r.send(r.subscription(name, true)); err != nil {
			r.logger.ComponentWarn(logging.ComponentCommand, "Error while resubscribing command handlers",
				zap.String("context", r.routingContext),
				zap.Error(err))
			return
		}
	}
	r.setState(stream.StateSubscribed)
	r.logger.ComponentInfo(logging.ComponentCommand, "Resubscribed command handlers",
		zap.String("context", r.routingContext),
		zap.Int("count", len(names)))
}

func (r *Router) send(out *wire.CommandProviderOutbound) error {
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
	inbound := stream.NewResubscribing[*wire.CommandProviderInbound](
		stream.Funcs[*wire.CommandProviderInbound]{
			Next: r.onInbound,
			Error: func(err error) {
				r.logger.ComponentWarn(logging.ComponentCommand, "Command provider stream failed",
					zap.String("context", r.routingContext),
					zap.Error(err))
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

	sender, err := r.conn.CommandStream(r.routingContext, inbound)
	if err != nil {
		return nil, err
	}
	fc := stream.NewFlowControlled[*wire.CommandProviderOutbound](sender, stream.FlowControl{
		InitialPermits:      r.cfg.FlowControl.InitialPermits,
		NewPermits:          r.cfg.FlowControl.NewPermits,
		NewPermitsThreshold: r.cfg.FlowControl.NewPermitsThreshold,
	}, r.cfg.ClientID,
		func(fc *wire.FlowControl) *wire.CommandProviderOutbound {
			return &wire.CommandProviderOutbound{InstructionID: message.NewIdentifier(), FlowControl: fc}
		},
		func(out *wire.CommandProviderOutbound) bool {
			return out.RequestCase() == wire.CaseCommandResponse
		})
	if _, err := fc.SendInitialPermits(); err != nil {
		_ = sender.Complete()
		return nil, err
	}

	current.Store(fc)
	r.outbound.Store(fc)
	return fc, nil
}

// Disconnect stops the router: the provider stream is completed, queued
// commands are dropped and pending dispatches fail with ErrRouterStopped.
func (r *Router) Disconnect() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.state.Store(int32(stream.StateDisconnected))
	r.cancel()

	r.outboundMu.Lock()
	out := r.outbound.Swap(nil)
	r.outboundMu.Unlock()
	if out != nil {
		if err := out.Complete(); err != nil {
			r.logger.ComponentDebug(logging.ComponentCommand, "Completing command provider stream failed", zap.Error(err))
		}
	}

	r.executor.Shutdown()
	r.pending.failAll(dispatcherrors.ErrRouterStopped)
	r.logger.ComponentInfo(logging.ComponentCommand, "Command router disconnected",
		zap.String("context", r.routingContext))
}

// Shutdown disconnects and waits for running handlers to return.
func (r *Router) Shutdown(ctx context.Context) error {
	r.Disconnect()
	return r.executor.AwaitTermination(ctx)
}
