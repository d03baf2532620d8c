package hub

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// hubLocation is reported as the location of errors raised by the hub itself.
const hubLocation = "routerhub"

// provider is the command or query provider stream of one peer.
type provider struct {
	peer    *peer
	call    string
	channel wire.Channel
	permits int64
}

func (p *provider) key() string {
	return p.peer.id + "/" + p.call
}

type queryKey struct {
	query      string
	resultName string
}

func (k queryKey) String() string {
	return k.query + "/" + k.resultName
}

// deferred is work waiting for a provider permit.
type deferred struct {
	owner *peer
	try   func() bool // runs under the context lock; true once dispatched
	timer *time.Timer
}

// routingContext is the routing state of one context. All of it is guarded
// by mu; frames are only queued under the lock, never written.
type routingContext struct {
	name        string
	permitsWait time.Duration
	logger      *logging.ColoredLogger

	mu                sync.Mutex
	peers             map[string]*peer
	commandProviders  map[string]*provider
	queryProviders    map[string]*provider
	commands          map[string][]*provider
	roundRobin        map[string]int
	queries           map[queryKey][]*provider
	queryHandlers     map[queryKey]map[string]int32
	pendingCommands   map[string]*pendingCommand
	pendingQueries    map[string]*pendingQuery
	subscriptions     map[string]*subscription
	subscriberStreams map[string]map[string]struct{}
	backlog           []*deferred
}

func newRoutingContext(name string, permitsWait time.Duration, logger *logging.ColoredLogger) *routingContext {
	return &routingContext{
		name:              name,
		permitsWait:       permitsWait,
		logger:            logger,
		peers:             make(map[string]*peer),
		commandProviders:  make(map[string]*provider),
		queryProviders:    make(map[string]*provider),
		commands:          make(map[string][]*provider),
		roundRobin:        make(map[string]int),
		queries:           make(map[queryKey][]*provider),
		queryHandlers:     make(map[queryKey]map[string]int32),
		pendingCommands:   make(map[string]*pendingCommand),
		pendingQueries:    make(map[string]*pendingQuery),
		subscriptions:     make(map[string]*subscription),
		subscriberStreams: make(map[string]map[string]struct{}),
	}
}

func (c *routingContext) addPeer(p *peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.id] = p
}

// handle routes one frame received from p.
func (c *routingContext) handle(p *peer, f *wire.Frame) {
	switch f.Channel {
	case wire.ChannelCommandProvider:
		c.handleProviderFrame(p, f, c.commandProviders, c.onCommandProvider)
	case wire.ChannelQueryProvider:
		c.handleProviderFrame(p, f, c.queryProviders, c.onQueryProvider)
	case wire.ChannelDispatchCommand:
		switch f.Kind {
		case wire.FrameOpen:
			var cmd wire.Command
			if err := f.Decode(&cmd); err != nil {
				p.fail(f.Call, f.Channel, dispatcherrors.Describe(hubLocation, dispatcherrors.CodeSerializationError, err))
				return
			}
			c.dispatchCommand(p, f.Call, &cmd)
		case wire.FrameCancel:
			c.cancelCommand(p, f.Call)
		}
	case wire.ChannelQuery:
		switch f.Kind {
		case wire.FrameOpen:
			var req wire.QueryRequest
			if err := f.Decode(&req); err != nil {
				p.fail(f.Call, f.Channel, dispatcherrors.Describe(hubLocation, dispatcherrors.CodeSerializationError, err))
				return
			}
			c.dispatchQuery(p, f.Call, &req, f.DeadlineTime())
		case wire.FrameCancel:
			c.cancelQuery(p, f.Call)
		}
	case wire.ChannelSubscription:
		switch f.Kind {
		case wire.FrameOpen:
			c.openSubscriberStream(p, f.Call)
		case wire.FrameNext:
			var req wire.SubscriptionQueryRequest
			if err := f.Decode(&req); err != nil {
				c.logger.ComponentWarn(logging.ComponentHub, "Malformed subscription query request",
					zap.String("peer", p.id),
					zap.Error(err))
				return
			}
			c.onSubscriptionRequest(p, f.Call, &req)
		case wire.FrameComplete, wire.FrameCancel, wire.FrameError:
			c.closeSubscriberStream(p, f.Call)
		}
	default:
		c.logger.ComponentDebug(logging.ComponentHub, "Ignoring frame on unknown channel",
			zap.String("channel", string(f.Channel)),
			zap.String("kind", string(f.Kind)))
	}
}

func (c *routingContext) handleProviderFrame(p *peer, f *wire.Frame, providers map[string]*provider, onNext func(*provider, *wire.Frame)) {
	key := p.id + "/" + f.Call
	switch f.Kind {
	case wire.FrameOpen:
		c.mu.Lock()
		providers[key] = &provider{peer: p, call: f.Call, channel: f.Channel}
		c.mu.Unlock()
	case wire.FrameNext:
		c.mu.Lock()
		pr := providers[key]
		c.mu.Unlock()
		if pr == nil {
			c.logger.ComponentDebug(logging.ComponentHub, "Frame for unknown provider stream",
				zap.String("peer", p.id),
				zap.String("call", f.Call))
			return
		}
		onNext(pr, f)
	case wire.FrameComplete, wire.FrameCancel, wire.FrameError:
		c.mu.Lock()
		pr := providers[key]
		if pr != nil {
			c.dropProviderLocked(pr)
		}
		c.mu.Unlock()
	}
}

// grantLocked adds permits to pr and retries the backlog.
func (c *routingContext) grantLocked(pr *provider, permits int64) {
	pr.permits += permits
	if len(c.backlog) == 0 {
		return
	}
	remaining := c.backlog[:0]
	for _, d := range c.backlog {
		if d.try() {
			d.timer.Stop()
			continue
		}
		remaining = append(remaining, d)
	}
	clear(c.backlog[len(remaining):])
	c.backlog = remaining
}

// deferLocked parks try until a permit arrives or the wait expires.
func (c *routingContext) deferLocked(owner *peer, try func() bool, expire func()) {
	d := &deferred{owner: owner, try: try}
	d.timer = time.AfterFunc(c.permitsWait, func() {
		c.mu.Lock()
		i := slices.Index(c.backlog, d)
		if i >= 0 {
			c.backlog = slices.Delete(c.backlog, i, i+1)
		}
		c.mu.Unlock()
		if i >= 0 {
			expire()
		}
	})
	c.backlog = append(c.backlog, d)
}

// dropProviderLocked forgets pr and fails the work routed to it.
func (c *routingContext) dropProviderLocked(pr *provider) {
	key := pr.key()
	lost := func() *wire.ErrorMessage {
		return &wire.ErrorMessage{
			Message:   fmt.Sprintf("provider %s left context %s", pr.peer.clientID, c.name),
			Location:  hubLocation,
			ErrorCode: dispatcherrors.CodeConnectionFailed,
		}
	}

	if _, ok := c.commandProviders[key]; ok {
		delete(c.commandProviders, key)
		for name, providers := range c.commands {
			c.commands[name] = slices.DeleteFunc(providers, func(x *provider) bool { return x == pr })
			if len(c.commands[name]) == 0 {
				delete(c.commands, name)
			}
		}
		for id, pc := range c.pendingCommands {
			if pc.provider != pr {
				continue
			}
			delete(c.pendingCommands, id)
			pc.caller.next(pc.call, wire.ChannelDispatchCommand, commandError(pc.command, lost()))
			pc.caller.complete(pc.call, wire.ChannelDispatchCommand)
		}
	}

	if _, ok := c.queryProviders[key]; ok {
		delete(c.queryProviders, key)
		for k, providers := range c.queries {
			c.queries[k] = slices.DeleteFunc(providers, func(x *provider) bool { return x == pr })
			delete(c.queryHandlers[k], key)
			if len(c.queries[k]) == 0 {
				delete(c.queries, k)
				delete(c.queryHandlers, k)
			}
		}
		for id, pq := range c.pendingQueries {
			if _, ok := pq.outstanding[key]; !ok {
				continue
			}
			delete(pq.outstanding, key)
			if pq.direct && !pq.answered {
				pq.caller.next(pq.call, wire.ChannelQuery, queryError(pq.request, lost()))
				pq.answered = true
			}
			if len(pq.outstanding) == 0 {
				c.finishQueryLocked(id, pq)
			}
		}
		for id, sub := range c.subscriptions {
			if sub.provider != pr {
				continue
			}
			c.removeSubscriptionLocked(id, sub)
			sub.subscriber.next(sub.call, wire.ChannelSubscription, &wire.SubscriptionQueryResponse{
				MessageIdentifier:      message.NewIdentifier(),
				SubscriptionIdentifier: id,
				CompleteExceptionally: &wire.QueryUpdateCompleteExceptionally{
					ErrorCode:    dispatcherrors.CodeConnectionFailed,
					ErrorMessage: lost(),
				},
			})
		}
	}
}

// removePeer forgets everything p provided or asked for.
func (c *routingContext) removePeer(p *peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, p.id)

	for _, pr := range c.commandProviders {
		if pr.peer == p {
			c.dropProviderLocked(pr)
		}
	}
	for _, pr := range c.queryProviders {
		if pr.peer == p {
			c.dropProviderLocked(pr)
		}
	}
	for id, pc := range c.pendingCommands {
		if pc.caller == p {
			delete(c.pendingCommands, id)
		}
	}
	for id, pq := range c.pendingQueries {
		if pq.caller == p {
			pq.stop()
			delete(c.pendingQueries, id)
		}
	}
	for id, sub := range c.subscriptions {
		if sub.subscriber == p {
			c.unsubscribeLocked(id, sub)
		}
	}
	for key := range c.subscriberStreams {
		if strings.HasPrefix(key, p.id+"/") {
			delete(c.subscriberStreams, key)
		}
	}
	c.backlog = slices.DeleteFunc(c.backlog, func(d *deferred) bool {
		if d.owner == p {
			d.timer.Stop()
			return true
		}
		return false
	})
}

func (c *routingContext) requestReconnect(clientID string) int {
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		if clientID == "" || p.clientID == clientID {
			peers = append(peers, p)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, p := range peers {
		if p.requestReconnect() {
			n++
		}
	}
	return n
}

// ContextInfo describes the routing state of one context.
type ContextInfo struct {
	Name            string           `json:"name"`
	Peers           int              `json:"peers"`
	Clients         []string         `json:"clients"`
	CommandHandlers map[string]int   `json:"command_handlers"`
	QueryHandlers   map[string]int32 `json:"query_handlers"`
	PendingCommands int              `json:"pending_commands"`
	PendingQueries  int              `json:"pending_queries"`
	Subscriptions   int              `json:"subscriptions"`
	Backlog         int              `json:"backlog"`
}

func (c *routingContext) info() ContextInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ContextInfo{
		Name:            c.name,
		Peers:           len(c.peers),
		CommandHandlers: make(map[string]int, len(c.commands)),
		QueryHandlers:   make(map[string]int32, len(c.queryHandlers)),
		PendingCommands: len(c.pendingCommands),
		PendingQueries:  len(c.pendingQueries),
		Subscriptions:   len(c.subscriptions),
		Backlog:         len(c.backlog),
	}
	for _, p := range c.peers {
		if !slices.Contains(info.Clients, p.clientID) {
			info.Clients = append(info.Clients, p.clientID)
		}
	}
	slices.Sort(info.Clients)
	for name, providers := range c.commands {
		info.CommandHandlers[name] = len(providers)
	}
	for k, handlers := range c.queryHandlers {
		var total int32
		for _, n := range handlers {
			total += n
		}
		info.QueryHandlers[k.String()] = total
	}
	return info
}

func responseTypeName(obj *wire.SerializedObject) string {
	if obj == nil {
		return ""
	}
	var rt message.ResponseType
	if err := json.Unmarshal(obj.Data, &rt); err != nil {
		return ""
	}
	return rt.Name
}
