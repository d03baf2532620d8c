package hub

import (
	"fmt"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// subscription links a subscriber stream to the provider serving it.
type subscription struct {
	subscriber *peer
	call       string
	provider   *provider
	query      *wire.SubscriptionQuery
}

func (s *subscription) streamKey() string {
	return s.subscriber.id + "/" + s.call
}

func (c *routingContext) openSubscriberStream(p *peer, call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriberStreams[p.id+"/"+call] = make(map[string]struct{})
}

// closeSubscriberStream unsubscribes everything the stream still follows.
func (c *routingContext) closeSubscriberStream(p *peer, call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := p.id + "/" + call
	for id := range c.subscriberStreams[key] {
		if sub := c.subscriptions[id]; sub != nil {
			c.unsubscribeLocked(id, sub)
		}
	}
	delete(c.subscriberStreams, key)
}

func (c *routingContext) onSubscriptionRequest(p *peer, call string, req *wire.SubscriptionQueryRequest) {
	id := req.SubscriptionID()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.RequestCase() {
	case wire.CaseSubscribe:
		if _, exists := c.subscriptions[id]; exists {
			c.logger.ComponentWarn(logging.ComponentHub, "Subscription query already active",
				zap.String("subscription_id", id))
			return
		}
		sq := req.Subscribe
		var k queryKey
		if sq.QueryRequest != nil {
			k = queryKey{query: sq.QueryRequest.Query, resultName: responseTypeName(sq.QueryRequest.ResponseType)}
		}
		providers := c.queries[k]
		if len(providers) == 0 {
			c.rejectSubscriptionLocked(p, call, id, sq, k)
			return
		}
		pr := providers[0]
		sub := &subscription{subscriber: p, call: call, provider: pr, query: sq}
		c.subscriptions[id] = sub
		if streams := c.subscriberStreams[sub.streamKey()]; streams != nil {
			streams[id] = struct{}{}
		}
		c.relayLocked(sub, req)
	case wire.CaseGetInitialResult, wire.CaseFlowControl:
		if sub := c.subscriptions[id]; sub != nil && sub.subscriber == p {
			c.relayLocked(sub, req)
		}
	case wire.CaseUnsubscribe:
		if sub := c.subscriptions[id]; sub != nil && sub.subscriber == p {
			c.unsubscribeLocked(id, sub)
		}
	}
}

func (c *routingContext) rejectSubscriptionLocked(p *peer, call, id string, sq *wire.SubscriptionQuery, k queryKey) {
	msg := &wire.ErrorMessage{
		Message:   fmt.Sprintf("No handler for query: %s", k),
		Location:  hubLocation,
		ErrorCode: dispatcherrors.CodeNoHandlerForQuery,
	}
	initial := &wire.QueryResponse{
		MessageIdentifier: message.NewIdentifier(),
		ErrorCode:         msg.ErrorCode,
		ErrorMessage:      msg,
	}
	if sq.QueryRequest != nil {
		initial.RequestIdentifier = sq.QueryRequest.MessageIdentifier
	}
	p.next(call, wire.ChannelSubscription, &wire.SubscriptionQueryResponse{
		MessageIdentifier:      message.NewIdentifier(),
		SubscriptionIdentifier: id,
		InitialResult:          initial,
	})
	p.next(call, wire.ChannelSubscription, &wire.SubscriptionQueryResponse{
		MessageIdentifier:      message.NewIdentifier(),
		SubscriptionIdentifier: id,
		CompleteExceptionally: &wire.QueryUpdateCompleteExceptionally{
			ErrorCode:    msg.ErrorCode,
			ErrorMessage: msg,
		},
	})
}

func (c *routingContext) relayLocked(sub *subscription, req *wire.SubscriptionQueryRequest) {
	pr := sub.provider
	pr.peer.next(pr.call, wire.ChannelQueryProvider, &wire.QueryProviderInbound{
		InstructionID:            message.NewIdentifier(),
		SubscriptionQueryRequest: req,
	})
}

// unsubscribeLocked tells the provider to stop and forgets the subscription.
func (c *routingContext) unsubscribeLocked(id string, sub *subscription) {
	c.relayLocked(sub, &wire.SubscriptionQueryRequest{Unsubscribe: sub.query})
	c.removeSubscriptionLocked(id, sub)
}

func (c *routingContext) removeSubscriptionLocked(id string, sub *subscription) {
	delete(c.subscriptions, id)
	if streams := c.subscriberStreams[sub.streamKey()]; streams != nil {
		delete(streams, id)
	}
}

func (c *routingContext) onSubscriptionResponseLocked(pr *provider, resp *wire.SubscriptionQueryResponse) {
	id := resp.SubscriptionIdentifier
	sub := c.subscriptions[id]
	if sub == nil || sub.provider != pr {
		c.logger.ComponentDebug(logging.ComponentHub, "Response for unknown subscription query",
			zap.String("subscription_id", id))
		return
	}
	sub.subscriber.next(sub.call, wire.ChannelSubscription, resp)

	switch resp.RequestCase() {
	case wire.CaseComplete, wire.CaseCompleteExceptionally:
		c.removeSubscriptionLocked(id, sub)
	}
}
