package hub

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/serializer"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// pendingQuery is a query sent to one (direct) or all (scatter-gather)
// providers. It completes once every provider it reached completed.
type pendingQuery struct {
	caller      *peer
	call        string
	request     *wire.QueryRequest
	direct      bool
	answered    bool
	outstanding map[string]*provider
	timer       *time.Timer
}

func (pq *pendingQuery) stop() {
	if pq.timer != nil {
		pq.timer.Stop()
	}
}

func queryError(req *wire.QueryRequest, msg *wire.ErrorMessage) *wire.QueryResponse {
	return &wire.QueryResponse{
		MessageIdentifier: message.NewIdentifier(),
		RequestIdentifier: req.MessageIdentifier,
		ErrorCode:         msg.ErrorCode,
		ErrorMessage:      msg,
	}
}

func (c *routingContext) onQueryProvider(pr *provider, f *wire.Frame) {
	var out wire.QueryProviderOutbound
	if err := f.Decode(&out); err != nil {
		c.logger.ComponentWarn(logging.ComponentHub, "Malformed query provider message",
			zap.String("client_id", pr.peer.clientID),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch out.RequestCase() {
	case wire.CaseFlowControl:
		c.grantLocked(pr, out.FlowControl.Permits)
	case wire.CaseSubscribe:
		c.setQueryHandlersLocked(pr, out.Subscribe.Query, out.Subscribe.ResultName, max(out.Subscribe.NrOfHandlers, 1))
	case wire.CaseUnsubscribe:
		c.setQueryHandlersLocked(pr, out.Unsubscribe.Query, out.Unsubscribe.ResultName, 0)
	case wire.CaseQueryResponse:
		c.onQueryResponseLocked(pr, out.QueryResponse)
	case wire.CaseQueryComplete:
		id := out.QueryComplete.RequestID
		if pq := c.pendingQueries[id]; pq != nil {
			delete(pq.outstanding, pr.key())
			if len(pq.outstanding) == 0 {
				c.finishQueryLocked(id, pq)
			}
		}
	case wire.CaseSubscriptionQueryResp:
		c.onSubscriptionResponseLocked(pr, out.SubscriptionQueryResponse)
	default:
		c.logger.ComponentDebug(logging.ComponentHub, "Ignoring query provider message",
			zap.String("case", string(out.RequestCase())))
	}
}

func (c *routingContext) setQueryHandlersLocked(pr *provider, query, resultName string, handlers int32) {
	k := queryKey{query: query, resultName: resultName}
	if handlers == 0 {
		c.queries[k] = slices.DeleteFunc(c.queries[k], func(x *provider) bool { return x == pr })
		delete(c.queryHandlers[k], pr.key())
		if len(c.queries[k]) == 0 {
			delete(c.queries, k)
			delete(c.queryHandlers, k)
		}
		return
	}
	if !slices.Contains(c.queries[k], pr) {
		c.queries[k] = append(c.queries[k], pr)
		c.logger.ComponentInfo(logging.ComponentHub, "Query handler registered",
			zap.String("context", c.name),
			zap.String("query", k.String()),
			zap.String("client_id", pr.peer.clientID))
	}
	if c.queryHandlers[k] == nil {
		c.queryHandlers[k] = make(map[string]int32)
	}
	c.queryHandlers[k][pr.key()] = handlers
}

func (c *routingContext) onQueryResponseLocked(pr *provider, resp *wire.QueryResponse) {
	id := resp.RequestIdentifier
	pq := c.pendingQueries[id]
	if pq == nil {
		return
	}
	if _, ok := pq.outstanding[pr.key()]; !ok {
		return
	}
	failed := resp.ErrorCode != ""

	if !pq.direct || !pq.answered {
		pq.caller.next(pq.call, wire.ChannelQuery, resp)
		pq.answered = true
	}
	// a failed provider does not follow up with a QueryComplete
	if pq.direct || failed {
		delete(pq.outstanding, pr.key())
	}
	if len(pq.outstanding) == 0 {
		c.finishQueryLocked(id, pq)
	}
}

func (c *routingContext) finishQueryLocked(id string, pq *pendingQuery) {
	pq.stop()
	delete(c.pendingQueries, id)
	pq.caller.complete(pq.call, wire.ChannelQuery)
}

// dispatchQuery routes req. NR_OF_RESULTS of 1 picks the first provider
// holding a permit; anything else fans out to every provider.
func (c *routingContext) dispatchQuery(caller *peer, call string, req *wire.QueryRequest, deadline time.Time) {
	k := queryKey{query: req.Query, resultName: responseTypeName(req.ResponseType)}
	direct := serializer.NumberOfResults(req.ProcessingInstructions) == 1

	c.mu.Lock()
	defer c.mu.Unlock()

	providers := slices.Clone(c.queries[k])
	if len(providers) == 0 {
		if direct {
			caller.next(call, wire.ChannelQuery, queryError(req, &wire.ErrorMessage{
				Message:   fmt.Sprintf("No handler for query: %s", k),
				Location:  hubLocation,
				ErrorCode: dispatcherrors.CodeNoHandlerForQuery,
			}))
		}
		caller.complete(call, wire.ChannelQuery)
		return
	}

	pq := &pendingQuery{
		caller:      caller,
		call:        call,
		request:     req,
		direct:      direct,
		outstanding: make(map[string]*provider),
	}
	id := req.MessageIdentifier
	if !deadline.IsZero() {
		pq.timer = time.AfterFunc(time.Until(deadline), func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.pendingQueries[id] == pq {
				c.finishQueryLocked(id, pq)
			}
		})
	}
	send := func(pr *provider) {
		pr.permits--
		pq.outstanding[pr.key()] = pr
		pr.peer.next(pr.call, wire.ChannelQueryProvider, &wire.QueryProviderInbound{
			InstructionID: message.NewIdentifier(),
			Query:         req,
		})
	}

	if !direct {
		c.pendingQueries[id] = pq
		for _, pr := range providers {
			send(pr)
		}
		return
	}

	try := func() bool {
		if !caller.alive() {
			return true
		}
		for _, pr := range c.queries[k] {
			if pr.permits > 0 {
				c.pendingQueries[id] = pq
				send(pr)
				return true
			}
		}
		return false
	}
	if try() {
		return
	}
	c.deferLocked(caller, try, func() {
		pq.stop()
		caller.next(call, wire.ChannelQuery, queryError(req, &wire.ErrorMessage{
			Message:   fmt.Sprintf("no provider of %s granted permits in %s", k, c.permitsWait),
			Location:  hubLocation,
			ErrorCode: dispatcherrors.CodeQueryDispatch,
		}))
		caller.complete(call, wire.ChannelQuery)
	})
}

func (c *routingContext) cancelQuery(caller *peer, call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pq := range c.pendingQueries {
		if pq.caller == caller && pq.call == call {
			pq.stop()
			delete(c.pendingQueries, id)
		}
	}
}
