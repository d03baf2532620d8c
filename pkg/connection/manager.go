// Package connection supplies the routers with their channels to the hub.
//
// A Manager hands out, per routing context, the long lived provider streams
// (commands and queries delivered to this client) and the short lived calls
// this client starts (dispatching a command, running a query, following a
// subscription query). It also tells interested parties when a context loses
// its connection and when it has been re-established.
package connection

import (
	"context"

	"github.com/DeBrosOfficial/dispatch/pkg/stream"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// Call is a request started on the hub that may still be producing results.
type Call interface {
	// Cancel aborts the call. The observer receives context.Canceled unless
	// the call already finished.
	Cancel()
}

// ReconnectInterceptor may veto a reconnect of a routing context by
// returning false.
type ReconnectInterceptor func(routingContext string) bool

// Manager is the transport used by the command and query routers.
type Manager interface {
	// CommandStream opens the stream over which the hub delivers commands for
	// this client in routingContext.
	CommandStream(routingContext string, in stream.Observer[*wire.CommandProviderInbound]) (stream.Sender[*wire.CommandProviderOutbound], error)

	// QueryStream opens the stream over which the hub delivers queries and
	// subscription query requests for this client in routingContext.
	QueryStream(routingContext string, in stream.Observer[*wire.QueryProviderInbound]) (stream.Sender[*wire.QueryProviderOutbound], error)

	// DispatchCommand sends cmd to the hub. Responses, then completion or an
	// error, are delivered to out.
	DispatchCommand(ctx context.Context, routingContext string, cmd *wire.Command, out stream.Observer[*wire.CommandResponse]) error

	// Query sends req to the hub. The ctx deadline travels with the request.
	Query(ctx context.Context, routingContext string, req *wire.QueryRequest, out stream.Observer[*wire.QueryResponse]) (Call, error)

	// Subscription opens a subscription query stream.
	Subscription(ctx context.Context, routingContext string, out stream.Observer[*wire.SubscriptionQueryResponse]) (stream.Sender[*wire.SubscriptionQueryRequest], error)

	AddReconnectListener(routingContext string, fn func())
	AddDisconnectListener(routingContext string, fn func())
	AddContextDisconnectListener(fn func(routingContext string))
	AddReconnectInterceptor(interceptor ReconnectInterceptor)
}
