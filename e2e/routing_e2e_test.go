//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/hub"
	"github.com/DeBrosOfficial/dispatch/pkg/local"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/query"
)

func contextInfo(t *testing.T, routingContext string) (hub.ContextInfo, bool) {
	t.Helper()
	resp, err := http.Get(GetHubURL() + "/v1/contexts/" + url.PathEscape(routingContext))
	if err != nil {
		return hub.ContextInfo{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hub.ContextInfo{}, false
	}
	var info hub.ContextInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return hub.ContextInfo{}, false
	}
	return info, true
}

func waitForContext(t *testing.T, routingContext string, cond func(hub.ContextInfo) bool) {
	t.Helper()
	err := WaitForCondition(10*time.Second, func() bool {
		info, ok := contextInfo(t, routingContext)
		return ok && cond(info)
	})
	require.NoError(t, err, "FAIL: hub never reached the expected routing state")
}

func TestRouting_CommandRoundTrip(t *testing.T) {
	SkipIfMissingHub(t)
	routingContext := GenerateContext()
	provider := NewDispatchClient(t, routingContext, "provider")
	caller := NewDispatchClient(t, routingContext, "caller")

	provider.Commands().Subscribe("Ping", func(_ context.Context, cmd *message.CommandMessage) (any, error) {
		return "pong", nil
	})
	waitForContext(t, routingContext, func(info hub.ContextInfo) bool { return info.CommandHandlers["Ping"] == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := caller.Commands().Send(ctx, message.NewCommand("Ping", "x")).Get(ctx)
	require.NoError(t, err, "FAIL: command dispatch failed")
	require.Equal(t, "pong", result.Payload)
	t.Logf("  ✓ Ping answered through hub in context %s", routingContext)
}

func TestRouting_CommandNoHandler(t *testing.T) {
	SkipIfMissingHub(t)
	caller := NewDispatchClient(t, GenerateContext(), "caller")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := caller.Commands().Send(ctx, message.NewCommand("Missing", nil)).Get(ctx)
	require.Error(t, err, "FAIL: command without handler succeeded")
	require.True(t, dispatcherrors.IsNoHandler(err), "FAIL: unexpected error %v", err)
}

func TestRouting_ScatterGather(t *testing.T) {
	SkipIfMissingHub(t)
	routingContext := GenerateContext()
	caller := NewDispatchClient(t, routingContext, "caller")
	for _, v := range []int{1, 2, 3} {
		NewDispatchClient(t, routingContext, "provider").Queries().Subscribe("GetBalance", Balance,
			func(context.Context, *message.QueryMessage) (any, error) { return v, nil })
	}
	waitForContext(t, routingContext, func(info hub.ContextInfo) bool {
		return info.QueryHandlers["GetBalance/Balance"] == 3
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	responses := caller.Queries().ScatterGather(ctx, message.NewQuery("GetBalance", nil, Balance), 5*time.Second)
	defer responses.Close()

	var got []int
	for resp := range responses.All(ctx) {
		got = append(got, resp.Payload.(int))
	}
	require.NoError(t, responses.Err())
	slices.Sort(got)
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestRouting_SubscriptionQuery(t *testing.T) {
	SkipIfMissingHub(t)
	routingContext := GenerateContext()
	provider := NewDispatchClient(t, routingContext, "provider")
	subscriber := NewDispatchClient(t, routingContext, "subscriber")

	provider.Queries().Subscribe("WatchBalance", Balance, func(context.Context, *message.QueryMessage) (any, error) {
		return 0, nil
	})
	waitForContext(t, routingContext, func(info hub.ContextInfo) bool {
		return info.QueryHandlers["WatchBalance/Balance"] == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sq := message.NewSubscriptionQuery("WatchBalance", "acc-1", Balance, BalanceUpdate)
	result, err := subscriber.Queries().SubscriptionQuery(ctx, sq, query.BackpressureBuffer, 16)
	require.NoError(t, err)
	defer result.Close()

	initial, err := result.InitialResult().Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, initial.Payload)

	emitter := provider.Queries().UpdateEmitter()
	require.NoError(t, WaitForCondition(10*time.Second, func() bool { return emitter.ActiveSubscriptions() == 1 }))
	for i := 1; i <= 5; i++ {
		emitter.Emit("WatchBalance", local.AllQueries, i)
	}
	for i := 1; i <= 5; i++ {
		update, ok := result.Next(ctx)
		require.True(t, ok, "FAIL: update %d missing: %v", i, result.Err())
		require.Equal(t, i, update.Payload)
	}
}
