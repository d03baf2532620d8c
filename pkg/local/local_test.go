package local

import (
	"context"
	"errors"
	"testing"
	"time"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
)

func TestCommandBusDispatch(t *testing.T) {
	bus := NewCommandBus(nil)
	bus.Subscribe("Ping", func(ctx context.Context, cmd *message.CommandMessage) (any, error) {
		return "pong:" + cmd.Payload.(string), nil
	})

	var got *message.CommandResultMessage
	calls := 0
	err := bus.Dispatch(context.Background(), message.NewCommand("Ping", "x"), func(_ *message.CommandMessage, r *message.CommandResultMessage) {
		calls++
		got = r
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 1 || got.IsExceptional() || got.Payload != "pong:x" {
		t.Fatalf("callback calls=%d result=%+v", calls, got)
	}
}

func TestCommandBusFailures(t *testing.T) {
	bus := NewCommandBus(nil)
	bus.Subscribe("Fail", func(context.Context, *message.CommandMessage) (any, error) {
		return nil, errors.New("rejected")
	})
	bus.Subscribe("Panic", func(context.Context, *message.CommandMessage) (any, error) {
		panic("kaboom")
	})

	tests := []struct {
		name  string
		check func(error) bool
	}{
		{"Missing", dispatcherrors.IsNoHandler},
		{"Fail", func(err error) bool { return err != nil && err.Error() == "rejected" }},
		{"Panic", dispatcherrors.IsExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result *message.CommandResultMessage
			if err := bus.Dispatch(context.Background(), message.NewCommand(tt.name, nil), func(_ *message.CommandMessage, r *message.CommandResultMessage) {
				result = r
			}); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if result == nil || !result.IsExceptional() || !tt.check(result.Err) {
				t.Fatalf("unexpected result %+v", result)
			}
		})
	}
}

func TestCommandBusCancelledContext(t *testing.T) {
	bus := NewCommandBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Dispatch(ctx, message.NewCommand("Ping", nil), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCommandBusRegistration(t *testing.T) {
	bus := NewCommandBus(nil)
	first := bus.Subscribe("Ping", func(context.Context, *message.CommandMessage) (any, error) { return 1, nil })
	second := bus.Subscribe("Ping", func(context.Context, *message.CommandMessage) (any, error) { return 2, nil })

	if first.Cancel() {
		t.Fatal("a replaced registration must not remove its successor")
	}
	if !bus.HasHandler("Ping") {
		t.Fatal("second handler should remain")
	}
	if !second.Cancel() {
		t.Fatal("cancel should succeed")
	}
	if second.Cancel() {
		t.Fatal("second cancel should report false")
	}
	if bus.HasHandler("Ping") {
		t.Fatal("handler should be gone")
	}
}

var balanceType = message.ResponseType{Name: "Balance", Cardinality: message.InstanceOf}

func TestQueryBusQuery(t *testing.T) {
	bus := NewQueryBus(nil)
	bus.Subscribe("GetBalance", balanceType, func(ctx context.Context, q *message.QueryMessage) (any, error) {
		return int64(100), nil
	})

	resp, err := bus.Query(context.Background(), message.NewQuery("GetBalance", "acc-1", balanceType))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Payload != int64(100) {
		t.Fatalf("payload = %v", resp.Payload)
	}

	other := message.ResponseType{Name: "History", Cardinality: message.MultipleInstancesOf}
	if _, err := bus.Query(context.Background(), message.NewQuery("GetBalance", "acc-1", other)); !dispatcherrors.IsNoHandler(err) {
		t.Fatalf("mismatched response type should find no handler, got %v", err)
	}
}

func TestQueryBusScatterGather(t *testing.T) {
	bus := NewQueryBus(nil)
	for _, v := range []int{1, 2, 3} {
		v := v
		bus.Subscribe("Count", balanceType, func(context.Context, *message.QueryMessage) (any, error) {
			if v == 2 {
				return nil, errors.New("shard down")
			}
			return v, nil
		})
	}
	if bus.HandlerCount("Count", balanceType) != 3 {
		t.Fatalf("handler count = %d", bus.HandlerCount("Count", balanceType))
	}

	var got []any
	for resp := range bus.ScatterGather(context.Background(), message.NewQuery("Count", nil, balanceType), 0) {
		got = append(got, resp.Payload)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("responses = %v, failing handler should be skipped", got)
	}
}

func TestQueryBusScatterGatherTimeout(t *testing.T) {
	bus := NewQueryBus(nil)
	for i := 0; i < 3; i++ {
		bus.Subscribe("Slow", balanceType, func(context.Context, *message.QueryMessage) (any, error) {
			time.Sleep(30 * time.Millisecond)
			return "done", nil
		})
	}

	count := 0
	for range bus.ScatterGather(context.Background(), message.NewQuery("Slow", nil, balanceType), 40*time.Millisecond) {
		count++
	}
	if count != 2 {
		t.Fatalf("responses within timeout = %d, want 2", count)
	}
}

func TestQueryBusUnsubscribe(t *testing.T) {
	bus := NewQueryBus(nil)
	reg := bus.Subscribe("GetBalance", balanceType, func(context.Context, *message.QueryMessage) (any, error) { return 1, nil })
	bus.Subscribe("GetBalance", balanceType, func(context.Context, *message.QueryMessage) (any, error) { return 2, nil })

	if !reg.Cancel() {
		t.Fatal("cancel should succeed")
	}
	resp, err := bus.Query(context.Background(), message.NewQuery("GetBalance", nil, balanceType))
	if err != nil || resp.Payload != 2 {
		t.Fatalf("remaining handler should answer, got %v, %v", resp, err)
	}
}

func TestUpdateEmitter(t *testing.T) {
	emitter := NewUpdateEmitter(nil)
	sq := message.NewSubscriptionQuery("WatchBalance", "acc-1", balanceType, balanceType)
	other := message.NewSubscriptionQuery("WatchBalance", "acc-2", balanceType, balanceType)

	h1, err := emitter.RegisterUpdateHandler(sq, 4)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h2, err := emitter.RegisterUpdateHandler(other, 4)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := emitter.RegisterUpdateHandler(sq, 4); !dispatcherrors.IsRegistryConflict(err) {
		t.Fatalf("duplicate registration should conflict, got %v", err)
	}

	onlyAcc1 := func(q *message.QueryMessage) bool { return q.Payload == "acc-1" }
	if n := emitter.Emit("WatchBalance", onlyAcc1, int64(5)); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	u := <-h1.Updates()
	if u.Payload != int64(5) {
		t.Fatalf("update = %v", u.Payload)
	}
	if len(h2.Updates()) != 0 {
		t.Fatal("filtered subscription must not receive the update")
	}

	emitter.Complete("WatchBalance", onlyAcc1)
	if _, open := <-h1.Updates(); open {
		t.Fatal("completed subscription channel should be closed")
	}
	if h1.Err() != nil {
		t.Fatalf("normal completion err = %v", h1.Err())
	}

	boom := errors.New("source failed")
	emitter.CompleteExceptionally("WatchBalance", nil, boom)
	if _, open := <-h2.Updates(); open {
		t.Fatal("failed subscription channel should be closed")
	}
	if !errors.Is(h2.Err(), boom) {
		t.Fatalf("err = %v", h2.Err())
	}
	if emitter.ActiveSubscriptions() != 0 {
		t.Fatalf("active = %d", emitter.ActiveSubscriptions())
	}
}

func TestUpdateEmitterOverflow(t *testing.T) {
	emitter := NewUpdateEmitter(nil)
	sq := message.NewSubscriptionQuery("Watch", nil, balanceType, balanceType)
	h, err := emitter.RegisterUpdateHandler(sq, 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	emitter.Emit("Watch", nil, 1)
	emitter.Emit("Watch", nil, 2)

	if !errors.Is(h.Err(), dispatcherrors.ErrBufferOverflow) {
		t.Fatalf("expected overflow, got %v", h.Err())
	}
	if first := <-h.Updates(); first == nil || first.Payload != 1 {
		t.Fatalf("buffered update lost: %v", first)
	}
	if _, open := <-h.Updates(); open {
		t.Fatal("channel should be closed after overflow")
	}
	if h.Cancel() {
		t.Fatal("cancel after termination should report false")
	}
}
