package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

type recordingSender struct {
	mu        sync.Mutex
	items     []*wire.CommandProviderOutbound
	completed bool
	err       error
}

func (s *recordingSender) Send(v *wire.CommandProviderOutbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, v)
	return nil
}

func (s *recordingSender) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	return nil
}

func (s *recordingSender) grants() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, it := range s.items {
		if it.FlowControl != nil {
			out = append(out, it.FlowControl.Permits)
		}
	}
	return out
}

func newCommandFlow(sender *recordingSender, cfg FlowControl) *FlowControlled[*wire.CommandProviderOutbound] {
	return NewFlowControlled[*wire.CommandProviderOutbound](sender, cfg, "client-1",
		func(fc *wire.FlowControl) *wire.CommandProviderOutbound {
			return &wire.CommandProviderOutbound{FlowControl: fc}
		},
		func(o *wire.CommandProviderOutbound) bool {
			return o.RequestCase() == wire.CaseCommandResponse
		})
}

func response() *wire.CommandProviderOutbound {
	return &wire.CommandProviderOutbound{CommandResponse: &wire.CommandResponse{}}
}

func TestFlowControlledInitialPermits(t *testing.T) {
	sender := &recordingSender{}
	flow, err := newCommandFlow(sender, FlowControl{InitialPermits: 5000, NewPermits: 4000, NewPermitsThreshold: 1000}).SendInitialPermits()
	if err != nil {
		t.Fatalf("SendInitialPermits: %v", err)
	}

	grants := sender.grants()
	if len(grants) != 1 || grants[0] != 5000 {
		t.Fatalf("grants = %v, want [5000]", grants)
	}
	if sender.items[0].FlowControl.ClientID != "client-1" {
		t.Fatalf("grant client id = %q", sender.items[0].FlowControl.ClientID)
	}
	if flow.Stats().Remaining != 5000 {
		t.Fatalf("remaining = %d", flow.Stats().Remaining)
	}
}

func TestFlowControlledSingleGrantAtThreshold(t *testing.T) {
	sender := &recordingSender{}
	flow, err := newCommandFlow(sender, FlowControl{InitialPermits: 10, NewPermits: 6, NewPermitsThreshold: 4}).SendInitialPermits()
	if err != nil {
		t.Fatalf("SendInitialPermits: %v", err)
	}

	// Control messages do not use permits.
	if err := flow.Send(&wire.CommandProviderOutbound{Subscribe: &wire.CommandSubscription{Command: "Ping"}}); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := flow.Send(response()); err != nil {
			t.Fatalf("send response %d: %v", i, err)
		}
	}
	if grants := sender.grants(); len(grants) != 1 {
		t.Fatalf("below threshold grants = %v, want only the initial one", grants)
	}

	// Sixth response brings remaining from 5 to 4: exactly one replenishment.
	if err := flow.Send(response()); err != nil {
		t.Fatalf("send response: %v", err)
	}
	grants := sender.grants()
	if len(grants) != 2 || grants[1] != 6 {
		t.Fatalf("grants = %v, want [10 6]", grants)
	}

	// Next response does not trigger another grant.
	if err := flow.Send(response()); err != nil {
		t.Fatalf("send response: %v", err)
	}
	if got := len(sender.grants()); got != 2 {
		t.Fatalf("grants after threshold = %d, want 2", got)
	}

	stats := flow.Stats()
	if stats.Remaining != 9 || stats.Consumed != 7 || stats.GrantsSent != 2 || stats.PermitsSent != 16 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestFlowControlledSendError(t *testing.T) {
	sender := &recordingSender{err: errors.New("closed")}
	flow := newCommandFlow(sender, FlowControl{InitialPermits: 2, NewPermits: 1, NewPermitsThreshold: 1})
	if _, err := flow.SendInitialPermits(); err == nil {
		t.Fatal("expected error from initial grant")
	}
	if err := flow.Send(response()); err == nil {
		t.Fatal("expected send error")
	}
	if flow.Stats().Consumed != 0 {
		t.Fatal("failed sends must not consume permits")
	}
}

func TestFlowControlledComplete(t *testing.T) {
	sender := &recordingSender{}
	flow := newCommandFlow(sender, FlowControl{InitialPermits: 2, NewPermits: 1, NewPermitsThreshold: 1})
	if err := flow.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !sender.completed {
		t.Fatal("delegate not completed")
	}
}

func TestResubscribingRecoversOnce(t *testing.T) {
	var nexts, recovers atomic.Int32
	var lastErr error
	obs := NewResubscribing[int](Funcs[int]{Next: func(int) { nexts.Add(1) }}, func(err error) {
		recovers.Add(1)
		lastErr = err
	})

	obs.OnNext(1)
	obs.OnNext(2)
	boom := errors.New("stream reset")
	obs.OnError(boom)
	obs.OnCompleted()
	obs.OnError(errors.New("again"))

	if nexts.Load() != 2 {
		t.Fatalf("nexts = %d", nexts.Load())
	}
	if recovers.Load() != 1 {
		t.Fatalf("recovery called %d times, want 1", recovers.Load())
	}
	if !errors.Is(lastErr, boom) {
		t.Fatalf("recovery err = %v", lastErr)
	}
}

func TestResubscribingCompletionPassesNil(t *testing.T) {
	called := make(chan error, 1)
	obs := NewResubscribing[string](Funcs[string]{}, func(err error) { called <- err })
	obs.OnCompleted()
	if err := <-called; err != nil {
		t.Fatalf("completion should recover with nil, got %v", err)
	}
}

func TestCollectorDrainsAfterComplete(t *testing.T) {
	c := NewCollector[int](time.Time{}, nil)
	for i := 1; i <= 3; i++ {
		c.Put(i)
	}
	c.Complete()
	if c.Put(4) {
		t.Fatal("Put after Complete should be refused")
	}

	var got []int
	for v := range c.All(context.Background()) {
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestCollectorDeadline(t *testing.T) {
	var cancelled atomic.Bool
	start := time.Now()
	c := NewCollector[int](start.Add(100*time.Millisecond), func() { cancelled.Store(true) })

	go func() {
		c.Put(1)
		time.Sleep(300 * time.Millisecond)
		c.Put(2)
	}()

	var got []int
	for v := range c.All(context.Background()) {
		got = append(got, v)
	}
	elapsed := time.Since(start)

	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want only the item produced before the deadline", got)
	}
	if elapsed > 250*time.Millisecond {
		t.Fatalf("sequence ended after %v, should end at the deadline", elapsed)
	}
	if !cancelled.Load() {
		t.Fatal("deadline should cancel the producer")
	}
}

func TestCollectorNoItemsAfterDeadlineEvenIfBuffered(t *testing.T) {
	c := NewCollector[int](time.Now().Add(20*time.Millisecond), nil)
	c.Put(1)
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Next(context.Background()); ok {
		t.Fatal("no item may be returned after the deadline")
	}
}

func TestCollectorEarlyBreakCancels(t *testing.T) {
	var cancels atomic.Int32
	c := NewCollector[int](time.Time{}, func() { cancels.Add(1) })
	c.Put(1)
	c.Put(2)

	for range c.All(context.Background()) {
		break
	}
	c.Close()

	if cancels.Load() != 1 {
		t.Fatalf("cancel called %d times, want 1", cancels.Load())
	}
	if c.Put(3) {
		t.Fatal("Put after cancel should be refused")
	}
}

func TestCollectorCancelAfterCompleteDoesNotCancelProducer(t *testing.T) {
	var cancels atomic.Int32
	c := NewCollector[int](time.Time{}, func() { cancels.Add(1) })
	c.Complete()
	c.Close()
	if cancels.Load() != 0 {
		t.Fatal("a finished producer must not be cancelled")
	}
}

func TestCollectorFail(t *testing.T) {
	c := NewCollector[int](time.Time{}, nil)
	c.Put(7)
	boom := errors.New("boom")
	c.Fail(boom)

	v, ok := c.Next(context.Background())
	if !ok || v != 7 {
		t.Fatalf("buffered item lost: %v %v", v, ok)
	}
	if _, ok := c.Next(context.Background()); ok {
		t.Fatal("expected end of sequence")
	}
	if !errors.Is(c.Err(), boom) {
		t.Fatalf("Err() = %v", c.Err())
	}
}

func TestCollectorContextCancel(t *testing.T) {
	c := NewCollector[int](time.Time{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, ok := c.Next(ctx); ok {
		t.Fatal("expected end of sequence on context cancel")
	}
}
