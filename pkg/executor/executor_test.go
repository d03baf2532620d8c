package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
)

// blockWorker occupies the only worker until the returned func is called.
func blockWorker(t *testing.T, e *PriorityExecutor) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	if err := e.Submit(0, func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker did not start")
	}
	return func() { close(release) }
}

func TestPriorityOrder(t *testing.T) {
	e := New("test", Options{Workers: 1, Capacity: 100}, nil)
	defer e.Shutdown()

	release := blockWorker(t, e)

	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup
	priorities := []int64{3, 9, 1, 7, 5}
	for _, p := range priorities {
		p := p
		wg.Add(1)
		if err := e.Submit(-p, func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	release()
	wg.Wait()

	want := []int64{9, 7, 5, 3, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	e := New("test", Options{Workers: 1, Capacity: 100}, nil)
	defer e.Shutdown()

	release := blockWorker(t, e)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		if err := e.Submit(0, func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	release()
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("tie order = %v, want insertion order", order)
		}
	}
}

func TestHigherPriorityQueryStartsFirst(t *testing.T) {
	// Two GetBalance queries with priorities 5 and 1 arrive while the worker is busy.
	e := New("query", Options{Workers: 1, Capacity: 10}, nil)
	defer e.Shutdown()

	release := blockWorker(t, e)

	started := make(chan int64, 2)
	for _, p := range []int64{1, 5} {
		p := p
		if err := e.Submit(-p, func() { started <- p }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	release()

	if first := <-started; first != 5 {
		t.Fatalf("first started priority = %d, want 5", first)
	}
	if second := <-started; second != 1 {
		t.Fatalf("second started priority = %d, want 1", second)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	e := New("test", Options{Workers: 1, Capacity: 10}, nil)
	defer e.Shutdown()

	if err := e.Submit(0, func() { panic("boom") }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan struct{})
	if err := e.Submit(0, func() { close(done) }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	if got := e.Stats().Panics; got != 1 {
		t.Fatalf("panics = %d, want 1", got)
	}
}

func TestRejectPolicy(t *testing.T) {
	e := New("test", Options{Workers: 1, Capacity: 2, Policy: PolicyReject}, nil)
	defer e.Shutdown()

	release := blockWorker(t, e)
	defer release()

	for i := 0; i < 2; i++ {
		if err := e.Submit(0, func() {}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	err := e.Submit(0, func() {})
	if !errors.Is(err, dispatcherrors.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if e.Stats().Rejected != 1 {
		t.Fatalf("rejected = %d", e.Stats().Rejected)
	}
}

func TestBlockPolicyWaitsForRoom(t *testing.T) {
	e := New("test", Options{Workers: 1, Capacity: 1, Policy: PolicyBlock}, nil)
	defer e.Shutdown()

	release := blockWorker(t, e)
	if err := e.Submit(0, func() {}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	submitted := make(chan error, 1)
	go func() { submitted <- e.Submit(0, func() {}) }()

	select {
	case err := <-submitted:
		t.Fatalf("submit should block while full, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("blocked submit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submit never completed")
	}
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	e := New("test", Options{Workers: 2, Capacity: 10}, nil)

	ran := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		if err := e.Submit(0, func() { ran <- struct{}{} }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	e.Shutdown()

	if err := e.Submit(0, func() {}); !errors.Is(err, dispatcherrors.ErrExecutorShutdown) {
		t.Fatalf("expected ErrExecutorShutdown, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.AwaitTermination(ctx); err != nil {
		t.Fatalf("AwaitTermination: %v", err)
	}
	if len(ran) != 5 {
		t.Fatalf("queued tasks drained = %d, want 5", len(ran))
	}
	if !e.IsShutdown() {
		t.Fatal("IsShutdown should be true")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("reject"); err != nil || p != PolicyReject {
		t.Fatalf("ParsePolicy(reject) = %v, %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != PolicyBlock {
		t.Fatalf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePolicy("drop"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
