package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureFirstOutcomeWins(t *testing.T) {
	f := NewFuture[string]()
	if f.IsDone() {
		t.Fatal("new future should not be done")
	}
	if !f.Complete("ok") {
		t.Fatal("first Complete should win")
	}
	if f.Fail(errors.New("late")) {
		t.Fatal("Fail after Complete should lose")
	}
	v, err := f.Get(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("Get() = %q, %v", v, err)
	}
}

func TestFutureConcurrentCompletion(t *testing.T) {
	f := NewFuture[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Complete(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestFutureGetHonorsContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFailedFuture(t *testing.T) {
	boom := errors.New("boom")
	_, err := FailedFuture[int](boom).Get(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestResponseTypes(t *testing.T) {
	reg := NewResponseTypes()
	balance, err := reg.Register("Balance", InstanceOf)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register("Balance", MultipleInstancesOf); err == nil {
		t.Fatal("conflicting cardinality should fail")
	}
	again, err := reg.Register("Balance", InstanceOf)
	if err != nil || again != balance {
		t.Fatalf("re-register = %v, %v", again, err)
	}
	if !reg.Known(balance) {
		t.Fatal("registered type should be known")
	}
	if reg.Known(ResponseType{Name: "Balance", Cardinality: OptionalInstanceOf}) {
		t.Fatal("cardinality mismatch should not be known")
	}
	if _, ok := reg.Resolve("Unknown"); ok {
		t.Fatal("unknown type resolved")
	}
	if _, err := reg.Register("", InstanceOf); err == nil {
		t.Fatal("empty name should fail")
	}
}

func TestMetaData(t *testing.T) {
	md := MetaData{"a": "1"}
	md2 := md.With("priority", 5)
	if _, ok := md["priority"]; ok {
		t.Fatal("With must not mutate the receiver")
	}
	if p, ok := md2.Int64("priority"); !ok || p != 5 {
		t.Fatalf("Int64(priority) = %d, %v", p, ok)
	}
	if n, ok := md2.Int64("a"); !ok || n != 1 {
		t.Fatalf("numeric string should parse: %d, %v", n, ok)
	}
	if _, ok := md2.Int64("missing"); ok {
		t.Fatal("missing key should not parse")
	}
	if s, ok := md2.Text("a"); !ok || s != "1" {
		t.Fatalf("Text(a) = %q, %v", s, ok)
	}
}

func TestCommandWithMetaDataCopies(t *testing.T) {
	cmd := NewCommand("Ping", "x")
	withKey := cmd.WithMetaData(MetaData{"routingKey": "acc-1"})
	if withKey.Identifier != cmd.Identifier {
		t.Fatal("identifier must be preserved")
	}
	if _, ok := cmd.MetaData["routingKey"]; ok {
		t.Fatal("original metadata mutated")
	}
	if NewCommand("Ping", nil).Identifier == cmd.Identifier {
		t.Fatal("identifiers must be unique")
	}
}
