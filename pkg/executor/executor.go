// Package executor provides a bounded, priority ordered worker pool.
//
// Tasks with a lower sort key run first; equal keys run in submission order.
// Routers negate the priority carried by a request so that higher priority
// requests get the smaller key.
package executor

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
)

// Policy decides what Submit does when the queue is at capacity.
type Policy int

const (
	// PolicyBlock makes Submit wait for room in the queue.
	PolicyBlock Policy = iota
	// PolicyReject makes Submit fail with ErrQueueFull.
	PolicyReject
)

// ParsePolicy maps a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return PolicyBlock, nil
	case "reject":
		return PolicyReject, nil
	default:
		return PolicyBlock, fmt.Errorf("unknown queue full policy %q", s)
	}
}

// Options configures a PriorityExecutor.
type Options struct {
	Workers  int
	Capacity int
	Policy   Policy
}

// Stats is a point in time view of an executor.
type Stats struct {
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Panics    uint64 `json:"panics"`
	Rejected  uint64 `json:"rejected"`
}

type task struct {
	priority int64
	seq      uint64
	run      func()
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// PriorityExecutor runs submitted tasks on a fixed number of workers.
type PriorityExecutor struct {
	name   string
	opts   Options
	logger *logging.ColoredLogger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    taskHeap
	seq      uint64
	shutdown bool

	wg   sync.WaitGroup
	done chan struct{}

	completed atomic.Uint64
	panics    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates an executor and starts its workers.
func New(name string, opts Options, logger *logging.ColoredLogger) *PriorityExecutor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}

	e := &PriorityExecutor{
		name:   name,
		opts:   opts,
		logger: logging.OrNop(logger),
		queue:  make(taskHeap, 0, opts.Capacity),
		done:   make(chan struct{}),
	}
	e.notEmpty = sync.NewCond(&e.mu)
	e.notFull = sync.NewCond(&e.mu)

	e.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go e.worker()
	}
	go func() {
		e.wg.Wait()
		close(e.done)
	}()

	return e
}

// Submit enqueues run with the given sort key.
func (e *PriorityExecutor) Submit(priority int64, run func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.shutdown && len(e.queue) >= e.opts.Capacity {
		if e.opts.Policy == PolicyReject {
			e.rejected.Add(1)
			return dispatcherrors.ErrQueueFull
		}
		e.notFull.Wait()
	}
	if e.shutdown {
		return dispatcherrors.ErrExecutorShutdown
	}

	e.seq++
	heap.Push(&e.queue, &task{priority: priority, seq: e.seq, run: run})
	e.notEmpty.Signal()
	return nil
}

func (e *PriorityExecutor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.shutdown {
			e.notEmpty.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		t := heap.Pop(&e.queue).(*task)
		e.notFull.Signal()
		e.mu.Unlock()

		e.execute(t)
	}
}

func (e *PriorityExecutor) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.logger.ComponentWarn(logging.ComponentExecutor, "Task panicked, worker continues",
				zap.String("executor", e.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	t.run()
	e.completed.Add(1)
}

// Shutdown stops accepting tasks. Queued tasks are still handed to workers.
func (e *PriorityExecutor) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	e.notEmpty.Broadcast()
	e.notFull.Broadcast()
	e.mu.Unlock()

	e.logger.ComponentDebug(logging.ComponentExecutor, "Executor shutting down",
		zap.String("executor", e.name))
}

// AwaitTermination blocks until every worker has exited or ctx is done.
func (e *PriorityExecutor) AwaitTermination(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (e *PriorityExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// IsShutdown reports whether Shutdown was called.
func (e *PriorityExecutor) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// Stats returns current counters.
func (e *PriorityExecutor) Stats() Stats {
	return Stats{
		Queued:    e.Len(),
		Completed: e.completed.Load(),
		Panics:    e.panics.Load(),
		Rejected:  e.rejected.Load(),
	}
}
