package stream

import (
	"context"
	"iter"
	"sync"
	"time"
)

// Collector buffers items pushed by a producer and hands them to a single
// consumer until the producer finishes, the consumer closes, or the deadline
// passes. Once the deadline has passed no further items are returned, even
// buffered ones.
type Collector[T any] struct {
	deadline time.Time
	onCancel func()

	mu       sync.Mutex
	items    []T
	finished bool // producer completed or failed
	closed   bool // consumer closed or deadline passed
	err      error
	notify   chan struct{}

	cancelOnce sync.Once
	timer      *time.Timer
}

// NewCollector creates a collector. A zero deadline means no deadline.
// onCancel runs at most once, when the consumer stops before the producer did.
func NewCollector[T any](deadline time.Time, onCancel func()) *Collector[T] {
	c := &Collector[T]{
		deadline: deadline,
		onCancel: onCancel,
		notify:   make(chan struct{}, 1),
	}
	if !deadline.IsZero() {
		c.timer = time.AfterFunc(time.Until(deadline), c.expire)
	}
	return c
}

func (c *Collector[T]) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Put appends an item. It returns false when the collector no longer accepts items.
func (c *Collector[T]) Put(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.finished {
		return false
	}
	c.items = append(c.items, v)
	c.signal()
	return true
}

// Complete marks the producer as done. Buffered items remain readable.
func (c *Collector[T]) Complete() {
	c.finish(nil)
}

// Fail marks the producer as failed. Buffered items remain readable; Err reports err.
func (c *Collector[T]) Fail(err error) {
	c.finish(err)
}

func (c *Collector[T]) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.err = err
	c.signal()
}

// Cancel stops the collector from the consumer side and cancels the producer.
func (c *Collector[T]) Cancel() {
	c.mu.Lock()
	wasFinished := c.finished
	c.closed = true
	c.items = nil
	c.signal()
	c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	if !wasFinished {
		c.cancelOnce.Do(func() {
			if c.onCancel != nil {
				c.onCancel()
			}
		})
	}
}

// Close is an alias of Cancel, so a Collector can be deferred like an io.Closer.
func (c *Collector[T]) Close() error {
	c.Cancel()
	return nil
}

func (c *Collector[T]) expire() {
	c.Cancel()
}

func (c *Collector[T]) expired() bool {
	return !c.deadline.IsZero() && !time.Now().Before(c.deadline)
}

// Next blocks until an item is available. It returns false once the producer
// is done and the buffer drained, the collector was closed, the deadline
// passed, or ctx is done.
func (c *Collector[T]) Next(ctx context.Context) (T, bool) {
	var zero T
	for {
		c.mu.Lock()
		if c.closed || c.expired() {
			c.mu.Unlock()
			if c.expired() {
				c.Cancel()
			}
			return zero, false
		}
		if len(c.items) > 0 {
			v := c.items[0]
			c.items[0] = zero
			c.items = c.items[1:]
			c.mu.Unlock()
			return v, true
		}
		if c.finished {
			c.mu.Unlock()
			return zero, false
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			c.Cancel()
			return zero, false
		}
	}
}

// All returns the remaining items as a sequence. Breaking out of the loop
// cancels the producer.
func (c *Collector[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := c.Next(ctx)
			if !ok {
				return
			}
			if !yield(v) {
				c.Cancel()
				return
			}
		}
	}
}

// Err returns the producer failure, if any.
func (c *Collector[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Len returns the number of buffered items.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
