package stream

import (
	"sync"
)

// Resubscribing forwards to a delegate observer and calls recovery exactly
// once when the stream terminates. recovery receives nil for a normal completion.
type Resubscribing[T any] struct {
	delegate Observer[T]
	recovery func(error)
	once     sync.Once
}

// NewResubscribing decorates delegate.
func NewResubscribing[T any](delegate Observer[T], recovery func(error)) *Resubscribing[T] {
	return &Resubscribing[T]{delegate: delegate, recovery: recovery}
}

// OnNext implements Observer.
func (r *Resubscribing[T]) OnNext(v T) {
	r.delegate.OnNext(v)
}

// OnError implements Observer.
func (r *Resubscribing[T]) OnError(err error) {
	r.delegate.OnError(err)
	r.terminate(err)
}

// OnCompleted implements Observer.
func (r *Resubscribing[T]) OnCompleted() {
	r.delegate.OnCompleted()
	r.terminate(nil)
}

func (r *Resubscribing[T]) terminate(err error) {
	r.once.Do(func() {
		if r.recovery != nil {
			r.recovery(err)
		}
	})
}
