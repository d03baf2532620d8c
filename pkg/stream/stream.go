// Package stream holds the observer and sender abstractions shared by the
// routers and the connection layer, plus the decorators that add credit based
// flow control, resubscription on failure, and deadline bounded collection.
package stream

// Observer receives the items of an inbound stream. After OnError or
// OnCompleted no further calls are made.
type Observer[T any] interface {
	OnNext(T)
	OnError(error)
	OnCompleted()
}

// Sender writes items to an outbound stream. Complete half-closes it.
type Sender[T any] interface {
	Send(T) error
	Complete() error
}

// Funcs adapts plain functions to an Observer. Nil functions are skipped.
type Funcs[T any] struct {
	Next      func(T)
	Error     func(error)
	Completed func()
}

// OnNext implements Observer.
func (f Funcs[T]) OnNext(v T) {
	if f.Next != nil {
		f.Next(v)
	}
}

// OnError implements Observer.
func (f Funcs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// OnCompleted implements Observer.
func (f Funcs[T]) OnCompleted() {
	if f.Completed != nil {
		f.Completed()
	}
}
