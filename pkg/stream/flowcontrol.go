package stream

import (
	"sync"
	"sync/atomic"

	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// FlowControl holds the credit parameters of a flow controlled stream.
type FlowControl struct {
	InitialPermits      int64
	NewPermits          int64
	NewPermitsThreshold int64
}

// FlowStats reports the credit state of a flow controlled stream.
type FlowStats struct {
	Remaining   int64  `json:"remaining"`
	Sent        uint64 `json:"sent"`
	Consumed    uint64 `json:"consumed"`
	GrantsSent  uint64 `json:"grants_sent"`
	PermitsSent int64  `json:"permits_sent"`
}

// FlowControlled grants the peer permits over an outbound stream. Every
// item matching consumed counts as one used permit; when the remaining credit
// drops to the threshold, one grant of NewPermits is sent.
type FlowControlled[T any] struct {
	delegate Sender[T]
	cfg      FlowControl
	clientID string
	wrap     func(*wire.FlowControl) T
	consumed func(T) bool

	// serializes writes on delegate so grants never interleave with items
	mu sync.Mutex

	remaining   atomic.Int64
	sent        atomic.Uint64
	used        atomic.Uint64
	grants      atomic.Uint64
	permitsSent atomic.Int64
}

// NewFlowControlled decorates delegate. wrap builds the envelope carrying a
// permit grant; consumed selects the items that use up a permit.
func NewFlowControlled[T any](delegate Sender[T], cfg FlowControl, clientID string,
	wrap func(*wire.FlowControl) T, consumed func(T) bool) *FlowControlled[T] {
	f := &FlowControlled[T]{
		delegate: delegate,
		cfg:      cfg,
		clientID: clientID,
		wrap:     wrap,
		consumed: consumed,
	}
	f.remaining.Store(cfg.InitialPermits)
	return f
}

// SendInitialPermits grants the peer its starting credit. Call it once,
// before any other item.
func (f *FlowControlled[T]) SendInitialPermits() (*FlowControlled[T], error) {
	if err := f.grant(f.cfg.InitialPermits); err != nil {
		return nil, err
	}
	return f, nil
}

// Send forwards v and accounts for it.
func (f *FlowControlled[T]) Send(v T) error {
	f.mu.Lock()
	err := f.delegate.Send(v)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	f.sent.Add(1)
	if f.consumed != nil && f.consumed(v) {
		return f.MarkConsumed(1)
	}
	return nil
}

// MarkConsumed records n used permits and replenishes the peer's credit
// when the threshold is reached.
func (f *FlowControlled[T]) MarkConsumed(n int64) error {
	f.used.Add(uint64(n))
	if f.remaining.Add(-n) != f.cfg.NewPermitsThreshold {
		return nil
	}
	f.remaining.Add(f.cfg.NewPermits)
	return f.grant(f.cfg.NewPermits)
}

func (f *FlowControlled[T]) grant(permits int64) error {
	msg := f.wrap(&wire.FlowControl{ClientID: f.clientID, Permits: permits})

	f.mu.Lock()
	err := f.delegate.Send(msg)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.grants.Add(1)
	f.permitsSent.Add(permits)
	return nil
}

// Complete half-closes the underlying stream.
func (f *FlowControlled[T]) Complete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegate.Complete()
}

// Stats returns the current counters.
func (f *FlowControlled[T]) Stats() FlowStats {
	return FlowStats{
		Remaining:   f.remaining.Load(),
		Sent:        f.sent.Load(),
		Consumed:    f.used.Load(),
		GrantsSent:  f.grants.Load(),
		PermitsSent: f.permitsSent.Load(),
	}
}
