package checkout

import (
	"context"
	"sync"
	"time"

	"shopflow/internal/cart"
)

// Pending is the result of an asynchronous operation that resolves exactly once.
type Pending[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newPending[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

func (p *Pending[T]) resolve(v T, err error) {
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
	})
}

// Done is closed once the result is available.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the result is available or ctx is done. Giving up on the wait
// does not cancel the operation.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result blocks until the result is available.
func (p *Pending[T]) Result() (T, error) {
	<-p.done
	return p.val, p.err
}

// Request is what a processor receives for an order submission.
type Request struct {
	Customer map[string]string
	Items    []cart.Item
	Totals   Totals
}

// Receipt acknowledges a processed request.
type Receipt struct {
	AcceptedAt time.Time
}

// Processor submits an order to whatever backs the shop. Implementations must
// resolve the returned Pending exactly once.
type Processor interface {
	Process(ctx context.Context, req Request) *Pending[Receipt]
}

// DefaultProcessingDelay stands in for a backend round trip.
const DefaultProcessingDelay = 2 * time.Second

// SimulatedProcessor accepts every request after Delay. It ignores ctx: a
// submission that has started cannot be cancelled.
type SimulatedProcessor struct {
	Delay time.Duration
	Now   func() time.Time
}

func (s SimulatedProcessor) Process(_ context.Context, _ Request) *Pending[Receipt] {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	p := newPending[Receipt]()
	time.AfterFunc(s.Delay, func() {
		p.resolve(Receipt{AcceptedAt: now()}, nil)
	})
	return p
}
