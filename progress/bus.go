package progress

import (
	"context"
	"sync"
)

// Bus is a single-producer, single-consumer event channel. Publish
// never blocks: coalescable events overwrite any pending event of the
// same kind, and every other event queues in arrival order.
type Bus struct {
	mu       sync.Mutex
	pending  map[Kind]Event
	queue    []Event
	wake     chan struct{}
	closed   bool
}

// NewBus returns a ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{
		pending: map[Kind]Event{},
		wake:    make(chan struct{}, 1),
	}
}

// Publish records e for delivery. Safe for concurrent use, though the
// executor is the only intended producer.
func (b *Bus) Publish(e Event) {
	observe(e)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if coalescable(e.Kind) {
		b.pending[e.Kind] = e
	} else {
		b.queue = append(b.queue, e)
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done, or the bus is
// closed with nothing left to deliver. Non-coalescable events drain
// first, in arrival order; coalescable events drain afterward in
// unspecified order (there is at most one pending per kind).
func (b *Bus) Next(ctx context.Context) (Event, bool) {
	for {
		if e, ok := b.dequeue(); ok {
			return e, true
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (b *Bus) dequeue() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		e := b.queue[0]
		b.queue = b.queue[1:]
		return e, true
	}
	for k, e := range b.pending {
		delete(b.pending, k)
		return e, true
	}
	return Event{}, false
}

// Close signals that no further events will be published; a consumer
// blocked in Next drains whatever remains, then returns ok=false.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
