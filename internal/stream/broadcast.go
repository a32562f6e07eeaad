// Package stream provides a small in-process broadcast primitive: a
// multi-consumer fan-out channel with per-subscriber cancellation. The sync
// core uses it wherever one producer (the reconciliation pipeline, the unseen
// aggregator, the entity cache) must notify many presentation-layer
// subscribers with ordered deltas.
package stream

import (
	"log"
	"sync"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscription is one consumer's handle on a Broadcaster. Receive from C;
// call Cancel when done. Cancel is idempotent and safe to call concurrently
// with delivery.
type Subscription[T any] struct {
	ch     chan T
	cancel func()
	once   sync.Once
}

// C returns the receive channel. It is closed after Cancel (or after the
// broadcaster itself closes).
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription[T]) Cancel() { s.once.Do(s.cancel) }

// Broadcaster fans values out to all current subscribers. Delivery order is
// the publish order for every subscriber. A subscriber that falls more than
// one buffer behind has events dropped (and logged) rather than stalling the
// producer; consumers that need exact state re-read it from the cache.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
	name   string // log tag
}

// NewBroadcaster creates an empty broadcaster. The name appears in drop logs.
func NewBroadcaster[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[uint64]chan T),
		name: name,
	}
}

// Subscribe registers a new consumer. Subscriptions created after a value was
// published do not receive that value.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, DefaultBuffer)
	if b.closed {
		close(ch)
		return &Subscription[T]{ch: ch, cancel: func() {}}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return &Subscription[T]{
		ch: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		},
	}
}

// Publish delivers v to every current subscriber in subscription order.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			log.Printf("[stream] %s: subscriber %d behind, dropping event", b.name, id)
		}
	}
}

// Len returns the current subscriber count.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close cancels every subscription and rejects future ones.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
