// Package unseen maintains the process-wide unseen-message counter. The
// counter is floored at zero and every mutation is broadcast to subscribers,
// including decrements clamped at the floor, so badge UIs can self-correct
// after a missed update.
package unseen

import (
	"sync"

	"github.com/loqui/chat-sync/internal/metrics"
	"github.com/loqui/chat-sync/internal/stream"
)

// Aggregator is the process-wide unseen counter. It lives for the session
// lifetime and is reset only on a full read-all action or sign-out.
type Aggregator struct {
	mu    sync.Mutex
	total int
	bc    *stream.Broadcaster[int]
}

// NewAggregator returns a counter at zero.
func NewAggregator() *Aggregator {
	return &Aggregator{bc: stream.NewBroadcaster[int]("unseen")}
}

// Total returns the current value.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Subscribe registers for every subsequent counter change, in mutation order.
func (a *Aggregator) Subscribe() *stream.Subscription[int] {
	return a.bc.Subscribe()
}

// Increment adds n (n <= 0 is ignored) and notifies subscribers.
func (a *Aggregator) Increment(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += n
	a.publishLocked()
}

// Decrement subtracts n, clamping at zero. Subscribers are notified even when
// the value was clamped, with the floored value.
func (a *Aggregator) Decrement(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total -= n
	if a.total < 0 {
		a.total = 0
	}
	a.publishLocked()
}

// Reset zeroes the counter and notifies subscribers. Called on read-all and
// on sign-out.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = 0
	a.publishLocked()
}

// Close cancels all subscriptions.
func (a *Aggregator) Close() { a.bc.Close() }

// publishLocked broadcasts the current total. Holding the aggregator mutex
// across the publish keeps notifications in mutation order.
func (a *Aggregator) publishLocked() {
	metrics.UnseenTotal.Set(float64(a.total))
	a.bc.Publish(a.total)
}
