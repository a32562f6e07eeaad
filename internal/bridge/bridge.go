// Package bridge normalizes the remote stores' change streams into typed
// added/modified/removed events, one subscription per watched document or
// message window. The bridge only transports and decodes; it never retries —
// on transport failure every live subscription receives one terminal error
// event and the caller (the reconciliation pipeline) decides when to
// resubscribe.
package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/loqui/chat-sync/internal/entity"
	"github.com/loqui/chat-sync/internal/pagination"
	"github.com/loqui/chat-sync/internal/remote"
)

// Source is the underlying delta transport: the NATS DeltaClient in
// production, remote.MemoryStore in tests.
type Source interface {
	Subscribe(subject string, handler func(remote.Delta)) (cancel func(), err error)
}

// Event is one normalized change. Exactly one of Chat/Message/User is set
// for added/modified events, matching Kind; removed events carry only ID.
// An Event with Err != nil is terminal: the subscription delivers nothing
// after it.
type Event struct {
	Op      remote.ChangeOp
	Kind    entity.Kind
	ID      string
	Chat    *entity.Chat
	Message *entity.Message
	User    *entity.User
	Err     error
}

// Subscription is one live watch. Consume from Events, select on Done to
// stop; Cancel is idempotent.
type Subscription struct {
	events    chan Event
	done      chan struct{}
	cancelSrc func()
	once      sync.Once
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel tears the subscription down. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancelSrc()
		close(s.done)
	})
}

// deliver pushes an event unless the subscription is already cancelled.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// fail delivers the terminal error event and cancels the subscription.
func (s *Subscription) fail(err error) {
	s.deliver(Event{Err: err})
	s.Cancel()
}

// Bridge fans remote deltas into typed subscriptions.
type Bridge struct {
	src Source

	mu     sync.Mutex
	active map[uint64]*Subscription
	nextID uint64
}

// New creates a bridge over the given delta source.
func New(src Source) *Bridge {
	return &Bridge{src: src, active: make(map[uint64]*Subscription)}
}

func (b *Bridge) subscribe(subject string, handle func(*Subscription, remote.Delta)) (*Subscription, error) {
	sub := &Subscription{
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}

	cancelSrc, err := b.src.Subscribe(subject, func(d remote.Delta) {
		handle(sub, d)
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: watch %s: %w", subject, err)
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.active[id] = sub
	b.mu.Unlock()

	sub.cancelSrc = func() {
		cancelSrc()
		b.mu.Lock()
		delete(b.active, id)
		b.mu.Unlock()
	}
	return sub, nil
}

// WatchChat subscribes to one chat document's deltas.
func (b *Bridge) WatchChat(chatID string) (*Subscription, error) {
	return b.subscribe(remote.ChatSubject(chatID), func(s *Subscription, d remote.Delta) {
		ev := Event{Op: d.Op, Kind: entity.KindChat, ID: d.ID}
		if d.Op != remote.ChangeRemoved {
			var c entity.Chat
			if err := json.Unmarshal(d.Doc, &c); err != nil {
				log.Printf("[bridge] drop malformed chat delta %s: %v", d.ID, err)
				return
			}
			ev.Chat = &c
		}
		s.deliver(ev)
	})
}

// WatchUser subscribes to one user document's deltas. One live subscription
// per user id; cancellation is idempotent.
func (b *Bridge) WatchUser(userID string) (*Subscription, error) {
	return b.subscribe(remote.UserSubject(userID), func(s *Subscription, d remote.Delta) {
		ev := Event{Op: d.Op, Kind: entity.KindUser, ID: d.ID}
		if d.Op != remote.ChangeRemoved {
			var u entity.User
			if err := json.Unmarshal(d.Doc, &u); err != nil {
				log.Printf("[bridge] drop malformed user delta %s: %v", d.ID, err)
				return
			}
			ev.User = &u
		}
		s.deliver(ev)
	})
}

// WatchMessages subscribes to one chat's message deltas scoped to the given
// window. Added/modified messages outside the window are filtered out;
// removals always pass through because a removal delta carries no timestamp
// to filter on (the pipeline ignores removals of uncached ids).
func (b *Bridge) WatchMessages(chatID string, window pagination.Range) (*Subscription, error) {
	return b.subscribe(remote.MessagesSubject(chatID), func(s *Subscription, d remote.Delta) {
		ev := Event{Op: d.Op, Kind: entity.KindMessage, ID: d.ID}
		if d.Op != remote.ChangeRemoved {
			var m entity.Message
			if err := json.Unmarshal(d.Doc, &m); err != nil {
				log.Printf("[bridge] drop malformed message delta %s: %v", d.ID, err)
				return
			}
			if !window.Contains(m.Timestamp) {
				return
			}
			ev.Message = &m
		}
		s.deliver(ev)
	})
}

// ReplaceMessagesWindow establishes the subscription for a new window and
// then cancels its predecessor, so the chat is never left unobserved between
// the two. prev may be nil. Window replacement happens on every pagination
// step; the replaced subscription must never leak.
func (b *Bridge) ReplaceMessagesWindow(prev *Subscription, chatID string, window pagination.Range) (*Subscription, error) {
	next, err := b.WatchMessages(chatID, window)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		prev.Cancel()
	}
	return next, nil
}

// FailAll terminates every live subscription with err. Called by the owner
// when the transport is lost for good; watchers resubscribe (and self-heal)
// once connectivity returns.
func (b *Bridge) FailAll(err error) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.active))
	for _, s := range b.active {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// Active returns the number of live subscriptions.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}
