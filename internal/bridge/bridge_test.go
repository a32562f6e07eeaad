package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqui/chat-sync/internal/entity"
	"github.com/loqui/chat-sync/internal/pagination"
	"github.com/loqui/chat-sync/internal/remote"
)

var baseTS = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestWatchChatDeliversTypedEvents(t *testing.T) {
	store := remote.NewMemoryStore()
	b := New(store)

	sub, err := b.WatchChat("c1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Cancel()

	store.PutChat(context.Background(), entity.Chat{ID: "c1", Name: "group"})

	ev := recvEvent(t, sub)
	if ev.Op != remote.ChangeAdded || ev.Kind != entity.KindChat {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Chat == nil || ev.Chat.Name != "group" {
		t.Errorf("payload not decoded: %+v", ev.Chat)
	}

	store.DeleteChat(context.Background(), "c1")
	ev = recvEvent(t, sub)
	if ev.Op != remote.ChangeRemoved || ev.Chat != nil {
		t.Errorf("removal must carry id only: %+v", ev)
	}
}

func TestWatchMessagesFiltersByWindow(t *testing.T) {
	store := remote.NewMemoryStore()
	b := New(store)

	window := pagination.Range{
		Start: pagination.Bound{Timestamp: baseTS},
		End:   pagination.Bound{Timestamp: baseTS.Add(10 * time.Minute)},
	}
	sub, err := b.WatchMessages("c1", window)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Cancel()

	store.PutMessage(context.Background(), entity.Message{ID: "out", ChatID: "c1", Timestamp: baseTS.Add(time.Hour)})
	store.PutMessage(context.Background(), entity.Message{ID: "in", ChatID: "c1", Timestamp: baseTS.Add(time.Minute)})

	ev := recvEvent(t, sub)
	if ev.ID != "in" {
		t.Errorf("expected out-of-window message filtered, got %s", ev.ID)
	}
}

func TestRemovalsPassThroughWindow(t *testing.T) {
	store := remote.NewMemoryStore()
	b := New(store)

	window := pagination.Range{Start: pagination.Bound{Timestamp: baseTS}}
	sub, _ := b.WatchMessages("c1", window)
	defer sub.Cancel()

	store.DeleteMessage(context.Background(), "c1", "m1")

	ev := recvEvent(t, sub)
	if ev.Op != remote.ChangeRemoved || ev.ID != "m1" {
		t.Errorf("removal did not pass through: %+v", ev)
	}
}

func TestCancelIdempotent(t *testing.T) {
	store := remote.NewMemoryStore()
	b := New(store)

	sub, _ := b.WatchUser("u1")
	sub.Cancel()
	sub.Cancel()

	if b.Active() != 0 {
		t.Errorf("expected 0 active subscriptions, got %d", b.Active())
	}

	select {
	case <-sub.Done():
	default:
		t.Error("done channel not closed after cancel")
	}
}

func TestReplaceMessagesWindowCancelsPredecessor(t *testing.T) {
	store := remote.NewMemoryStore()
	b := New(store)

	first, err := b.WatchMessages("c1", pagination.Range{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	second, err := b.ReplaceMessagesWindow(first, "c1", pagination.Range{Start: pagination.Bound{Timestamp: baseTS}})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	defer second.Cancel()

	select {
	case <-first.Done():
	default:
		t.Error("predecessor subscription not cancelled")
	}
	if b.Active() != 1 {
		t.Errorf("expected exactly 1 live subscription, got %d", b.Active())
	}

	// The replacement still observes the chat.
	store.PutMessage(context.Background(), entity.Message{ID: "m1", ChatID: "c1", Timestamp: baseTS.Add(time.Minute)})
	ev := recvEvent(t, second)
	if ev.ID != "m1" {
		t.Errorf("replacement subscription missed the delta: %+v", ev)
	}
}

func TestFailAllDeliversTerminalError(t *testing.T) {
	store := remote.NewMemoryStore()
	b := New(store)

	sub, _ := b.WatchChat("c1")

	transportErr := errors.New("connection lost")
	b.FailAll(transportErr)

	ev := recvEvent(t, sub)
	if !errors.Is(ev.Err, transportErr) {
		t.Errorf("expected terminal error event, got %+v", ev)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Error("subscription not cancelled after terminal error")
	}
	if b.Active() != 0 {
		t.Errorf("expected 0 active after FailAll, got %d", b.Active())
	}
}
