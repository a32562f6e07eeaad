package stream

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster[int]("test")
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(42)

	for i, s := range []*Subscription[int]{s1, s2} {
		select {
		case v := <-s.C():
			if v != 42 {
				t.Errorf("subscriber %d: expected 42, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestDeliveryOrder(t *testing.T) {
	b := NewBroadcaster[int]("test")
	s := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	for i := 0; i < 10; i++ {
		select {
		case v := <-s.C():
			if v != i {
				t.Fatalf("expected %d in order, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster[int]("test")
	s := b.Subscribe()

	s.Cancel()
	s.Cancel() // idempotent

	if b.Len() != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", b.Len())
	}

	b.Publish(1)

	// Channel must be closed, not delivering.
	if v, ok := <-s.C(); ok {
		t.Errorf("expected closed channel, received %d", v)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster[int]("test")
	_ = b.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultBuffer*3; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestCloseClosesAllChannels(t *testing.T) {
	b := NewBroadcaster[string]("test")
	s := b.Subscribe()

	b.Close()

	if _, ok := <-s.C(); ok {
		t.Error("expected channel closed after broadcaster close")
	}

	// Subscribing after close yields an already-closed subscription.
	s2 := b.Subscribe()
	if _, ok := <-s2.C(); ok {
		t.Error("expected closed channel for post-close subscription")
	}
}

func TestConcurrentSubscribeCancelPublish(t *testing.T) {
	b := NewBroadcaster[int]("test")

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := b.Subscribe()
			b.Publish(1)
			s.Cancel()
		}()
	}
	wg.Wait()

	if b.Len() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Len())
	}
}
