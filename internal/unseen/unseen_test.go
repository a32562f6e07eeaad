package unseen

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("no notification received")
		return 0
	}
}

func TestIncrementDecrement(t *testing.T) {
	a := NewAggregator()
	defer a.Close()

	a.Increment(3)
	if a.Total() != 3 {
		t.Fatalf("expected 3, got %d", a.Total())
	}
	a.Decrement(1)
	if a.Total() != 2 {
		t.Fatalf("expected 2, got %d", a.Total())
	}
}

func TestDecrementFlooredAtZeroStillNotifies(t *testing.T) {
	a := NewAggregator()
	defer a.Close()

	a.Increment(3)
	sub := a.Subscribe()
	defer sub.Cancel()

	// Decrement past zero: subscribers must see the floored value, not a
	// skipped notification.
	a.Decrement(5)
	if v := recv(t, sub.C()); v != 0 {
		t.Errorf("expected notification with 0, got %d", v)
	}
	if a.Total() != 0 {
		t.Errorf("expected floored total 0, got %d", a.Total())
	}
}

func TestNeverNegativeUnderAnySequence(t *testing.T) {
	a := NewAggregator()
	defer a.Close()
	sub := a.Subscribe()
	defer sub.Cancel()

	ops := []struct {
		inc bool
		n   int
	}{
		{true, 2}, {false, 5}, {true, 1}, {false, 1}, {false, 3}, {true, 4}, {false, 2},
	}
	for _, op := range ops {
		if op.inc {
			a.Increment(op.n)
		} else {
			a.Decrement(op.n)
		}
		if v := recv(t, sub.C()); v < 0 {
			t.Fatalf("counter went negative: %d", v)
		}
	}
}

func TestNotificationsInMutationOrder(t *testing.T) {
	a := NewAggregator()
	defer a.Close()
	sub := a.Subscribe()
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		a.Increment(1)
	}
	for want := 1; want <= 10; want++ {
		if v := recv(t, sub.C()); v != want {
			t.Fatalf("expected %d in order, got %d", want, v)
		}
	}
}

func TestResetNotifiesZero(t *testing.T) {
	a := NewAggregator()
	defer a.Close()

	a.Increment(7)
	sub := a.Subscribe()
	defer sub.Cancel()

	a.Reset()
	if v := recv(t, sub.C()); v != 0 {
		t.Errorf("expected 0 after reset, got %d", v)
	}
}

func TestNonPositiveAmountsIgnored(t *testing.T) {
	a := NewAggregator()
	defer a.Close()
	sub := a.Subscribe()
	defer sub.Cancel()

	a.Increment(0)
	a.Increment(-4)
	a.Decrement(0)

	select {
	case v := <-sub.C():
		t.Errorf("unexpected notification %d for no-op mutation", v)
	case <-time.After(50 * time.Millisecond):
	}
	if a.Total() != 0 {
		t.Errorf("expected 0, got %d", a.Total())
	}
}

func TestConcurrentMutations(t *testing.T) {
	a := NewAggregator()
	defer a.Close()

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Increment(1)
				a.Decrement(1)
			}
		}()
	}
	wg.Wait()

	if a.Total() != 0 {
		t.Errorf("expected balanced total 0, got %d", a.Total())
	}
}
