package pagination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loqui/chat-sync/internal/entity"
	"github.com/loqui/chat-sync/internal/remote"
)

// countingStore wraps a MemoryStore and counts remote fetches.
type countingStore struct {
	*remote.MemoryStore
	fetches int
}

func (s *countingStore) FetchMessages(ctx context.Context, chatID string, q remote.MessageQuery) ([]entity.Message, error) {
	s.fetches++
	return s.MemoryStore.FetchMessages(ctx, chatID, q)
}

var baseTS = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// seedMessages inserts n messages m01..mNN one minute apart.
func seedMessages(t *testing.T, store *remote.MemoryStore, chatID string, n int) []entity.Message {
	t.Helper()
	msgs := make([]entity.Message, n)
	for i := 0; i < n; i++ {
		m := entity.Message{
			ID:        fmt.Sprintf("m%02d", i+1),
			ChatID:    chatID,
			Timestamp: baseTS.Add(time.Duration(i) * time.Minute),
			Type:      entity.MessageText,
		}
		if err := store.PutMessage(context.Background(), m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
		msgs[i] = m
	}
	return msgs
}

func anchorOf(m entity.Message, included bool) Anchor {
	return Anchor{MessageID: m.ID, Timestamp: m.Timestamp, Included: included}
}

func TestFirstOpenFetchesMostRecentPage(t *testing.T) {
	store := remote.NewMemoryStore()
	seedMessages(t, store, "c1", 50)
	c := NewController(store, 20)

	res, err := c.Fetch(context.Background(), "c1", First())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Messages) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(res.Messages))
	}
	// Chronological order, newest 20 (m31..m50).
	if res.Messages[0].ID != "m31" || res.Messages[19].ID != "m50" {
		t.Errorf("wrong window: %s..%s", res.Messages[0].ID, res.Messages[19].ID)
	}
	if res.StartReached {
		t.Error("start should not be reached with 30 older messages remaining")
	}
	if !res.EndReached {
		t.Error("first page is the newest window; end must be flagged reached")
	}
}

func TestFirstOpenShortHistory(t *testing.T) {
	store := remote.NewMemoryStore()
	seedMessages(t, store, "c1", 5)
	c := NewController(store, 20)

	res, err := c.Fetch(context.Background(), "c1", First())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Messages) != 5 {
		t.Fatalf("expected 5, got %d", len(res.Messages))
	}
	if !res.StartReached {
		t.Error("short page must mark the start boundary")
	}
}

func TestDescendingExcludesAnchor(t *testing.T) {
	store := remote.NewMemoryStore()
	msgs := seedMessages(t, store, "c1", 30)
	c := NewController(store, 10)

	// Page back from m21, anchor excluded.
	res, err := c.Fetch(context.Background(), "c1", Descending(anchorOf(msgs[20], false)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Messages) != 10 {
		t.Fatalf("expected 10, got %d", len(res.Messages))
	}
	for _, m := range res.Messages {
		if m.ID == "m21" {
			t.Error("anchor must not be double-fetched when included=false")
		}
	}
	if res.Messages[9].ID != "m20" {
		t.Errorf("expected window to end at m20, got %s", res.Messages[9].ID)
	}
}

func TestAscendingIncludesAnchorWhenAsked(t *testing.T) {
	store := remote.NewMemoryStore()
	msgs := seedMessages(t, store, "c1", 10)
	c := NewController(store, 5)

	res, err := c.Fetch(context.Background(), "c1", Ascending(anchorOf(msgs[2], true)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Messages[0].ID != "m03" {
		t.Errorf("inclusive anchor missing: first=%s", res.Messages[0].ID)
	}
}

func TestSequentialPagesAreDisjoint(t *testing.T) {
	store := remote.NewMemoryStore()
	seedMessages(t, store, "c1", 40)
	c := NewController(store, 10)

	first, err := c.Fetch(context.Background(), "c1", First())
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	oldest := first.Messages[0]
	second, err := c.Fetch(context.Background(), "c1", Descending(anchorOf(oldest, false)))
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	seen := make(map[string]bool)
	for _, m := range first.Messages {
		seen[m.ID] = true
	}
	for _, m := range second.Messages {
		if seen[m.ID] {
			t.Errorf("message %s returned by both sequential pages", m.ID)
		}
	}
}

func TestHybridWindowAroundAnchor(t *testing.T) {
	store := remote.NewMemoryStore()
	msgs := seedMessages(t, store, "c1", 30)
	c := NewController(store, 10)

	res, err := c.Fetch(context.Background(), "c1", Hybrid(anchorOf(msgs[14], false)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	count := 0
	for _, m := range res.Messages {
		if m.ID == "m15" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("anchor must appear exactly once in hybrid window, got %d", count)
	}
	// Two halves of 5: m11..m15 and m16..m20.
	if res.Messages[0].ID != "m11" || res.Messages[len(res.Messages)-1].ID != "m20" {
		t.Errorf("wrong hybrid window: %s..%s", res.Messages[0].ID, res.Messages[len(res.Messages)-1].ID)
	}
}

func TestBoundaryShortCircuitsRemoteCall(t *testing.T) {
	store := &countingStore{MemoryStore: remote.NewMemoryStore()}
	msgs := seedMessages(t, store.MemoryStore, "c1", 5)
	c := NewController(store, 10)

	anchor := anchorOf(msgs[0], false)
	res, err := c.Fetch(context.Background(), "c1", Descending(anchor))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.StartReached {
		t.Fatal("expected start boundary on short page")
	}
	fetchesBefore := store.fetches

	res, err = c.Fetch(context.Background(), "c1", Descending(anchor))
	if err != nil {
		t.Fatalf("repeat fetch: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Errorf("expected empty page past the boundary, got %d", len(res.Messages))
	}
	if !res.StartReached {
		t.Error("boundary flag must persist")
	}
	if store.fetches != fetchesBefore {
		t.Error("boundary-hit fetch must not reach the remote store")
	}
}

func TestClearNewerBoundary(t *testing.T) {
	store := &countingStore{MemoryStore: remote.NewMemoryStore()}
	msgs := seedMessages(t, store.MemoryStore, "c1", 3)
	c := NewController(store, 10)

	anchor := anchorOf(msgs[2], false)
	if _, err := c.Fetch(context.Background(), "c1", Ascending(anchor)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	fetchesBefore := store.fetches

	c.ClearNewerBoundary("c1")
	if _, err := c.Fetch(context.Background(), "c1", Ascending(anchor)); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if store.fetches == fetchesBefore {
		t.Error("cleared boundary must allow the remote call again")
	}
}

func TestListenerRangeMergesOverlap(t *testing.T) {
	store := remote.NewMemoryStore()
	seedMessages(t, store, "c1", 40)
	c := NewController(store, 10)

	first, _ := c.Fetch(context.Background(), "c1", First())
	live := c.ListenerRange("c1", First(), first)
	if live.Kind != RangeExisting {
		t.Errorf("first-open range should be existing, got %v", live.Kind)
	}
	if !live.End.Timestamp.IsZero() {
		t.Error("newest window must stay open-ended")
	}

	oldest := first.Messages[0]
	page, _ := c.Fetch(context.Background(), "c1", Descending(anchorOf(oldest, false)))
	merged := c.ListenerRange("c1", Descending(anchorOf(oldest, false)), page)

	// The paged window ends exactly where the live window started; the two
	// must merge into a single covering range, not coexist.
	if !merged.Contains(page.Messages[0].Timestamp) {
		t.Error("merged range must cover the paged window start")
	}
	if !merged.End.Timestamp.IsZero() {
		t.Error("merged range must keep the open-ended future edge")
	}

	tracked, ok := c.LiveRange("c1")
	if !ok || !tracked.Contains(page.Messages[0].Timestamp) {
		t.Error("controller must track the merged window as the single live range")
	}
}

func TestRangeContains(t *testing.T) {
	mid := baseTS.Add(10 * time.Minute)
	r := Range{
		Start: Bound{Timestamp: baseTS},
		End:   Bound{Timestamp: baseTS.Add(20 * time.Minute)},
	}
	if !r.Contains(mid) {
		t.Error("mid timestamp should be inside")
	}
	if r.Contains(baseTS.Add(-time.Minute)) {
		t.Error("before-start timestamp should be outside")
	}
	if r.Contains(baseTS.Add(21 * time.Minute)) {
		t.Error("after-end timestamp should be outside")
	}

	open := Range{Start: Bound{Timestamp: baseTS}}
	if !open.Contains(baseTS.Add(100 * time.Hour)) {
		t.Error("open-ended range must contain any future timestamp")
	}
}

func TestMergeUnbounded(t *testing.T) {
	a := Range{Start: Bound{Timestamp: baseTS.Add(5 * time.Minute)}}
	b := Range{Start: Bound{Timestamp: baseTS}, End: Bound{Timestamp: baseTS.Add(6 * time.Minute)}}

	m := Merge(a, b)
	if !m.Start.Timestamp.Equal(baseTS) {
		t.Errorf("merge start: expected %v, got %v", baseTS, m.Start.Timestamp)
	}
	if !m.End.Timestamp.IsZero() {
		t.Error("merge with an open-ended side must stay open-ended")
	}
}
