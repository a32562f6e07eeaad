// Package pagination computes the query windows used to page a chat's
// message history and to keep a live listener scoped to just the visible
// window. A fetch is always relative to an anchor message (or none, for the
// first open); the controller tracks per-chat history boundaries so a
// direction that has been exhausted is never re-fetched.
package pagination

import (
	"context"
	"sync"
	"time"

	"github.com/loqui/chat-sync/internal/entity"
	"github.com/loqui/chat-sync/internal/remote"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 30

// Anchor identifies the message a fetch is relative to. Included controls
// whether the anchor itself is part of the result window.
type Anchor struct {
	MessageID string
	Timestamp time.Time
	Included  bool
}

// StrategyKind enumerates the per-chat fetch strategies.
type StrategyKind int

const (
	// KindNone fetches the most recent page, descending. Used on first open.
	KindNone StrategyKind = iota
	// KindAscending fetches forward from the anchor.
	KindAscending
	// KindDescending fetches backward from the anchor.
	KindDescending
	// KindHybrid fetches a symmetric window around the anchor. Used when
	// jumping to a referenced message.
	KindHybrid
)

// Strategy is one fetch request's shape.
type Strategy struct {
	Kind   StrategyKind
	Anchor Anchor
}

// First returns the no-anchor strategy for a chat's first open.
func First() Strategy { return Strategy{Kind: KindNone} }

// Ascending returns a forward fetch from the anchor.
func Ascending(a Anchor) Strategy { return Strategy{Kind: KindAscending, Anchor: a} }

// Descending returns a backward fetch from the anchor.
func Descending(a Anchor) Strategy { return Strategy{Kind: KindDescending, Anchor: a} }

// Hybrid returns a symmetric fetch around the anchor. The anchor is always
// included, once.
func Hybrid(a Anchor) Strategy {
	a.Included = true
	return Strategy{Kind: KindHybrid, Anchor: a}
}

// RangeKind distinguishes a listener range over already-displayed messages
// from one covering a freshly paged-in window.
type RangeKind int

const (
	// RangeExisting re-subscribes the currently displayed window.
	RangeExisting RangeKind = iota
	// RangePaged covers a newly paged-in window not yet displayed.
	RangePaged
)

// Bound is one edge of a listener range.
type Bound struct {
	MessageID string
	Timestamp time.Time
}

// Range is a closed timestamp window over a chat's messages, used to scope a
// live listener. A zero Start means "unbounded past"; a zero End means
// "unbounded future" (the newest window stays open-ended so new messages are
// observed).
type Range struct {
	Kind  RangeKind
	Start Bound
	End   Bound
}

// Contains reports whether a message with timestamp ts falls inside the range.
func (r Range) Contains(ts time.Time) bool {
	if !r.Start.Timestamp.IsZero() && ts.Before(r.Start.Timestamp) {
		return false
	}
	if !r.End.Timestamp.IsZero() && ts.After(r.End.Timestamp) {
		return false
	}
	return true
}

// Overlaps reports whether two ranges intersect.
func (r Range) Overlaps(o Range) bool {
	startsAfterEnd := !o.End.Timestamp.IsZero() && !r.Start.Timestamp.IsZero() &&
		r.Start.Timestamp.After(o.End.Timestamp)
	endsBeforeStart := !o.Start.Timestamp.IsZero() && !r.End.Timestamp.IsZero() &&
		r.End.Timestamp.Before(o.Start.Timestamp)
	return !startsAfterEnd && !endsBeforeStart
}

// Merge returns the union window of two overlapping ranges. The result keeps
// kind RangeExisting: a merged window is by definition partly displayed, and
// one subscription must cover it to avoid duplicate-insert races.
func Merge(a, b Range) Range {
	m := Range{Kind: RangeExisting}
	switch {
	case a.Start.Timestamp.IsZero() || b.Start.Timestamp.IsZero():
		m.Start = Bound{} // either side unbounded past
	case b.Start.Timestamp.Before(a.Start.Timestamp):
		m.Start = b.Start
	default:
		m.Start = a.Start
	}
	switch {
	case a.End.Timestamp.IsZero() || b.End.Timestamp.IsZero():
		m.End = Bound{} // either side open-ended future
	case b.End.Timestamp.After(a.End.Timestamp):
		m.End = b.End
	default:
		m.End = a.End
	}
	return m
}

// Result is one fetch's outcome. StartReached / EndReached flag the chat
// boundary in the backward / forward direction: a short page is not an
// error, it means there is no more history that way.
type Result struct {
	Messages     []entity.Message
	StartReached bool
	EndReached   bool
}

// boundary records an exhausted direction and the anchor that exhausted it.
type boundary struct {
	reached  bool
	anchorID string
}

type chatBounds struct {
	older boundary // backward / descending
	newer boundary // forward / ascending
}

// Controller executes fetch strategies against the durable store and tracks
// per-chat boundary state and the current live listener window.
type Controller struct {
	store    remote.DocumentStore
	pageSize int

	mu     sync.Mutex
	bounds map[string]*chatBounds
	live   map[string]Range
}

// NewController creates a controller with the given page size (0 means
// DefaultPageSize).
func NewController(store remote.DocumentStore, pageSize int) *Controller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Controller{
		store:    store,
		pageSize: pageSize,
		bounds:   make(map[string]*chatBounds),
		live:     make(map[string]Range),
	}
}

// PageSize returns the configured page size.
func (c *Controller) PageSize() int { return c.pageSize }

func (c *Controller) chatBounds(chatID string) *chatBounds {
	b, ok := c.bounds[chatID]
	if !ok {
		b = &chatBounds{}
		c.bounds[chatID] = b
	}
	return b
}

// Fetch runs the strategy's query window(s) and returns the page in
// chronological order. An exhausted direction with an unchanged anchor is
// answered locally with an empty page and the boundary flag set.
func (c *Controller) Fetch(ctx context.Context, chatID string, s Strategy) (Result, error) {
	c.mu.Lock()
	b := c.chatBounds(chatID)
	switch s.Kind {
	case KindAscending:
		if b.newer.reached && b.newer.anchorID == s.Anchor.MessageID {
			c.mu.Unlock()
			return Result{EndReached: true}, nil
		}
	case KindDescending:
		if b.older.reached && b.older.anchorID == s.Anchor.MessageID {
			c.mu.Unlock()
			return Result{StartReached: true}, nil
		}
	}
	c.mu.Unlock()

	var res Result
	var err error
	switch s.Kind {
	case KindNone:
		res, err = c.fetchFirst(ctx, chatID)
	case KindAscending:
		res, err = c.fetchDirected(ctx, chatID, s.Anchor, remote.Ascending)
	case KindDescending:
		res, err = c.fetchDirected(ctx, chatID, s.Anchor, remote.Descending)
	case KindHybrid:
		res, err = c.fetchHybrid(ctx, chatID, s.Anchor)
	}
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	b = c.chatBounds(chatID)
	if res.StartReached {
		b.older = boundary{reached: true, anchorID: s.Anchor.MessageID}
	}
	if res.EndReached && s.Kind == KindAscending {
		b.newer = boundary{reached: true, anchorID: s.Anchor.MessageID}
	}
	c.mu.Unlock()

	return res, nil
}

func (c *Controller) fetchFirst(ctx context.Context, chatID string) (Result, error) {
	msgs, err := c.store.FetchMessages(ctx, chatID, remote.MessageQuery{
		Direction: remote.Descending,
		Limit:     c.pageSize,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Messages:     msgs,
		StartReached: len(msgs) < c.pageSize,
		// The first page is by definition the newest window.
		EndReached: true,
	}, nil
}

func (c *Controller) fetchDirected(ctx context.Context, chatID string, a Anchor, dir remote.Direction) (Result, error) {
	msgs, err := c.store.FetchMessages(ctx, chatID, remote.MessageQuery{
		AnchorTS:  a.Timestamp,
		AnchorID:  a.MessageID,
		Inclusive: a.Included,
		Direction: dir,
		Limit:     c.pageSize,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Messages: msgs}
	if len(msgs) < c.pageSize {
		if dir == remote.Descending {
			res.StartReached = true
		} else {
			res.EndReached = true
		}
	}
	return res, nil
}

// fetchHybrid fetches the symmetric window around the anchor as two range
// requests: the descending half includes the anchor, the ascending half
// excludes it, so the anchor appears exactly once.
func (c *Controller) fetchHybrid(ctx context.Context, chatID string, a Anchor) (Result, error) {
	half := c.pageSize / 2
	if half == 0 {
		half = 1
	}

	older, err := c.store.FetchMessages(ctx, chatID, remote.MessageQuery{
		AnchorTS:  a.Timestamp,
		AnchorID:  a.MessageID,
		Inclusive: true,
		Direction: remote.Descending,
		Limit:     half,
	})
	if err != nil {
		return Result{}, err
	}
	newer, err := c.store.FetchMessages(ctx, chatID, remote.MessageQuery{
		AnchorTS:  a.Timestamp,
		AnchorID:  a.MessageID,
		Inclusive: false,
		Direction: remote.Ascending,
		Limit:     half,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Messages:     append(older, newer...),
		StartReached: len(older) < half,
		EndReached:   len(newer) < half,
	}, nil
}

// ListenerRange computes the live-listener window for a completed fetch and
// merges it with the chat's current live window when the two overlap, so a
// chat never ends up with two overlapping subscriptions. The returned range
// replaces the chat's tracked live window.
func (c *Controller) ListenerRange(chatID string, s Strategy, res Result) Range {
	var r Range
	switch s.Kind {
	case KindNone:
		r = Range{Kind: RangeExisting, End: Bound{}} // newest window: open-ended future
		if len(res.Messages) > 0 {
			first := res.Messages[0]
			r.Start = Bound{MessageID: first.ID, Timestamp: first.Timestamp}
		}
	case KindHybrid:
		r = Range{Kind: RangeExisting}
		if len(res.Messages) > 0 {
			first := res.Messages[0]
			last := res.Messages[len(res.Messages)-1]
			r.Start = Bound{MessageID: first.ID, Timestamp: first.Timestamp}
			r.End = Bound{MessageID: last.ID, Timestamp: last.Timestamp}
		}
		if res.EndReached {
			r.End = Bound{} // at the newest edge: stay open for live inserts
		}
	default:
		r = Range{Kind: RangePaged}
		if len(res.Messages) > 0 {
			first := res.Messages[0]
			last := res.Messages[len(res.Messages)-1]
			r.Start = Bound{MessageID: first.ID, Timestamp: first.Timestamp}
			r.End = Bound{MessageID: last.ID, Timestamp: last.Timestamp}
		}
		// The page's anchor-side edge extends to the anchor itself, so a page
		// that abuts the currently live window merges with it instead of
		// opening a second subscription.
		anchor := Bound{MessageID: s.Anchor.MessageID, Timestamp: s.Anchor.Timestamp}
		if s.Kind == KindDescending {
			r.End = anchor
		} else {
			r.Start = anchor
			if res.EndReached {
				r.End = Bound{}
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if live, ok := c.live[chatID]; ok && live.Overlaps(r) {
		r = Merge(live, r)
	}
	c.live[chatID] = r
	return r
}

// LiveRange returns the chat's current live listener window, if any.
func (c *Controller) LiveRange(chatID string) (Range, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.live[chatID]
	return r, ok
}

// ClearNewerBoundary resets the forward boundary for a chat. Called when a
// new message arrives, since the end of history has moved.
func (c *Controller) ClearNewerBoundary(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bounds[chatID]; ok {
		b.newer = boundary{}
	}
}

// Forget drops all tracked state for a chat (boundaries and live window).
// Called when the chat is deleted or detached.
func (c *Controller) Forget(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bounds, chatID)
	delete(c.live, chatID)
}
