package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/loqui/chat-sync/internal/bridge"
	"github.com/loqui/chat-sync/internal/cache"
	"github.com/loqui/chat-sync/internal/entity"
	"github.com/loqui/chat-sync/internal/metrics"
	"github.com/loqui/chat-sync/internal/pagination"
	"github.com/loqui/chat-sync/internal/remote"
	"github.com/loqui/chat-sync/internal/stream"
	"github.com/loqui/chat-sync/internal/unseen"
)

// reattachDelay is the pause between resubscribe attempts after a terminal
// subscription error.
const reattachDelay = 2 * time.Second

// Pipeline consumes Remote Change Bridge events and applies them to the
// local cache: insert-if-absent, scalar last-writer-wins merge with keyed
// collection diffing, and delete with recent-message repair. Application is
// serialized per chat id; independent chats reconcile concurrently.
//
// Reconciliation errors are absorbed and logged, never propagated: the
// pipeline's contract is eventual convergence, not per-event success. The
// consolidated events the presentation layer consumes are the cache's own
// canonical change stream — every pipeline mutation lands there in commit
// order, alongside local-origin writes.
type Pipeline struct {
	cache  *cache.Store
	bridge *bridge.Bridge
	store  remote.DocumentStore
	pages  *pagination.Controller
	unseen *unseen.Aggregator
	userID string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	chats map[string]*attachedChat
}

// attachedChat is the per-chat serialization unit: apply holds applyMu for
// every mutation scoped to the chat.
type attachedChat struct {
	applyMu     sync.Mutex
	chatSub     *bridge.Subscription
	msgSub      *bridge.Subscription
	reattaching bool
}

// NewPipeline wires the pipeline. userID is the authenticated user, used for
// unseen accounting.
func NewPipeline(c *cache.Store, b *bridge.Bridge, store remote.DocumentStore, pages *pagination.Controller, agg *unseen.Aggregator, userID string) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cache:  c,
		bridge: b,
		store:  store,
		pages:  pages,
		unseen: agg,
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		chats:  make(map[string]*attachedChat),
	}
}

// Events returns the consolidated entity-change stream for presentation
// subscribers: one canonical subscriber list, drained on every event.
func (p *Pipeline) Events() *stream.Subscription[entity.Event] {
	return p.cache.Events()
}

// Attach opens (or re-scopes) a chat: fetches the strategy's page, merges it
// into the cache, runs the self-healing window diff, and replaces the chat's
// live message subscription with one scoped to the new window. The fetched
// page is returned with its boundary flags.
func (p *Pipeline) Attach(ctx context.Context, chatID string, s pagination.Strategy) (pagination.Result, error) {
	res, err := p.pages.Fetch(ctx, chatID, s)
	if err != nil {
		return pagination.Result{}, fmt.Errorf("reconcile: fetch %s: %w", chatID, err)
	}

	ac := p.attached(chatID)
	ac.applyMu.Lock()
	p.landPageLocked(chatID, res.Messages)
	// The self-healing diff may only cover the span the fetch actually
	// returned: cached messages from earlier pages fall inside the merged
	// live window but are invisible to this fetch, and deleting them would
	// destroy correctly cached data.
	if span, ok := fetchedSpan(res.Messages); ok {
		p.selfHeal(chatID, span, res.Messages)
	} else if s.Kind == pagination.KindNone {
		// An empty newest page means the chat has no remote messages at
		// all; anything still cached is stale.
		p.selfHeal(chatID, pagination.Range{}, nil)
	}
	ac.applyMu.Unlock()

	window := p.pages.ListenerRange(chatID, s, res)

	if err := p.watchChat(chatID, ac); err != nil {
		return res, err
	}
	if err := p.rescope(chatID, ac, window); err != nil {
		return res, err
	}
	return res, nil
}

// Detach cancels the chat's subscriptions and drops its pagination state.
func (p *Pipeline) Detach(chatID string) {
	p.mu.Lock()
	ac, ok := p.chats[chatID]
	if ok {
		delete(p.chats, chatID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if ac.chatSub != nil {
		ac.chatSub.Cancel()
		metrics.LiveSubscriptions.Dec()
	}
	if ac.msgSub != nil {
		ac.msgSub.Cancel()
		metrics.LiveSubscriptions.Dec()
	}
	p.pages.Forget(chatID)
}

// Close detaches every chat and stops all reattach loops.
func (p *Pipeline) Close() {
	p.cancel()
	p.mu.Lock()
	ids := make([]string, 0, len(p.chats))
	for id := range p.chats {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Detach(id)
	}
}

// ApplyPresence routes an ephemeral presence update into the cache. Presence
// and the durable user document update independently.
func (p *Pipeline) ApplyPresence(pr remote.Presence) {
	if err := p.cache.UpdatePresence(pr.UserID, pr.IsActive, pr.LastSeen); err != nil {
		log.Printf("[reconcile] presence %s: %v", pr.UserID, err)
	}
}

// WatchUser subscribes to a user's durable document and keeps the cached
// profile current. Presence fields on the cached user are preserved across
// profile updates.
func (p *Pipeline) WatchUser(userID string) (cancel func(), err error) {
	sub, err := p.bridge.WatchUser(userID)
	if err != nil {
		return nil, err
	}
	metrics.LiveSubscriptions.Inc()

	go func() {
		for {
			select {
			case ev := <-sub.Events():
				if ev.Err != nil {
					log.Printf("[reconcile] user %s subscription lost: %v", userID, ev.Err)
					return
				}
				p.applyUser(ev)
			case <-sub.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Cancel()
			metrics.LiveSubscriptions.Dec()
		})
	}, nil
}

func (p *Pipeline) attached(chatID string) *attachedChat {
	p.mu.Lock()
	defer p.mu.Unlock()
	ac, ok := p.chats[chatID]
	if !ok {
		ac = &attachedChat{}
		p.chats[chatID] = ac
	}
	return ac
}

// watchChat establishes the chat-document subscription once per attached chat.
func (p *Pipeline) watchChat(chatID string, ac *attachedChat) error {
	p.mu.Lock()
	already := ac.chatSub != nil
	p.mu.Unlock()
	if already {
		return nil
	}

	sub, err := p.bridge.WatchChat(chatID)
	if err != nil {
		return fmt.Errorf("reconcile: watch chat %s: %w", chatID, err)
	}
	metrics.LiveSubscriptions.Inc()

	p.mu.Lock()
	ac.chatSub = sub
	p.mu.Unlock()

	go p.drain(chatID, ac, sub)
	return nil
}

// rescope replaces the chat's window subscription. The replacement is
// established before the predecessor is cancelled so the chat is never
// unobserved; the window filter makes the brief overlap idempotent.
func (p *Pipeline) rescope(chatID string, ac *attachedChat, window pagination.Range) error {
	p.mu.Lock()
	prev := ac.msgSub
	p.mu.Unlock()

	sub, err := p.bridge.ReplaceMessagesWindow(prev, chatID, window)
	if err != nil {
		return fmt.Errorf("reconcile: rescope %s: %w", chatID, err)
	}
	if prev == nil {
		metrics.LiveSubscriptions.Inc()
	}

	p.mu.Lock()
	ac.msgSub = sub
	p.mu.Unlock()

	go p.drain(chatID, ac, sub)
	return nil
}

// drain consumes one subscription until it ends, applying each event under
// the chat's serialization lock. A terminal transport error starts the
// reattach loop.
func (p *Pipeline) drain(chatID string, ac *attachedChat, sub *bridge.Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			if ev.Err != nil {
				log.Printf("[reconcile] chat %s subscription lost: %v", chatID, ev.Err)
				p.scheduleReattach(chatID, ac)
				return
			}
			start := time.Now()
			ac.applyMu.Lock()
			p.applyLocked(chatID, ev)
			ac.applyMu.Unlock()
			metrics.ReconcileLatency.Observe(time.Since(start).Seconds())
		case <-sub.Done():
			return
		}
	}
}

// scheduleReattach starts the reattach loop once per outage, even though both
// of a chat's subscriptions report the same transport loss.
func (p *Pipeline) scheduleReattach(chatID string, ac *attachedChat) {
	p.mu.Lock()
	already := ac.reattaching
	ac.reattaching = true
	p.mu.Unlock()
	if already {
		return
	}
	go p.reattachLoop(chatID, ac)
}

// reattachLoop re-establishes a chat's subscriptions after transport loss,
// re-running the self-healing diff on success. Deletes that happened remotely
// while offline are not replayed by the stream, so the diff is the only way
// the local window converges.
func (p *Pipeline) reattachLoop(chatID string, ac *attachedChat) {
	defer func() {
		p.mu.Lock()
		ac.reattaching = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(reattachDelay):
		}

		if err := p.reattach(chatID); err != nil {
			log.Printf("[reconcile] reattach %s: %v", chatID, err)
			continue
		}
		log.Printf("[reconcile] reattached %s", chatID)
		return
	}
}

func (p *Pipeline) reattach(chatID string) error {
	p.mu.Lock()
	ac, ok := p.chats[chatID]
	if ok {
		// Both subscriptions died with the transport; forget them so the
		// watch and rescope below start fresh.
		if ac.chatSub != nil {
			ac.chatSub.Cancel()
			metrics.LiveSubscriptions.Dec()
			ac.chatSub = nil
		}
		if ac.msgSub != nil {
			ac.msgSub.Cancel()
			metrics.LiveSubscriptions.Dec()
			ac.msgSub = nil
		}
	}
	p.mu.Unlock()
	if !ok {
		return nil // detached while offline
	}

	window, live := p.pages.LiveRange(chatID)
	if !live {
		window = pagination.Range{}
	}

	// Fetch the remote state of the window for the self-healing diff. The
	// limit is sized from the local cache so the diff normally sees the
	// whole window.
	localIDs, err := p.cache.MessageIDs(chatID)
	if err != nil {
		return err
	}
	limit := len(localIDs) + p.pages.PageSize()
	fetched, err := p.fetchWindow(chatID, window, limit)
	if err != nil {
		return err
	}

	// A full result may be truncated; diff only the span it covers then.
	healWindow := window
	if len(fetched) == limit {
		if span, ok := fetchedSpan(fetched); ok {
			healWindow = span
		}
	}

	ac.applyMu.Lock()
	p.landPageLocked(chatID, fetched)
	p.selfHeal(chatID, healWindow, fetched)
	ac.applyMu.Unlock()

	if err := p.watchChat(chatID, ac); err != nil {
		return err
	}
	return p.rescope(chatID, ac, window)
}

// fetchWindow loads up to limit remote messages covering the window.
func (p *Pipeline) fetchWindow(chatID string, window pagination.Range, limit int) ([]entity.Message, error) {
	q := remote.MessageQuery{Direction: remote.Ascending, Limit: limit}
	if !window.Start.Timestamp.IsZero() {
		q.AnchorTS = window.Start.Timestamp
		q.AnchorID = window.Start.MessageID
		q.Inclusive = true
	}
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	return p.store.FetchMessages(ctx, chatID, q)
}

// selfHeal deletes any locally cached message inside the window that the
// fresh remote fetch no longer contains. Remote delete notifications are not
// redelivered after an offline period; this diff is the documented recovery.
// Callers must pass a window the fetch fully covers, or the diff would
// delete live data.
func (p *Pipeline) selfHeal(chatID string, window pagination.Range, fetched []entity.Message) {
	remoteIDs := make(map[string]bool, len(fetched))
	for _, m := range fetched {
		remoteIDs[m.ID] = true
	}

	unbounded := window.Start.Timestamp.IsZero() && window.End.Timestamp.IsZero()
	if unbounded {
		// Whole-chat diff: a pure id-set comparison, no timestamps needed.
		localIDs, err := p.cache.MessageIDs(chatID)
		if err != nil {
			log.Printf("[reconcile] self-heal scan %s: %v", chatID, err)
			return
		}
		for id := range localIDs {
			if !remoteIDs[id] {
				p.healDelete(chatID, id)
			}
		}
		return
	}

	local, err := p.cache.Messages(chatID)
	if err != nil {
		log.Printf("[reconcile] self-heal scan %s: %v", chatID, err)
		return
	}
	for _, m := range local {
		if !window.Contains(m.Timestamp) || remoteIDs[m.ID] {
			continue
		}
		p.healDelete(chatID, m.ID)
	}
}

func (p *Pipeline) healDelete(chatID, id string) {
	if err := p.cache.DeleteMessage(chatID, id); err != nil {
		log.Printf("[reconcile] self-heal delete %s/%s: %v", chatID, id, err)
		return
	}
	metrics.SelfHealDeletes.Inc()
	log.Printf("[reconcile] self-heal removed %s/%s", chatID, id)
}

// applyLocked dispatches one bridge event. Caller holds the chat's apply lock.
func (p *Pipeline) applyLocked(chatID string, ev bridge.Event) {
	switch ev.Kind {
	case entity.KindMessage:
		p.applyMessageLocked(chatID, ev)
	case entity.KindChat:
		p.applyChatLocked(ev)
	}
	metrics.DeltasReconciled.WithLabelValues(string(ev.Op)).Inc()
}

// landPageLocked merges a fetched (not streamed) page into the cache with
// the same insert-or-merge semantics as modified deltas, written as one
// batched transaction so subscribers see a single consolidated event.
func (p *Pipeline) landPageLocked(chatID string, fetched []entity.Message) {
	if len(fetched) == 0 {
		return
	}

	merged := make([]entity.Message, len(fetched))
	for i, m := range fetched {
		if local, err := p.cache.Message(chatID, m.ID); err == nil {
			m = mergeMessage(local, m)
		}
		merged[i] = m
	}
	if err := p.cache.PutMessages(chatID, merged); err != nil {
		log.Printf("[reconcile] store page %s: %v", chatID, err)
		metrics.DroppedDeltas.Inc()
	}
}

// fetchedSpan returns the closed timestamp range a fetched page covers.
// Messages are chronological, so the span is first to last.
func fetchedSpan(msgs []entity.Message) (pagination.Range, bool) {
	if len(msgs) == 0 {
		return pagination.Range{}, false
	}
	first, last := msgs[0], msgs[len(msgs)-1]
	return pagination.Range{
		Start: pagination.Bound{MessageID: first.ID, Timestamp: first.Timestamp},
		End:   pagination.Bound{MessageID: last.ID, Timestamp: last.Timestamp},
	}, true
}

func (p *Pipeline) applyMessageLocked(chatID string, ev bridge.Event) {
	switch ev.Op {
	case remote.ChangeAdded:
		// Idempotent insert: a message the user already inserted
		// optimistically (same client-generated id) is a no-op, never a
		// duplicate and never a regression of newer local fields.
		if _, err := p.cache.Message(chatID, ev.ID); err == nil {
			return
		}
		if err := p.cache.PutMessage(*ev.Message); err != nil {
			log.Printf("[reconcile] insert %s/%s: %v", chatID, ev.ID, err)
			metrics.DroppedDeltas.Inc()
			return
		}
		p.pages.ClearNewerBoundary(chatID)
		p.bumpRecentMessage(chatID, *ev.Message)

	case remote.ChangeModified:
		local, err := p.cache.Message(chatID, ev.ID)
		if errors.Is(err, cache.ErrNotFound) {
			if err := p.cache.PutMessage(*ev.Message); err != nil {
				log.Printf("[reconcile] insert-on-modify %s/%s: %v", chatID, ev.ID, err)
				metrics.DroppedDeltas.Inc()
			}
			return
		}
		if err != nil {
			log.Printf("[reconcile] load %s/%s: %v", chatID, ev.ID, err)
			metrics.DroppedDeltas.Inc()
			return
		}
		if err := p.cache.PutMessage(mergeMessage(local, *ev.Message)); err != nil {
			log.Printf("[reconcile] merge %s/%s: %v", chatID, ev.ID, err)
			metrics.DroppedDeltas.Inc()
		}

	case remote.ChangeRemoved:
		p.repairRecentMessage(chatID, ev.ID)
		if err := p.cache.DeleteMessage(chatID, ev.ID); err != nil {
			log.Printf("[reconcile] delete %s/%s: %v", chatID, ev.ID, err)
			metrics.DroppedDeltas.Inc()
		}
	}
}

// mergeMessage applies scalar fields last-writer-wins from incoming while
// diff-reconciling the collection-valued fields, so concurrent local-only
// additions are not discarded mid-merge.
func mergeMessage(local, incoming entity.Message) entity.Message {
	merged := incoming
	merged.Reactions = ReconcileReactions(local.Reactions, incoming.Reactions)
	merged.SeenBy = ReconcileIDs(local.SeenBy, incoming.SeenBy)
	return merged
}

// bumpRecentMessage advances the chat's recent-message pointer when a newer
// message arrives.
func (p *Pipeline) bumpRecentMessage(chatID string, m entity.Message) {
	chat, err := p.cache.Chat(chatID)
	if err != nil {
		return
	}
	if chat.RecentMessageID != "" {
		if recent, err := p.cache.Message(chatID, chat.RecentMessageID); err == nil && !m.Timestamp.After(recent.Timestamp) {
			return
		}
	}
	chat.RecentMessageID = m.ID
	if err := p.cache.PutChat(chat); err != nil {
		log.Printf("[reconcile] bump recent %s: %v", chatID, err)
	}
}

// repairRecentMessage re-points the chat's recent-message reference before
// the referenced message is deleted. The replacement is the latest remaining
// message by timestamp — an assumption, not a confirmed contract, since the
// remote does not specify the successor under concurrent inserts.
func (p *Pipeline) repairRecentMessage(chatID, deletedID string) {
	chat, err := p.cache.Chat(chatID)
	if err != nil || chat.RecentMessageID != deletedID {
		return
	}

	msgs, err := p.cache.Messages(chatID)
	if err != nil {
		log.Printf("[reconcile] repair recent %s: %v", chatID, err)
		return
	}

	chat.RecentMessageID = ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID != deletedID {
			chat.RecentMessageID = msgs[i].ID
			break
		}
	}
	if err := p.cache.PutChat(chat); err != nil {
		log.Printf("[reconcile] repair recent %s: %v", chatID, err)
	}
}

func (p *Pipeline) applyChatLocked(ev bridge.Event) {
	switch ev.Op {
	case remote.ChangeAdded, remote.ChangeModified:
		incoming := *ev.Chat
		prevUnseen := 0
		if prev, err := p.cache.Chat(ev.ID); err == nil {
			if pp, ok := prev.Participant(p.userID); ok {
				prevUnseen = pp.UnseenCount
			}
			// Keep the local recent-message pointer when the incoming doc
			// trails behind a message we already reconciled.
			if incoming.RecentMessageID == "" {
				incoming.RecentMessageID = prev.RecentMessageID
			}
		}
		if err := p.cache.PutChat(incoming); err != nil {
			log.Printf("[reconcile] put chat %s: %v", ev.ID, err)
			metrics.DroppedDeltas.Inc()
			return
		}
		if pp, ok := incoming.Participant(p.userID); ok {
			p.adjustUnseen(prevUnseen, pp.UnseenCount)
		}

	case remote.ChangeRemoved:
		prevUnseen := 0
		if prev, err := p.cache.Chat(ev.ID); err == nil {
			if pp, ok := prev.Participant(p.userID); ok {
				prevUnseen = pp.UnseenCount
			}
		}
		if err := p.cache.DeleteChat(ev.ID); err != nil {
			log.Printf("[reconcile] delete chat %s: %v", ev.ID, err)
			metrics.DroppedDeltas.Inc()
			return
		}
		p.unseen.Decrement(prevUnseen)
		p.pages.Forget(ev.ID)
	}
}

// adjustUnseen feeds the per-chat unseen delta into the process-wide
// aggregator.
func (p *Pipeline) adjustUnseen(prev, current int) {
	switch {
	case current > prev:
		p.unseen.Increment(current - prev)
	case current < prev:
		p.unseen.Decrement(prev - current)
	}
}

func (p *Pipeline) applyUser(ev bridge.Event) {
	switch ev.Op {
	case remote.ChangeAdded, remote.ChangeModified:
		incoming := *ev.User
		if local, err := p.cache.User(ev.ID); err == nil {
			// Presence is owned by the ephemeral store; the durable profile
			// document never overrides it.
			incoming.ApplyPresence(local.IsActive, local.LastSeen)
		}
		if err := p.cache.PutUser(incoming); err != nil {
			log.Printf("[reconcile] put user %s: %v", ev.ID, err)
			metrics.DroppedDeltas.Inc()
		}
	}
}
