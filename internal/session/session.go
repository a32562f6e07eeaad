// Package session ties one authenticated user's sync machinery together: the
// local cache, the remote document store, the change bridge, the
// reconciliation pipeline, pagination, unseen aggregation, and the
// reachability-gated retry controller. It is also the write path: every
// user-initiated mutation is applied optimistically to the local cache and
// then pushed to the remote store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqui/chat-sync/internal/bridge"
	"github.com/loqui/chat-sync/internal/cache"
	"github.com/loqui/chat-sync/internal/entity"
	"github.com/loqui/chat-sync/internal/pagination"
	"github.com/loqui/chat-sync/internal/reconcile"
	"github.com/loqui/chat-sync/internal/remote"
	"github.com/loqui/chat-sync/internal/retry"
	"github.com/loqui/chat-sync/internal/stream"
	"github.com/loqui/chat-sync/internal/unseen"
)

// ErrNotParticipant is returned when an operation targets a chat the session
// user is not a member of.
var ErrNotParticipant = errors.New("session: user is not a chat participant")

// Deps holds the externally constructed dependencies of a session.
type Deps struct {
	Cache    *cache.Store
	Store    remote.DocumentStore
	Source   bridge.Source
	Presence remote.PresenceStore
	Reach    remote.Reachability
	Retry    *retry.Controller // nil means defaults over Reach
	PageSize int               // 0 means pagination.DefaultPageSize
}

// Session is the per-user sync container. All methods are safe for
// concurrent use.
type Session struct {
	userID string

	cache    *cache.Store
	store    remote.DocumentStore
	presence remote.PresenceStore
	pages    *pagination.Controller
	pipeline *reconcile.Pipeline
	unseen   *unseen.Aggregator
	retry    *retry.Controller

	mu      sync.Mutex
	cancels []func()
	started bool
	closed  bool
}

// New builds a session for userID. Call Start to begin syncing.
func New(userID string, d Deps) *Session {
	size := d.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	br := bridge.New(d.Source)
	pages := pagination.NewController(d.Store, size)
	agg := unseen.NewAggregator()
	pipe := reconcile.NewPipeline(d.Cache, br, d.Store, pages, agg, userID)

	rc := d.Retry
	if rc == nil {
		rc = retry.NewController(d.Reach)
	}

	return &Session{
		userID:   userID,
		cache:    d.Cache,
		store:    d.Store,
		presence: d.Presence,
		pages:    pages,
		pipeline: pipe,
		unseen:   agg,
		retry:    rc,
	}
}

// UserID returns the authenticated user this session syncs for.
func (s *Session) UserID() string { return s.userID }

// Start performs the initial chat-list sync, seeds the unseen aggregate,
// marks the user active, and registers the disconnect hook that flips the
// user inactive if the process dies without a clean Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	chats, err := s.store.ChatsForUser(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("session: initial chat sync: %w", err)
	}

	total := 0
	for _, c := range chats {
		if err := s.cache.PutChat(c); err != nil {
			return fmt.Errorf("session: cache chat %s: %w", c.ID, err)
		}
		if p, ok := c.Participant(s.userID); ok {
			total += p.UnseenCount
		}
	}
	s.unseen.Reset()
	s.unseen.Increment(total)

	if s.presence != nil {
		if err := s.presence.SetActive(ctx, s.userID, true); err != nil {
			return fmt.Errorf("session: set active: %w", err)
		}
		cancel, err := s.presence.SetOnDisconnect(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("session: disconnect hook: %w", err)
		}
		s.addCancel(cancel)
	}

	if cancel, err := s.pipeline.WatchUser(s.userID); err == nil {
		s.addCancel(cancel)
	} else {
		log.Printf("[session] watch own profile: %v", err)
	}
	return nil
}

// Close tears the session down: live subscriptions are cancelled, the user
// is marked inactive, and the unseen aggregate resets to zero.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.pipeline.Close()

	var err error
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.presence.SetActive(ctx, s.userID, false)
	}
	s.unseen.Reset()
	s.unseen.Close()
	return err
}

// Events returns the consolidated local-change stream: every cache mutation,
// remote- or local-origin, in commit order.
func (s *Session) Events() *stream.Subscription[entity.Event] {
	return s.pipeline.Events()
}

// UnseenTotal returns the current process-wide unseen count.
func (s *Session) UnseenTotal() int { return s.unseen.Total() }

// UnseenUpdates returns a subscription delivering the aggregate after every
// change.
func (s *Session) UnseenUpdates() *stream.Subscription[int] {
	return s.unseen.Subscribe()
}

// Chats returns the cached chat list, most recently created first.
func (s *Session) Chats() ([]entity.Chat, error) { return s.cache.Chats() }

// Messages returns the cached messages of a chat in chronological order.
func (s *Session) Messages(chatID string) ([]entity.Message, error) {
	return s.cache.Messages(chatID)
}

// AttachChat opens a chat on its newest page and starts live listening.
func (s *Session) AttachChat(ctx context.Context, chatID string) (pagination.Result, error) {
	return s.pipeline.Attach(ctx, chatID, pagination.First())
}

// LoadOlder pages backwards from anchor and widens the live window over the
// fetched page.
func (s *Session) LoadOlder(ctx context.Context, chatID string, anchor pagination.Anchor) (pagination.Result, error) {
	return s.pipeline.Attach(ctx, chatID, pagination.Descending(anchor))
}

// LoadNewer pages forwards from anchor.
func (s *Session) LoadNewer(ctx context.Context, chatID string, anchor pagination.Anchor) (pagination.Result, error) {
	return s.pipeline.Attach(ctx, chatID, pagination.Ascending(anchor))
}

// JumpTo centers a page on anchor, fetching context in both directions. Used
// when navigating to a reply's original message outside the loaded window.
func (s *Session) JumpTo(ctx context.Context, chatID string, anchor pagination.Anchor) (pagination.Result, error) {
	return s.pipeline.Attach(ctx, chatID, pagination.Hybrid(anchor))
}

// DetachChat stops live listening for a chat and drops its pagination state.
// The cached messages remain for the next attach.
func (s *Session) DetachChat(chatID string) { s.pipeline.Detach(chatID) }

// ReplySource resolves the message a reply points at: from the cache when the
// original is inside a loaded window, otherwise from the remote store via a
// hybrid page fetch.
func (s *Session) ReplySource(ctx context.Context, chatID string, m entity.Message) (entity.Message, error) {
	if m.ReplyToID == "" {
		return entity.Message{}, cache.ErrNotFound
	}
	if src, err := s.cache.Message(chatID, m.ReplyToID); err == nil {
		return src, nil
	}

	// Not cached: page in a window around the original.
	res, err := s.pipeline.Attach(ctx, chatID, pagination.Hybrid(pagination.Anchor{
		MessageID: m.ReplyToID,
		Timestamp: m.Timestamp, // upper bound; the original is older than the reply
	}))
	if err != nil {
		return entity.Message{}, err
	}
	for _, fetched := range res.Messages {
		if fetched.ID == m.ReplyToID {
			return fetched, nil
		}
	}
	return entity.Message{}, cache.ErrNotFound
}

// WatchPresence subscribes to another user's ephemeral presence and mirrors
// it into the cache. The returned cancel stops the watch.
func (s *Session) WatchPresence(ctx context.Context, userID string) (func(), error) {
	if s.presence == nil {
		return func() {}, nil
	}
	cancel, err := s.presence.Watch(ctx, userID, func(p remote.Presence) {
		s.pipeline.ApplyPresence(p)
	})
	if err != nil {
		return nil, fmt.Errorf("session: watch presence %s: %w", userID, err)
	}
	s.addCancel(cancel)
	return cancel, nil
}

// WatchUser subscribes to another user's durable profile document.
func (s *Session) WatchUser(userID string) (func(), error) {
	cancel, err := s.pipeline.WatchUser(userID)
	if err != nil {
		return nil, err
	}
	s.addCancel(cancel)
	return cancel, nil
}

// SendMessage inserts the message locally, then pushes it and the chat-doc
// update remotely once the store is reachable. The optimistic local copy is
// not rolled back on remote failure; the caller sees the error and the next
// self-heal converges the cache.
func (s *Session) SendMessage(ctx context.Context, chatID, body string, msgType entity.MessageType, replyToID string) (entity.Message, error) {
	chat, err := s.cache.Chat(chatID)
	if err != nil {
		return entity.Message{}, fmt.Errorf("session: send to %s: %w", chatID, err)
	}
	if _, ok := chat.Participant(s.userID); !ok {
		return entity.Message{}, ErrNotParticipant
	}

	m := entity.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  s.userID,
		Body:      body,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		ReplyToID: replyToID,
		SeenBy:    []string{s.userID},
	}

	if err := s.cache.PutMessage(m); err != nil {
		return entity.Message{}, fmt.Errorf("session: cache message: %w", err)
	}
	chat.RecentMessageID = m.ID
	chat.MessageCount++
	if err := s.cache.PutChat(chat); err != nil {
		return entity.Message{}, fmt.Errorf("session: cache chat: %w", err)
	}
	s.pages.ClearNewerBoundary(chatID)

	err = s.retry.Execute(ctx,
		func(ctx context.Context) error { return s.store.PutMessage(ctx, m) },
		func(ctx context.Context) error { return s.bumpRemoteChat(ctx, chatID, m.ID) },
	)
	if err != nil {
		return m, fmt.Errorf("session: send message: %w", err)
	}
	return m, nil
}

// bumpRemoteChat advances the remote chat document for a newly sent message:
// recent-message pointer, message count, and every other participant's
// unseen count.
func (s *Session) bumpRemoteChat(ctx context.Context, chatID, messageID string) error {
	chat, err := s.store.Chat(ctx, chatID)
	if err != nil {
		return err
	}
	chat.RecentMessageID = messageID
	chat.MessageCount++
	for i := range chat.Participants {
		if chat.Participants[i].UserID != s.userID {
			chat.Participants[i].UnseenCount++
		}
	}
	return s.store.PutChat(ctx, chat)
}

// ToggleReaction adds the session user to the emoji's reaction set, or
// removes them if already present. Applied locally first; the merged
// document is then written remotely, where the stream echo reconciles to the
// same state.
func (s *Session) ToggleReaction(ctx context.Context, chatID, messageID, emoji string) error {
	m, err := s.cache.Message(chatID, messageID)
	if err != nil {
		return fmt.Errorf("session: react to %s: %w", messageID, err)
	}

	toggleReaction(&m, emoji, s.userID)

	if err := s.cache.PutMessage(m); err != nil {
		return fmt.Errorf("session: cache reaction: %w", err)
	}
	if err := s.retry.Execute(ctx, func(ctx context.Context) error {
		return s.store.PutMessage(ctx, m)
	}); err != nil {
		return fmt.Errorf("session: push reaction: %w", err)
	}
	return nil
}

func toggleReaction(m *entity.Message, emoji, userID string) {
	for i := range m.Reactions {
		if m.Reactions[i].Emoji != emoji {
			continue
		}
		if m.Reactions[i].HasUser(userID) {
			ids := m.Reactions[i].UserIDs[:0]
			for _, id := range m.Reactions[i].UserIDs {
				if id != userID {
					ids = append(ids, id)
				}
			}
			if len(ids) == 0 {
				m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			} else {
				m.Reactions[i].UserIDs = ids
			}
		} else {
			m.Reactions[i].UserIDs = append(m.Reactions[i].UserIDs, userID)
		}
		return
	}
	m.Reactions = append(m.Reactions, entity.Reaction{Emoji: emoji, UserIDs: []string{userID}})
}

// MarkChatSeen zeroes the session user's unseen count for a chat and records
// them as a seer of the cached messages they had not yet seen. The aggregate
// drops immediately; the remote write follows.
func (s *Session) MarkChatSeen(ctx context.Context, chatID string) error {
	chat, err := s.cache.Chat(chatID)
	if err != nil {
		return fmt.Errorf("session: mark seen %s: %w", chatID, err)
	}

	prev := chat.SetUnseen(s.userID, 0)
	if prev < 0 {
		return ErrNotParticipant
	}
	if err := s.cache.PutChat(chat); err != nil {
		return fmt.Errorf("session: cache chat: %w", err)
	}
	s.unseen.Decrement(prev)

	seen, err := s.markCachedMessagesSeen(chatID)
	if err != nil {
		return err
	}

	err = s.retry.Execute(ctx, func(ctx context.Context) error {
		remoteChat, err := s.store.Chat(ctx, chatID)
		if err != nil {
			return err
		}
		remoteChat.SetUnseen(s.userID, 0)
		if err := s.store.PutChat(ctx, remoteChat); err != nil {
			return err
		}
		for _, m := range seen {
			if err := s.store.PutMessage(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: push seen state: %w", err)
	}
	return nil
}

// markCachedMessagesSeen stamps the session user onto every cached message of
// the chat they had not seen, returning the updated messages for the remote
// push.
func (s *Session) markCachedMessagesSeen(chatID string) ([]entity.Message, error) {
	msgs, err := s.cache.Messages(chatID)
	if err != nil {
		return nil, fmt.Errorf("session: scan messages: %w", err)
	}

	var updated []entity.Message
	for _, m := range msgs {
		if m.SenderID == s.userID || m.SeenByUser(s.userID) {
			continue
		}
		m.SeenBy = append(m.SeenBy, s.userID)
		if err := s.cache.PutMessage(m); err != nil {
			return nil, fmt.Errorf("session: cache seen %s: %w", m.ID, err)
		}
		updated = append(updated, m)
	}
	return updated, nil
}

// BroadcastSticker sends one sticker to every target chat the session user
// belongs to. All local inserts happen up front; the remote pushes run as a
// single reachability-gated sequence. Chats the user is not a member of are
// skipped.
func (s *Session) BroadcastSticker(ctx context.Context, stickerURL string, chatIDs []string) ([]entity.Message, error) {
	var sent []entity.Message
	var steps []func(context.Context) error

	now := time.Now().UTC()
	for _, chatID := range chatIDs {
		chat, err := s.cache.Chat(chatID)
		if err != nil {
			return sent, fmt.Errorf("session: broadcast to %s: %w", chatID, err)
		}
		if _, ok := chat.Participant(s.userID); !ok {
			continue
		}

		m := entity.Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			SenderID:  s.userID,
			Body:      stickerURL,
			Timestamp: now,
			Type:      entity.MessageSticker,
			SeenBy:    []string{s.userID},
		}
		if err := s.cache.PutMessage(m); err != nil {
			return sent, fmt.Errorf("session: cache sticker: %w", err)
		}
		chat.RecentMessageID = m.ID
		chat.MessageCount++
		if err := s.cache.PutChat(chat); err != nil {
			return sent, fmt.Errorf("session: cache chat: %w", err)
		}
		s.pages.ClearNewerBoundary(chatID)
		sent = append(sent, m)

		steps = append(steps,
			func(ctx context.Context) error { return s.store.PutMessage(ctx, m) },
			func(ctx context.Context) error { return s.bumpRemoteChat(ctx, m.ChatID, m.ID) },
		)
	}

	if err := s.retry.Execute(ctx, steps...); err != nil {
		return sent, fmt.Errorf("session: broadcast sticker: %w", err)
	}
	return sent, nil
}

// CreateGroup creates a group chat with the session user as admin plus a
// system title message announcing it. Local first, then remote behind the
// reachability gate; the local copy survives a failed push.
func (s *Session) CreateGroup(ctx context.Context, name, thumbnailURL string, memberIDs []string) (entity.Chat, error) {
	now := time.Now().UTC()
	chat := entity.Chat{
		ID:           uuid.NewString(),
		Name:         name,
		ThumbnailURL: thumbnailURL,
		AdminIDs:     []string{s.userID},
		CreatedAt:    now,
		Participants: groupParticipants(s.userID, memberIDs),
	}
	title := entity.Message{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		SenderID:  s.userID,
		Body:      name,
		Timestamp: now,
		Type:      entity.MessageTitle,
		SeenBy:    []string{s.userID},
	}
	chat.RecentMessageID = title.ID
	chat.MessageCount = 1

	if err := s.cache.PutChat(chat); err != nil {
		return entity.Chat{}, fmt.Errorf("session: cache group: %w", err)
	}
	if err := s.cache.PutMessage(title); err != nil {
		return entity.Chat{}, fmt.Errorf("session: cache title message: %w", err)
	}

	err := s.retry.Execute(ctx,
		func(ctx context.Context) error { return s.store.PutChat(ctx, chat) },
		func(ctx context.Context) error { return s.store.PutMessage(ctx, title) },
	)
	if err != nil {
		return chat, fmt.Errorf("session: create group: %w", err)
	}
	return chat, nil
}

// CreateDirect creates (or returns the existing) one-to-one chat with
// otherID.
func (s *Session) CreateDirect(ctx context.Context, otherID string) (entity.Chat, error) {
	if existing, ok := s.findDirect(otherID); ok {
		return existing, nil
	}

	chat := entity.Chat{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Participants: []entity.Participant{
			{UserID: s.userID},
			{UserID: otherID},
		},
	}

	if err := s.cache.PutChat(chat); err != nil {
		return entity.Chat{}, fmt.Errorf("session: cache chat: %w", err)
	}
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		return s.store.PutChat(ctx, chat)
	})
	if err != nil {
		return chat, fmt.Errorf("session: create chat: %w", err)
	}
	return chat, nil
}

func (s *Session) findDirect(otherID string) (entity.Chat, bool) {
	chats, err := s.cache.Chats()
	if err != nil {
		return entity.Chat{}, false
	}
	for _, c := range chats {
		if c.IsGroup() || len(c.Participants) != 2 {
			continue
		}
		if _, ok := c.Participant(otherID); ok {
			return c, true
		}
	}
	return entity.Chat{}, false
}

func groupParticipants(selfID string, memberIDs []string) []entity.Participant {
	ids := append([]string{selfID}, memberIDs...)
	sort.Strings(ids)
	seen := make(map[string]bool, len(ids))
	out := make([]entity.Participant, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, entity.Participant{UserID: id})
	}
	return out
}

func (s *Session) addCancel(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return
	}
	s.cancels = append(s.cancels, cancel)
}
