package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loqui/chat-sync/internal/entity"
)

// MemoryStore is an in-memory DocumentStore with a local change stream. It
// backs tests and offline development; semantics mirror PostgresStore,
// including delta publication on every write and (ts, id) anchor ordering.
type MemoryStore struct {
	mu    sync.Mutex
	chats map[string]entity.Chat
	users map[string]entity.User
	msgs  map[string]map[string]entity.Message // chatID -> messageID -> message

	subMu  sync.Mutex
	subs   map[string]map[uint64]func(Delta) // subject -> handlers
	nextID uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string]entity.Chat),
		users: make(map[string]entity.User),
		msgs:  make(map[string]map[string]entity.Message),
		subs:  make(map[string]map[uint64]func(Delta)),
	}
}

// Subscribe registers a delta handler for subject, mirroring
// DeltaClient.Subscribe. Cancellation is idempotent.
func (s *MemoryStore) Subscribe(subject string, handler func(Delta)) (func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subs[subject] == nil {
		s.subs[subject] = make(map[uint64]func(Delta))
	}
	id := s.nextID
	s.nextID++
	s.subs[subject][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs[subject], id)
			s.subMu.Unlock()
		})
	}, nil
}

func (s *MemoryStore) publish(subject string, op ChangeOp, kind entity.Kind, id string, doc interface{}) {
	var raw json.RawMessage
	if doc != nil {
		raw, _ = json.Marshal(doc)
	}
	d := Delta{Op: op, Kind: kind, ID: id, Doc: raw}

	s.subMu.Lock()
	handlers := make([]func(Delta), 0, len(s.subs[subject]))
	for _, h := range s.subs[subject] {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		h(d)
	}
}

// Chat implements DocumentStore.
func (s *MemoryStore) Chat(_ context.Context, id string) (entity.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return entity.Chat{}, ErrNoDocument
	}
	return c.Clone(), nil
}

// PutChat implements DocumentStore.
func (s *MemoryStore) PutChat(_ context.Context, c entity.Chat) error {
	s.mu.Lock()
	_, existed := s.chats[c.ID]
	s.chats[c.ID] = c.Clone()
	s.mu.Unlock()

	op := ChangeAdded
	if existed {
		op = ChangeModified
	}
	s.publish(ChatSubject(c.ID), op, entity.KindChat, c.ID, c)
	return nil
}

// DeleteChat implements DocumentStore.
func (s *MemoryStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.chats, id)
	delete(s.msgs, id)
	s.mu.Unlock()

	s.publish(ChatSubject(id), ChangeRemoved, entity.KindChat, id, nil)
	return nil
}

// ChatsForUser implements DocumentStore.
func (s *MemoryStore) ChatsForUser(_ context.Context, userID string) ([]entity.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chats []entity.Chat
	for _, c := range s.chats {
		if _, ok := c.Participant(userID); ok {
			chats = append(chats, c.Clone())
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats, nil
}

// User implements DocumentStore.
func (s *MemoryStore) User(_ context.Context, id string) (entity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return entity.User{}, ErrNoDocument
	}
	return u, nil
}

// PutUser implements DocumentStore.
func (s *MemoryStore) PutUser(_ context.Context, u entity.User) error {
	s.mu.Lock()
	_, existed := s.users[u.ID]
	s.users[u.ID] = u
	s.mu.Unlock()

	op := ChangeAdded
	if existed {
		op = ChangeModified
	}
	s.publish(UserSubject(u.ID), op, entity.KindUser, u.ID, u)
	return nil
}

// PutMessage implements DocumentStore.
func (s *MemoryStore) PutMessage(_ context.Context, m entity.Message) error {
	s.mu.Lock()
	if s.msgs[m.ChatID] == nil {
		s.msgs[m.ChatID] = make(map[string]entity.Message)
	}
	_, existed := s.msgs[m.ChatID][m.ID]
	s.msgs[m.ChatID][m.ID] = m.Clone()
	s.mu.Unlock()

	op := ChangeAdded
	if existed {
		op = ChangeModified
	}
	s.publish(MessagesSubject(m.ChatID), op, entity.KindMessage, m.ID, m)
	return nil
}

// DeleteMessage implements DocumentStore.
func (s *MemoryStore) DeleteMessage(_ context.Context, chatID, id string) error {
	s.mu.Lock()
	delete(s.msgs[chatID], id)
	s.mu.Unlock()

	s.publish(MessagesSubject(chatID), ChangeRemoved, entity.KindMessage, id, nil)
	return nil
}

// FetchMessages implements DocumentStore with the same (ts, id) anchor
// ordering the Postgres adapter uses. Results are chronological.
func (s *MemoryStore) FetchMessages(_ context.Context, chatID string, q MessageQuery) ([]entity.Message, error) {
	if q.Limit <= 0 {
		return nil, fmt.Errorf("docstore: non-positive limit %d", q.Limit)
	}

	s.mu.Lock()
	all := make([]entity.Message, 0, len(s.msgs[chatID]))
	for _, m := range s.msgs[chatID] {
		all = append(all, m.Clone())
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].ID < all[j].ID
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	// after reports whether m orders strictly after the anchor.
	after := func(m entity.Message) bool {
		if m.Timestamp.Equal(q.AnchorTS) {
			return m.ID > q.AnchorID
		}
		return m.Timestamp.After(q.AnchorTS)
	}
	isAnchor := func(m entity.Message) bool {
		return m.Timestamp.Equal(q.AnchorTS) && m.ID == q.AnchorID
	}

	var window []entity.Message
	for _, m := range all {
		if !q.AnchorTS.IsZero() {
			switch q.Direction {
			case Ascending:
				if !after(m) && !(q.Inclusive && isAnchor(m)) {
					continue
				}
			case Descending:
				if after(m) || (isAnchor(m) && !q.Inclusive) {
					continue
				}
			}
		}
		window = append(window, m)
	}

	if q.Direction == Descending {
		if len(window) > q.Limit {
			window = window[len(window)-q.Limit:]
		}
	} else if len(window) > q.Limit {
		window = window[:q.Limit]
	}
	return window, nil
}
