// Package cache implements the local persistent entity store: a bbolt-backed
// keyed cache of chats, messages, and users with batched write transactions,
// frozen snapshot reads, and change notification.
//
// Every read returns a decoded copy, never a reference into the store, so
// returned values are safe to hand across goroutines. Writes go through bbolt
// update transactions: readers observe either the full pre-write or full
// post-write state.
package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/loqui/chat-sync/internal/entity"
	"github.com/loqui/chat-sync/internal/stream"
)

var (
	chatsBucket    = []byte("chats")
	messagesBucket = []byte("messages")
	usersBucket    = []byte("users")
)

// ErrNotFound is returned when a primary-key lookup finds no entity.
var ErrNotFound = errors.New("cache: entity not found")

// Store is the local persistent cache. It exclusively owns the authoritative
// local copy of every entity.
type Store struct {
	db     *bbolt.DB
	events *stream.Broadcaster[entity.Event]
}

// Open opens (creating if needed) the cache file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, messagesBucket, usersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init buckets: %w", err)
	}

	return &Store{
		db:     db,
		events: stream.NewBroadcaster[entity.Event]("cache"),
	}, nil
}

// Close closes the underlying database and cancels all event subscriptions.
func (s *Store) Close() error {
	s.events.Close()
	return s.db.Close()
}

// Events subscribes to every local mutation, in commit order. The carried
// entities are frozen copies.
func (s *Store) Events() *stream.Subscription[entity.Event] {
	return s.events.Subscribe()
}

// messageKey builds the composite key <chatID>/<messageID>, giving all of a
// chat's messages a common prefix for range scans.
func messageKey(chatID, messageID string) []byte {
	return []byte(chatID + "/" + messageID)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("cache: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("cache: decode: %w", err)
	}
	return nil
}

// Chat returns a frozen copy of the chat with the given id.
func (s *Store) Chat(id string) (entity.Chat, error) {
	var c entity.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(chatsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return decode(data, &c)
	})
	return c, err
}

// Chats returns frozen copies of every cached chat, most recent first by
// creation time.
func (s *Store) Chats() ([]entity.Chat, error) {
	var chats []entity.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, data []byte) error {
			var c entity.Chat
			if err := decode(data, &c); err != nil {
				return err
			}
			chats = append(chats, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats, nil
}

// PutChat inserts or replaces a chat and notifies subscribers.
func (s *Store) PutChat(c entity.Chat) error {
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		existed = b.Get([]byte(c.ID)) != nil
		data, err := encode(&c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
	if err != nil {
		return err
	}

	op := entity.OpAdded
	if existed {
		op = entity.OpUpdated
	}
	s.events.Publish(entity.Event{Op: op, Kind: entity.KindChat, Chats: []entity.Chat{c.Clone()}})
	return nil
}

// DeleteChat removes a chat and all of its messages.
func (s *Store) DeleteChat(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		c := tx.Bucket(messagesBucket).Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Publish(entity.Event{Op: entity.OpRemoved, Kind: entity.KindChat, Chats: []entity.Chat{{ID: id}}})
	return nil
}

// Message returns a frozen copy of one message.
func (s *Store) Message(chatID, id string) (entity.Message, error) {
	var m entity.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(messagesBucket).Get(messageKey(chatID, id))
		if data == nil {
			return ErrNotFound
		}
		return decode(data, &m)
	})
	return m, err
}

// Messages returns frozen copies of all cached messages for a chat in
// chronological order.
func (s *Store) Messages(chatID string) ([]entity.Message, error) {
	var msgs []entity.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		prefix := []byte(chatID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m entity.Message
			if err := decode(v, &m); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// MessageIDs returns the id set of all cached messages for a chat. Used by
// the reconciliation pipeline's self-healing diff after reconnect.
func (s *Store) MessageIDs(chatID string) (map[string]bool, error) {
	ids := make(map[string]bool)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		prefix := []byte(chatID + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids[strings.TrimPrefix(string(k), chatID+"/")] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PutMessage inserts or replaces a message and notifies subscribers.
func (s *Store) PutMessage(m entity.Message) error {
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		key := messageKey(m.ChatID, m.ID)
		existed = b.Get(key) != nil
		data, err := encode(&m)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return err
	}

	op := entity.OpAdded
	if existed {
		op = entity.OpUpdated
	}
	s.events.Publish(entity.Event{Op: op, Kind: entity.KindMessage, ChatID: m.ChatID, Msgs: []entity.Message{m.Clone()}})
	return nil
}

// DeleteMessage removes one message.
func (s *Store) DeleteMessage(chatID, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(messagesBucket).Delete(messageKey(chatID, id))
	})
	if err != nil {
		return err
	}

	s.events.Publish(entity.Event{Op: entity.OpRemoved, Kind: entity.KindMessage, ChatID: chatID, Msgs: []entity.Message{{ID: id, ChatID: chatID}}})
	return nil
}

// User returns a frozen copy of the user with the given id.
func (s *Store) User(id string) (entity.User, error) {
	var u entity.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(usersBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return decode(data, &u)
	})
	return u, err
}

// PutUser inserts or replaces a user and notifies subscribers.
func (s *Store) PutUser(u entity.User) error {
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		existed = b.Get([]byte(u.ID)) != nil
		data, err := encode(&u)
		if err != nil {
			return err
		}
		return b.Put([]byte(u.ID), data)
	})
	if err != nil {
		return err
	}

	op := entity.OpAdded
	if existed {
		op = entity.OpUpdated
	}
	s.events.Publish(entity.Event{Op: op, Kind: entity.KindUser, Users: []entity.User{u}})
	return nil
}

// UpdatePresence applies ephemeral presence fields onto the cached user,
// leaving durable profile fields untouched. Missing users are created with
// presence only; their profile fills in when the durable document arrives.
func (s *Store) UpdatePresence(userID string, isActive bool, lastSeen time.Time) error {
	var u entity.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if data := b.Get([]byte(userID)); data != nil {
			if err := decode(data, &u); err != nil {
				return err
			}
		} else {
			u = entity.User{ID: userID}
		}
		u.ApplyPresence(isActive, lastSeen)
		data, err := encode(&u)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), data)
	})
	if err != nil {
		return err
	}

	s.events.Publish(entity.Event{Op: entity.OpUpdated, Kind: entity.KindUser, Users: []entity.User{u}})
	return nil
}

// PutMessages writes a message batch in a single transaction, then notifies
// once with the full batch. Used when a fetched page lands.
func (s *Store) PutMessages(chatID string, msgs []entity.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		for i := range msgs {
			data, err := encode(&msgs[i])
			if err != nil {
				return err
			}
			if err := b.Put(messageKey(chatID, msgs[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	frozen := make([]entity.Message, len(msgs))
	for i, m := range msgs {
		frozen[i] = m.Clone()
	}
	s.events.Publish(entity.Event{Op: entity.OpAdded, Kind: entity.KindMessage, ChatID: chatID, Msgs: frozen})
	return nil
}
