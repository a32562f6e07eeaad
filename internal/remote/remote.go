// Package remote defines the sync core's view of its remote collaborators:
// the durable document store, the ephemeral presence store, and the network
// reachability signal, plus the concrete Postgres/Redis/NATS adapters used
// in production. The rest of the core depends only on the interfaces here, so
// tests substitute in-memory stubs.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loqui/chat-sync/internal/entity"
)

// ChangeOp is the change type carried by a remote delta.
type ChangeOp string

const (
	ChangeAdded    ChangeOp = "added"
	ChangeModified ChangeOp = "modified"
	ChangeRemoved  ChangeOp = "removed"
)

// Delta is the wire envelope published for every durable-store mutation and
// consumed by change-stream watchers. Doc is empty for removals.
type Delta struct {
	Op   ChangeOp        `json:"op"`
	Kind entity.Kind     `json:"kind"`
	ID   string          `json:"id"`
	Doc  json.RawMessage `json:"doc,omitempty"`
}

// Direction orders a message fetch relative to its anchor.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// MessageQuery describes one bounded fetch of a chat's message history.
// A zero AnchorTS means "no anchor": Descending fetches the most recent
// Limit messages, Ascending fetches from the beginning of history.
type MessageQuery struct {
	AnchorTS  time.Time
	AnchorID  string // tie-break for equal timestamps
	Inclusive bool   // whether the anchor itself is part of the result
	Direction Direction
	Limit     int
}

// ErrNoDocument is returned by point lookups that find nothing remote.
var ErrNoDocument = errors.New("remote: document not found")

// DocumentStore is the durable store boundary: CRUD on chat, message, and
// user documents. Every successful write is expected to surface on the
// corresponding change stream.
type DocumentStore interface {
	Chat(ctx context.Context, id string) (entity.Chat, error)
	PutChat(ctx context.Context, c entity.Chat) error
	DeleteChat(ctx context.Context, id string) error
	ChatsForUser(ctx context.Context, userID string) ([]entity.Chat, error)

	User(ctx context.Context, id string) (entity.User, error)
	PutUser(ctx context.Context, u entity.User) error

	PutMessage(ctx context.Context, m entity.Message) error
	DeleteMessage(ctx context.Context, chatID, id string) error
	FetchMessages(ctx context.Context, chatID string, q MessageQuery) ([]entity.Message, error)
}

// Presence is a user's ephemeral online state.
type Presence struct {
	UserID   string    `json:"user_id"`
	IsActive bool      `json:"is_active"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceStore is the ephemeral key-value boundary. Watch subscriptions are
// independent of the durable store; the two sides never update atomically.
type PresenceStore interface {
	SetActive(ctx context.Context, userID string, active bool) error
	Presence(ctx context.Context, userID string) (Presence, error)

	// Watch yields presence updates for userID until cancel is called.
	// Cancellation is idempotent.
	Watch(ctx context.Context, userID string, handler func(Presence)) (cancel func(), err error)

	// SetOnDisconnect arranges for userID to be marked inactive if this
	// process disappears without calling SetActive(false). The returned
	// cancel withdraws the directive after a graceful sign-out.
	SetOnDisconnect(ctx context.Context, userID string) (cancel func(), err error)
}

// Reachability reports current network connectivity.
type Reachability interface {
	Reachable() bool
}

// ReachableFunc adapts a function to the Reachability interface.
type ReachableFunc func() bool

// Reachable implements Reachability.
func (f ReachableFunc) Reachable() bool { return f() }
