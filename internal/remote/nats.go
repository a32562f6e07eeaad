package remote

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqui/chat-sync/internal/entity"
)

// NATS subject patterns for durable-store change streams.
const (
	SubjectChat     = "sync.chat"  // + .<chat_id>    chat document deltas
	SubjectMessages = "sync.msg"   // + .<chat_id>    message collection deltas
	SubjectUser     = "sync.user"  // + .<user_id>    user document deltas
)

// DeltaClient wraps the NATS connection used to carry durable-store change
// streams. The durable store publishes a Delta for every write; watchers
// subscribe per document or per collection.
type DeltaClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	next int // tie-breaker so repeated subscriptions to one subject coexist
}

// DeltaConfig holds NATS connection settings.
type DeltaConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultDeltaConfig returns sensible defaults.
func DefaultDeltaConfig() DeltaConfig {
	return DeltaConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-sync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewDeltaClient connects to NATS and returns a ready client.
func NewDeltaClient(config DeltaConfig) (*DeltaClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[deltas] disconnected: %v", err)
			} else {
				log.Printf("[deltas] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[deltas] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("deltas: connect: %w", err)
	}

	log.Printf("[deltas] connected to %s", nc.ConnectedUrl())

	return &DeltaClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// ChatSubject returns the subject carrying one chat document's deltas.
func ChatSubject(chatID string) string { return SubjectChat + "." + chatID }

// MessagesSubject returns the subject carrying one chat's message deltas.
func MessagesSubject(chatID string) string { return SubjectMessages + "." + chatID }

// UserSubject returns the subject carrying one user document's deltas.
func UserSubject(userID string) string { return SubjectUser + "." + userID }

// Publish marshals and publishes a delta on the given subject.
func (c *DeltaClient) Publish(subject string, d Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("deltas: marshal: %w", err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("deltas: publish %s: %w", subject, err)
	}
	return nil
}

// PublishEntity marshals doc into a delta and publishes it.
func (c *DeltaClient) PublishEntity(subject string, op ChangeOp, kind entity.Kind, id string, doc interface{}) error {
	var raw json.RawMessage
	if doc != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("deltas: marshal %s doc: %w", kind, err)
		}
		raw = data
	}
	return c.Publish(subject, Delta{Op: op, Kind: kind, ID: id, Doc: raw})
}

// Subscribe registers a delta handler for subject. The returned cancel is
// idempotent. Malformed payloads are logged and dropped; they never abort
// the subscription.
func (c *DeltaClient) Subscribe(subject string, handler func(Delta)) (cancel func(), err error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var d Delta
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[deltas] drop malformed payload on %s: %v", subject, err)
			return
		}
		handler(d)
	})
	if err != nil {
		return nil, fmt.Errorf("deltas: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.next++
	key := fmt.Sprintf("%s#%d", subject, c.next)
	c.subs[key] = sub
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, key)
			c.mu.Unlock()
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("[deltas] unsubscribe %s: %v", subject, err)
			}
		})
	}, nil
}

// Close drains all active subscriptions and the connection.
func (c *DeltaClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[deltas] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[deltas] connection drain: %v", err)
	}
}
