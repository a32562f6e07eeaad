package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix keys the per-user presence hash.
	PresencePrefix = "presence:"

	// HeartbeatPrefix keys the per-user liveness key. It carries a TTL and is
	// refreshed while the owning process is alive; its expiry is how an
	// ungraceful disconnect becomes observable.
	HeartbeatPrefix = "presence:hb:"

	// PresenceChannel is the pub/sub channel prefix for live presence updates.
	PresenceChannel = "presence." // + <user_id>

	// HeartbeatTTL is how long a heartbeat key lives without refresh.
	HeartbeatTTL = 30 * time.Second

	// HeartbeatInterval is how often the owning process refreshes its key.
	HeartbeatInterval = 10 * time.Second
)

// RedisPresence is the ephemeral presence store. Explicit status changes flow
// through pub/sub; ungraceful disconnects surface when the user's heartbeat
// key expires, which watchers detect by polling at the TTL period.
type RedisPresence struct {
	client *redis.Client
}

// NewRedisPresence connects to Redis and verifies the connection.
func NewRedisPresence(addr string) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &RedisPresence{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisPresence) Close() error { return s.client.Close() }

// Client returns the underlying Redis client for shared use (reachability
// probing).
func (s *RedisPresence) Client() *redis.Client { return s.client }

// SetActive writes the user's presence hash and publishes the update.
func (s *RedisPresence) SetActive(ctx context.Context, userID string, active bool) error {
	now := time.Now().Unix()
	p := Presence{UserID: userID, IsActive: active, LastSeen: time.Unix(now, 0)}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, PresencePrefix+userID, map[string]interface{}{
		"is_active": strconv.FormatBool(active),
		"last_seen": now,
	})
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("presence: marshal: %w", err)
	}
	pipe.Publish(ctx, PresenceChannel+userID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set active %s: %w", userID, err)
	}
	return nil
}

// Presence reads the user's current presence hash. A user with no hash is
// reported inactive with a zero LastSeen.
func (s *RedisPresence) Presence(ctx context.Context, userID string) (Presence, error) {
	result, err := s.client.HGetAll(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return Presence{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}

	p := Presence{UserID: userID}
	if len(result) == 0 {
		return p, nil
	}
	p.IsActive = result["is_active"] == "true"
	if ts, err := strconv.ParseInt(result["last_seen"], 10, 64); err == nil {
		p.LastSeen = time.Unix(ts, 0)
	}
	return p, nil
}

// Watch delivers presence updates for userID to handler until cancel is
// called. Explicit updates arrive via pub/sub; a heartbeat poll at the TTL
// period synthesizes an offline update when the user's process died without
// signing out. Cancellation is idempotent.
func (s *RedisPresence) Watch(ctx context.Context, userID string, handler func(Presence)) (func(), error) {
	pubsub := s.client.Subscribe(ctx, PresenceChannel+userID)

	// Confirm the subscription before returning so no update can be missed
	// between Watch returning and delivery starting.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("presence: watch %s: %w", userID, err)
	}

	watchCtx, cancelCtx := context.WithCancel(context.Background())

	go func() {
		for msg := range pubsub.Channel() {
			var p Presence
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				log.Printf("[presence] drop malformed update for %s: %v", userID, err)
				continue
			}
			handler(p)
		}
	}()

	go func() {
		ticker := time.NewTicker(HeartbeatTTL)
		defer ticker.Stop()
		wasActive := false
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				p, err := s.Presence(watchCtx, userID)
				if err != nil {
					continue
				}
				if p.IsActive {
					alive, err := s.client.Exists(watchCtx, HeartbeatPrefix+userID).Result()
					if err == nil && alive == 0 {
						// Heartbeat expired: the peer vanished ungracefully.
						p.IsActive = false
						handler(p)
						wasActive = false
						continue
					}
				}
				if p.IsActive != wasActive {
					wasActive = p.IsActive
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelCtx()
			if err := pubsub.Close(); err != nil {
				log.Printf("[presence] close watch %s: %v", userID, err)
			}
		})
	}, nil
}

// SetOnDisconnect starts refreshing the user's heartbeat key. While the
// returned cancel has not been called and the process is alive, the key keeps
// its TTL topped up; if the process dies, the key expires and watchers mark
// the user inactive. Cancel stops the refresh and removes the key (the
// graceful path, where SetActive(false) is expected to follow).
func (s *RedisPresence) SetOnDisconnect(ctx context.Context, userID string) (func(), error) {
	key := HeartbeatPrefix + userID
	if err := s.client.Set(ctx, key, "1", HeartbeatTTL).Err(); err != nil {
		return nil, fmt.Errorf("presence: heartbeat %s: %w", userID, err)
	}

	hbCtx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.client.Set(hbCtx, key, "1", HeartbeatTTL).Err(); err != nil {
					log.Printf("[presence] heartbeat refresh %s: %v", userID, err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelCtx()
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.client.Del(cleanupCtx, key).Err(); err != nil {
				log.Printf("[presence] heartbeat cleanup %s: %v", userID, err)
			}
		})
	}, nil
}
