package remote

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProbeInterval is how often the reachability probe re-checks connectivity.
const ProbeInterval = 3 * time.Second

// RedisReachability derives the reachability signal from Redis connectivity:
// if the ephemeral store answers a ping, the network is considered up. The
// probe runs on its own ticker so Reachable never blocks the caller.
type RedisReachability struct {
	client    *redis.Client
	reachable atomic.Bool
	cancel    context.CancelFunc
}

// NewRedisReachability starts the probe loop. Call Stop when done.
func NewRedisReachability(client *redis.Client) *RedisReachability {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisReachability{client: client, cancel: cancel}
	r.probe(ctx)
	go r.loop(ctx)
	return r
}

// Reachable reports the most recent probe result.
func (r *RedisReachability) Reachable() bool { return r.reachable.Load() }

// Stop halts the probe loop.
func (r *RedisReachability) Stop() { r.cancel() }

func (r *RedisReachability) loop(ctx context.Context) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probe(ctx)
		}
	}
}

func (r *RedisReachability) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	r.reachable.Store(r.client.Ping(pingCtx).Err() == nil)
}
