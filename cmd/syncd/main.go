// Command syncd runs the sync core for one user: it keeps the local cache
// reconciled against the remote stores and serves the synchronized state to
// presentation clients over WebSocket.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loqui/chat-sync/internal/cache"
	"github.com/loqui/chat-sync/internal/feed"
	"github.com/loqui/chat-sync/internal/remote"
	"github.com/loqui/chat-sync/internal/session"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	userID := os.Getenv("USER_ID")
	if userID == "" {
		log.Fatal("USER_ID is required")
	}

	cachePath := "sync-cache.db"
	if v := os.Getenv("CACHE_PATH"); v != "" {
		cachePath = v
	}
	postgresDSN := "postgres://localhost:5432/chatsync?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		postgresDSN = v
	}
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	feedConfig := feed.DefaultConfig()
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		feedConfig.ListenAddr = v
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			feedConfig.WriteTimeout = d
		}
	}

	pageSize := 0
	if v := os.Getenv("PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}

	deltaConfig := remote.DefaultDeltaConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		deltaConfig.URL = v
	}

	log.Printf("syncd starting")
	log.Printf("  user_id:       %s", userID)
	log.Printf("  cache_path:    %s", cachePath)
	log.Printf("  listen_addr:   %s", feedConfig.ListenAddr)
	log.Printf("  nats_url:      %s", deltaConfig.URL)
	log.Printf("  redis_addr:    %s", redisAddr)

	// --- NATS ---
	deltas, err := remote.NewDeltaClient(deltaConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer deltas.Close()

	// --- Postgres ---
	store, err := remote.NewPostgresStore(postgresDSN, deltas)
	if err != nil {
		log.Fatalf("failed to open document store: %v", err)
	}
	defer store.Close()

	// --- Redis ---
	presence, err := remote.NewRedisPresence(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer presence.Close()

	reach := remote.NewRedisReachability(presence.Client())
	defer reach.Stop()

	// --- Local cache ---
	localCache, err := cache.Open(cachePath)
	if err != nil {
		log.Fatalf("failed to open cache: %v", err)
	}
	defer localCache.Close()

	// --- Session ---
	sess := session.New(userID, session.Deps{
		Cache:    localCache,
		Store:    store,
		Source:   deltas,
		Presence: presence,
		Reach:    reach,
		PageSize: pageSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sess.Start(ctx); err != nil {
		cancel()
		log.Fatalf("failed to start session: %v", err)
	}
	cancel()

	// --- HTTP: feed, metrics, health ---
	feedServer := feed.NewServer(feedConfig, sess)

	go func() {
		if err := feedServer.Start(); err != nil {
			log.Fatalf("feed server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := feedServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("feed shutdown: %v", err)
	}
	if err := sess.Close(); err != nil {
		log.Printf("session close: %v", err)
	}
	log.Printf("syncd stopped")
}
