package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/loqui/chat-sync/internal/metrics"
	"github.com/loqui/chat-sync/internal/session"
)

// Config holds tunable parameters for the feed server.
type Config struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	WriteTimeout time.Duration // timeout for WebSocket write operations
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		WriteTimeout: 10 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket and streams the session's
// synchronized state: a snapshot on attach, then consolidated entity events
// and unseen-aggregate updates as they land. Inbound frames acknowledge
// chats as seen.
type Server struct {
	config     Config
	session    *session.Session
	conns      *registry
	httpServer *http.Server
	done       chan struct{}
}

// NewServer creates a feed server over sess.
func NewServer(config Config, sess *session.Session) *Server {
	return &Server{
		config:  config,
		session: sess,
		conns:   newRegistry(),
		done:    make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection until the client
// leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[feed] upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.NewString(),
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	s.conns.add(c)
	log.Printf("[feed] client %s attached (%d active)", c.ID, s.conns.count())

	go s.serveConn(c)
}

// Start begins listening and serves the feed endpoint alongside metrics and
// a health check. It blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      mux,
		WriteTimeout: s.config.WriteTimeout,
	}

	log.Printf("[feed] listening on %s", s.config.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	for _, c := range s.conns.all() {
		s.conns.remove(c.ID)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ConnectionCount returns the number of attached clients.
func (s *Server) ConnectionCount() int { return s.conns.count() }

// serveConn drives one client: snapshot, then the fan-out writer and the
// frame reader until either side ends.
func (s *Server) serveConn(c *Connection) {
	defer func() {
		s.conns.remove(c.ID)
		log.Printf("[feed] client %s detached (%d active)", c.ID, s.conns.count())
	}()

	if err := s.sendSnapshot(c); err != nil {
		log.Printf("[feed] snapshot to %s: %v", c.ID, err)
		return
	}

	events := s.session.Events()
	defer events.Cancel()
	unseen := s.session.UnseenUpdates()
	defer unseen.Cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case ev := <-events.C():
				frame, err := json.Marshal(EventFrame{Type: TypeEvent, Event: ev})
				if err != nil {
					log.Printf("[feed] marshal event: %v", err)
					continue
				}
				if err := c.WriteFrame(frame); err != nil {
					return
				}
			case total := <-unseen.C():
				frame, err := json.Marshal(UnseenFrame{Type: TypeUnseen, Total: total})
				if err != nil {
					continue
				}
				if err := c.WriteFrame(frame); err != nil {
					return
				}
			case <-s.done:
				return
			}
		}
	}()

	s.readLoop(c)
	c.Close() // unblocks a writer stuck in WriteFrame
	<-writerDone
}

// sendSnapshot writes the initial state frame: the cached chat list and the
// current unseen aggregate.
func (s *Server) sendSnapshot(c *Connection) error {
	chats, err := s.session.Chats()
	if err != nil {
		return fmt.Errorf("feed: load chats: %w", err)
	}
	frame, err := json.Marshal(SnapshotFrame{
		Type:   TypeSnapshot,
		Chats:  chats,
		Unseen: s.session.UnseenTotal(),
	})
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// readLoop consumes client frames until the connection drops.
func (s *Server) readLoop(c *Connection) {
	for {
		data, err := wsutil.ReadClientText(c.Conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					log.Printf("[feed] read from %s: %v", c.ID, err)
				}
			}
			return
		}
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *Connection, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(c, "malformed frame")
		return
	}

	switch env.Type {
	case TypePing:
		var ping PingFrame
		if err := json.Unmarshal(env.Raw, &ping); err != nil {
			s.sendError(c, "malformed ping")
			return
		}
		frame, _ := json.Marshal(PongFrame{Type: TypePong})
		_ = c.WriteFrame(frame)

	case TypeAck:
		var ack AckFrame
		if err := json.Unmarshal(env.Raw, &ack); err != nil || ack.ChatID == "" {
			s.sendError(c, "malformed ack")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.session.MarkChatSeen(ctx, ack.ChatID); err != nil {
			log.Printf("[feed] ack %s from %s: %v", ack.ChatID, c.ID, err)
			s.sendError(c, "ack failed")
		}

	default:
		s.sendError(c, "unknown frame type "+env.Type)
	}
}

func (s *Server) sendError(c *Connection, msg string) {
	frame, err := json.Marshal(ErrorFrame{Type: TypeError, Message: msg})
	if err != nil {
		return
	}
	_ = c.WriteFrame(frame)
}
