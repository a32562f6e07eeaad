package feed

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one attached feed client with a write mutex serializing
// outbound frames.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time
	writeMu   sync.Mutex
}

// WriteFrame sends a WebSocket text frame. The write mutex ensures the
// snapshot writer, the event fan-out, and control replies never interleave
// frame bytes.
func (c *Connection) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// registry is a thread-safe set of live connections keyed by id.
type registry struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*Connection)}
}

func (r *registry) add(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// remove drops and closes the connection. Returns false if it was already
// gone.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

func (r *registry) count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

func (r *registry) all() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}
