package expose

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/millillitre/alumet/pkg/types"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead. pingPeriod must stay below it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamMessage is the JSON envelope sent to stream clients. Event is
// "snapshot" for the store contents sent on connect and "points" for each
// emitted batch.
type StreamMessage struct {
	Event  string        `json:"event"`
	Points []types.Point `json:"points"`
}

// Stream pushes emitted batches to WebSocket clients. It is a source.Sink;
// a client too slow to keep up is disconnected, never waited for.
type Stream struct {
	store *Store

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewStream returns a Stream that greets new clients with st's live points.
func NewStream(st *Store) *Stream {
	return &Stream{store: st, clients: make(map[*client]struct{})}
}

// Emit broadcasts points to every connected client.
func (s *Stream) Emit(_ context.Context, points []types.Point) error {
	data, err := json.Marshal(StreamMessage{Event: "points", Points: points})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Outgoing buffer full: drop the client.
			s.removeLocked(c)
		}
	}
	return nil
}

// Run blocks until ctx is cancelled, then closes every connection.
func (s *Stream) Run(ctx context.Context) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		s.removeLocked(c)
	}
}

// Count returns the number of connected clients.
func (s *Stream) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the connection and serves the client until it goes away.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufSize)}

	// Queue the snapshot before registering so it precedes every batch.
	points := make([]types.Point, 0)
	for _, e := range s.store.List() {
		points = append(points, e.Point)
	}
	if data, err := json.Marshal(StreamMessage{Event: "snapshot", Points: points}); err == nil {
		c.send <- data
	}

	if !s.register(c) {
		conn.Close()
		return
	}
	defer s.unregister(c)

	go c.writePump()
	c.readPump()
}

func (s *Stream) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Stream) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c)
}

// removeLocked closes c's send channel once. Callers hold s.mu.
func (s *Stream) removeLocked(c *client) {
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// writePump forwards queued messages and pings until send is closed or a
// write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and returns when the peer goes away.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
