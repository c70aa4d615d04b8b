package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/combiner/pkg/types"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingEvery  = streamPongWait * 9 / 10
	streamQueueDepth = 16
	streamReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans published deltas out to websocket clients. It is a sink
// transport: every delta sent to it is broadcast, and a newly connected
// client first receives the most recent one.
type Hub struct {
	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	last    []byte
	closed  bool
}

// subscriber is one stream client. queue is closed by the hub when the
// client is dropped; that ends serve.
type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*subscriber]struct{})}
}

// Send broadcasts d to every connected client. Clients whose buffer is full
// are disconnected.
func (h *Hub) Send(_ context.Context, d *types.Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.last = data
	targets := make([]*subscriber, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !h.offer(c, data) {
			slog.Warn("api: stream client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			h.unregister(c)
		}
	}
	return nil
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.queue)
		delete(h.clients, c)
	}
	return nil
}

// ServeHTTP upgrades the connection and streams deltas until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &subscriber{conn: conn, queue: make(chan []byte, streamQueueDepth)}
	last, ok := h.register(c)
	if !ok {
		conn.Close()
		return
	}
	defer h.unregister(c)

	if last != nil {
		h.offer(c, last)
	}

	go c.serve()
	c.awaitClose()
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *subscriber) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.clients[c] = struct{}{}
	return h.last, true
}

func (h *Hub) unregister(c *subscriber) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.queue)
	}
	h.mu.Unlock()
}

// offer queues data for c without blocking. The read lock keeps queue open.
func (h *Hub) offer(c *subscriber, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return true
	}
	select {
	case c.queue <- data:
		return true
	default:
		return false
	}
}

func (c *subscriber) write(kind int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
	return c.conn.WriteMessage(kind, data)
}

// serve writes queued deltas and keepalive pings until the queue is closed
// or a write fails.
func (c *subscriber) serve() {
	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		var err error
		select {
		case msg, open := <-c.queue:
			if !open {
				c.write(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			err = c.write(websocket.TextMessage, msg)
		case <-ping.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

// awaitClose discards client frames and returns once the peer is gone or
// stops answering pings.
func (c *subscriber) awaitClose() {
	defer c.conn.Close()
	c.conn.SetReadLimit(streamReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
