package subtitle

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// clientBuffer is the number of snapshots queued per display client.
	clientBuffer = 16

	// writeWait bounds a single write to a display client.
	writeWait = 5 * time.Second
)

// Compile-time interface assertion.
var _ Publisher = (*Hub)(nil)

// Hub fans overlay snapshots out to websocket display clients. A newly
// connected client first receives the latest snapshot. A client that falls
// more than clientBuffer snapshots behind is disconnected.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	latest  Snapshot
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	send chan Snapshot
	// kick is closed when the hub drops the client; status is the close code
	// to send.
	kick     chan struct{}
	kickOnce sync.Once
	status   websocket.StatusCode
}

func (c *client) drop(status websocket.StatusCode) {
	c.kickOnce.Do(func() {
		c.status = status
		close(c.kick)
	})
}

// NewHub returns a hub whose initial snapshot is initial.
func NewHub(initial Snapshot) *Hub {
	return &Hub{
		latest:  initial,
		clients: make(map[*client]struct{}),
	}
}

// Publish implements [Publisher]. Snapshots older than the latest one seen
// are ignored.
func (h *Hub) Publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || s.Version < h.latest.Version {
		return
	}
	h.latest = s
	for c := range h.clients {
		select {
		case c.send <- s:
		default:
			slog.Warn("subtitle: display client too slow, disconnecting")
			delete(h.clients, c)
			c.drop(websocket.StatusPolicyViolation)
		}
	}
}

// Latest returns the most recent snapshot.
func (h *Hub) Latest() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Clients returns the number of connected display clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.drop(websocket.StatusGoingAway)
	}
}

// ServeHTTP upgrades the request to a websocket and streams snapshots as JSON
// text messages until the client disconnects or is dropped.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		slog.Warn("subtitle: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{
		send: make(chan Snapshot, clientBuffer),
		kick: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	c.send <- h.latest
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// Display clients never send; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("subtitle: display client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			conn.Close(c.status, "display client dropped")
			return
		case s := <-c.send:
			if err := writeSnapshot(ctx, conn, s); err != nil {
				slog.Debug("subtitle: write to display client", "err", err)
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, s Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return wsjson.Write(ctx, conn, s)
}
