// Package livereload pushes freshly packed archives to browser editors over
// WebSocket and exposes the sync facade as a small local HTTP API.
package livereload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"
)

// MessageArchiveUpdated is the message type carrying a new archive.
const MessageArchiveUpdated = "sb3-updated"

const defaultWriteTimeout = 10 * time.Second

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("livereload: hub closed")

// Message is the JSON envelope sent to clients. Data holds the archive
// bytes, base64-encoded.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// client is one connected editor. send holds at most one pending message:
// a newer archive replaces one the client has not received yet.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// offer queues msg and reports how many undelivered archives it displaced.
func (c *client) offer(msg []byte) int {
	dropped := 0

	for {
		select {
		case c.send <- msg:
			return dropped
		default:
		}

		// Drop the stale pending archive and retry.
		select {
		case <-c.send:
			dropped++
		default:
		}
	}
}

// Hub broadcasts archives to connected WebSocket clients. It remembers the
// latest archive so a client that connects later, or reconnects, loads the
// current project immediately.
type Hub struct {
	mu      stdsync.Mutex
	clients map[*client]struct{}
	latest  []byte // encoded Message of the last published archive
	closed  bool

	originPatterns []string
	writeTimeout   time.Duration
	metrics        *Metrics
	logger         *slog.Logger
}

// NewHub creates a hub. originPatterns lists extra Origin hosts allowed to
// connect; same-origin requests are always accepted. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *Metrics, originPatterns ...string) *Hub {
	return &Hub{
		clients:        make(map[*client]struct{}),
		originPatterns: originPatterns,
		writeTimeout:   defaultWriteTimeout,
		metrics:        metrics,
		logger:         logger,
	}
}

// Publish stores data as the current archive and queues it for every
// connected client. It never blocks on a slow client.
func (h *Hub) Publish(_ context.Context, data []byte) error {
	msg, err := json.Marshal(Message{
		Type: MessageArchiveUpdated,
		Data: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	h.latest = msg

	for c := range h.clients {
		h.metrics.observeDropped(c.offer(msg))
	}

	h.metrics.observePublish(len(data))

	h.logger.Info("sent archive to clients",
		slog.Int("clients", len(h.clients)),
		slog.Int("bytes", len(data)),
	)

	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and streams archives to it
// until either side closes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 1)}

	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	// Clients never send anything; CloseRead discards input and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()

			if err != nil {
				h.logger.Debug("websocket write failed, dropping client", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// add registers c and queues the current archive for it. It reports false
// when the hub is closed.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.clients[c] = struct{}{}

	if h.latest != nil {
		h.metrics.observeDropped(c.offer(h.latest))
	}

	h.metrics.setClients(len(h.clients))
	h.logger.Info("client connected", slog.Int("clients", len(h.clients)))

	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()

	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}

	delete(h.clients, c)
	n := len(h.clients)
	h.metrics.setClients(n)
	h.mu.Unlock()

	c.conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("client disconnected", slog.Int("clients", n))
}

// Close disconnects every client and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true

	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
