package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event stream message types.
const (
	EventVoice        = "voice"
	EventConversation = "conversation"
	EventViewport     = "viewport"
	EventAnalysis     = "analysis"
)

const (
	clientBuffer      = 64
	eventWriteTimeout = 5 * time.Second
)

// envelope is the JSON text frame sent to event clients.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans events out to WebSocket clients. A client that cannot keep up is
// disconnected rather than slowing down publishers.
type Hub struct {
	logger  *slog.Logger
	origins []string

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	send chan []byte
	once sync.Once
	gone chan struct{}
}

func (c *eventClient) drop() {
	c.once.Do(func() { close(c.gone) })
}

// NewHub creates a Hub with no clients.
func NewHub(logger *slog.Logger, origins ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "events"),
		origins: origins,
		clients: make(map[*eventClient]struct{}),
	}
}

// Publish sends an event to every connected client. It never blocks.
func (h *Hub) Publish(typ string, data any) {
	msg, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		h.logger.Error("marshal event", "type", typ, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("event client too slow, disconnecting")
			delete(h.clients, c)
			c.drop()
		}
	}
}

// Clients returns the number of connected clients.
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
		c.drop()
	}
}

func (h *Hub) add() *eventClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	c := &eventClient{send: make(chan []byte, clientBuffer), gone: make(chan struct{})}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.drop()
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// Client frames are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("event stream handshake failed", "err", err)
		return
	}
	c := h.add()
	if c == nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	ctx := conn.CloseRead(r.Context())
	err = h.writeLoop(ctx, conn, c)

	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusGoingAway, "")
	case websocket.CloseStatus(err) != -1, ctx.Err() != nil:
		// Client went away.
	default:
		h.logger.Debug("event stream write failed", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "write failed")
	}
}

// writeLoop returns nil when the hub dropped the client.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *eventClient) error {
	for {
		select {
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return err
			}
		case <-c.gone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
