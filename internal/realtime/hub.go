// Package realtime fans change events out to connected WebSocket clients.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 32
	readLimit    = 4 * 1024
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Event is the envelope written to clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub tracks open connections per user. A user may hold several connections.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// OnPresence is called when a user's first connection opens (true) and
	// when their last one closes (false).
	OnPresence func(userID string, online bool)
}

func NewHub(allowedOrigin string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
		}},
		logger: logger,
	}
}

// ServeUser upgrades the request and blocks until the connection closes.
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("realtime: upgrade failed", "user_id", userID, "error", err)
		return
	}
	c := &client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
	if first := h.register(c); first && h.OnPresence != nil {
		h.OnPresence(userID, true)
	}
	go c.writeLoop()
	c.readLoop()
	if last := h.unregister(c); last && h.OnPresence != nil {
		h.OnPresence(userID, false)
	}
}

// Publish delivers evt to every connection of the given users. Slow
// connections whose buffers are full are dropped.
func (h *Hub) Publish(userIDs []string, evt Event) {
	if len(userIDs) == 0 {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("realtime: marshal event", "type", evt.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		for c := range h.clients[userID] {
			select {
			case c.send <- payload:
			default:
				h.dropLocked(c)
			}
		}
	}
}

// Connected reports whether the user has at least one open connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.userID]
	if conns == nil {
		conns = make(map[*client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
	return len(conns) == 1
}

func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.userID][c]; !ok {
		// Already dropped by Publish.
		return len(h.clients[c.userID]) == 0
	}
	h.dropLocked(c)
	return len(h.clients[c.userID]) == 0
}

func (h *Hub) dropLocked(c *client) {
	conns := h.clients[c.userID]
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
}

func (c *client) readLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
