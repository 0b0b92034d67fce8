// Package wsstatus broadcasts orchestrator.Status snapshots to connected
// dashboards over a websocket, per SPEC_FULL.md §C/§B, mirroring
// internal/websocket/hub.go's register/unregister/broadcast loop. No
// separate pipeline status is pushed. The register/unregister/broadcast channel shape and
// the ping/pong write pump are adapted directly from that hub, stripped
// of the teacher's per-client server-identity/auth bookkeeping: a
// dashboard client here carries no identity, it just wants the latest
// snapshot.
package wsstatus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 90 * time.Second
)

// StatusFunc returns the current snapshot to send to newly-registered and
// periodically-refreshed clients.
type StatusFunc func() (interface{}, error)

// client is one connected dashboard.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected dashboard clients and broadcasts status snapshots
// to all of them on a fixed interval plus whenever Notify is called after
// a state change.
type Hub struct {
	status StatusFunc
	log    zerolog.Logger

	register   chan *client
	unregister chan *client
	notify     chan struct{}

	mu      sync.Mutex
	clients map[*client]bool
}

// New builds a Hub. Call Run in its own goroutine before serving.
func New(status StatusFunc, log zerolog.Logger) *Hub {
	return &Hub{
		status:     status,
		log:        log.With().Str("component", "wsstatus").Logger(),
		register:   make(chan *client),
		unregister: make(chan *client),
		notify:     make(chan struct{}, 1),
		clients:    make(map[*client]bool),
	}
}

// Notify asks the hub to push a fresh snapshot to every connected client
// on its next tick, without waiting for the periodic interval.
func (h *Hub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Run is the hub's main loop: register/unregister bookkeeping plus a
// periodic broadcast tick, mirroring the teacher's status-update ticker.
func (h *Hub) Run() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.sendTo(c)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case <-h.notify:
			h.broadcast()
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.sendToLocked(c)
	}
}

func (h *Hub) sendTo(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendToLocked(c)
}

func (h *Hub) sendToLocked(c *client) {
	status, err := h.status()
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to read status for broadcast")
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal status")
		return
	}
	select {
	case c.send <- payload:
	default:
		// client too slow to drain; drop it rather than block the hub.
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request to a websocket and registers the new
// client, matching the teacher's handler.go upgrade-then-register-then-
// start-pumps sequence.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 8)}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains the connection so close/pong control frames are
// processed; dashboards never send commands, they just watch.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
