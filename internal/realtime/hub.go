// Package realtime streams committed changes to browsers over WebSocket.
//
// The buyer's order page, the seller's inbox and the admin console connect to
// /v1/ws and narrow the stream with an events.Filter sent as a JSON message.
// Clients refetch the entity named in a change instead of polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tradehold/internal/events"
	"github.com/mbd888/tradehold/internal/metrics"
)

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxFilterSize = 64 * 1024
	sendBuffer    = 256
	changeBuffer  = 256
)

// Client is one WebSocket connection and the slice of the change stream it
// asked for. A new client sees every change until it sends a filter.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter events.Filter
}

func (c *Client) setFilter(f events.Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *Client) wants(change events.Change) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Match(change)
}

// Hub owns the set of connected clients. Only Run touches the set's
// membership; the mutex lets Stats and HandleWebSocket read its size.
type Hub struct {
	logger     *slog.Logger
	origins    []string
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	changes    chan events.Change
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	delivered atomic.Int64
	connects  atomic.Int64
	peak      atomic.Int64
}

// NewHub creates a hub. Browsers may connect from the API's own origin.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
		changes:    make(chan events.Change, changeBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// WithOrigins also accepts browser connections from the storefront and admin
// console origins.
func (h *Hub) WithOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		return true
	case origin == "http://"+r.Host, origin == "https://"+r.Host:
		return true
	default:
		return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
	}
}

// Run owns the client set until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case change := <-h.changes:
			h.fanOut(change)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.connects.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client connected", "clients", n)
}

// remove drops clients still in the set and closes their send channel, which
// makes writePump send a close frame.
func (h *Hub) remove(cs ...*Client) {
	h.mu.Lock()
	for _, c := range cs {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client disconnected", "clients", n)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	h.remove(all...)
}

// fanOut sends change to interested clients. A client whose buffer is full
// is disconnected; it reconnects and refetches what it missed.
func (h *Hub) fanOut(change events.Change) {
	h.delivered.Add(1)
	frame, err := json.Marshal(change)
	if err != nil {
		h.logger.Error("encode change", "entity", change.Entity, "id", change.EntityID, "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(change) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	if len(lagging) > 0 {
		metrics.ChangeEventsDropped.WithLabelValues("realtime_client").Add(float64(len(lagging)))
		h.remove(lagging...)
	}
}

// Broadcast queues a change for matching clients. It never blocks.
func (h *Hub) Broadcast(change events.Change) {
	select {
	case h.changes <- change:
	default:
		metrics.ChangeEventsDropped.WithLabelValues("realtime").Inc()
		h.logger.Warn("realtime queue full, dropping change", "entity", change.Entity, "id", change.EntityID)
	}
}

// Deliver lets the hub act as an events.Sink.
func (h *Hub) Deliver(_ context.Context, change events.Change) error {
	h.Broadcast(change)
	return nil
}

func (h *Hub) connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats reports connection and delivery counters for the admin console.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connectedClients": h.connected(),
		"totalEvents":      h.delivered.Load(),
		"totalClients":     h.connects.Load(),
		"peakClients":      h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the
// hub. Upgrades are refused once Run has returned.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.connected() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies filter messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFilterSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var f events.Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			c.hub.logger.Debug("ignoring malformed filter", "error", err)
			continue
		}
		c.setFilter(f)
	}
}

// writePump forwards queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
