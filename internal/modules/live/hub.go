// Package live streams lifecycle events to connected staff screens over
// WebSocket. Clients subscribe per resource or to everything with "*".
package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"venuecore/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024

	AllResources = "*"
)

// clientMessage is what a screen may send: subscribe or unsubscribe.
type clientMessage struct {
	Type       string `json:"type"`
	ResourceID string `json:"resource_id"`
}

type connection struct {
	staffID string
	conn    *websocket.Conn
	send    chan []byte
	topics  map[string]bool
}

// Hub fans published events out to subscribed connections. It implements
// events.Publisher.
type Hub struct {
	mu    sync.RWMutex
	conns map[*connection]struct{}
	log   zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[*connection]struct{}),
		log:   log.With().Str("component", "live").Logger(),
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish never blocks: a client whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}
	topic := ""
	if ev.ResourceID != nil {
		topic = ev.ResourceID.String()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if !c.topics[AllResources] && (topic == "" || !c.topics[topic]) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn().Str("staff_id", c.staffID).Str("type", ev.Type).Msg("live client too slow, event dropped")
		}
	}
}

// Serve registers conn and runs its pumps until the client goes away.
func (h *Hub) Serve(conn *websocket.Conn, staffID string, initial []string) {
	c := &connection{
		staffID: staffID,
		conn:    conn,
		send:    make(chan []byte, 256),
		topics:  make(map[string]bool),
	}
	for _, t := range initial {
		if t != "" {
			c.topics[t] = true
		}
	}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *connection) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("staff_id", c.staffID).Msg("live connection closed")
			}
			return
		}
		if msg.ResourceID == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			h.mu.Lock()
			c.topics[msg.ResourceID] = true
			h.mu.Unlock()
		case "unsubscribe":
			h.mu.Lock()
			delete(c.topics, msg.ResourceID)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.conn.Close()
	}
	return nil
}
