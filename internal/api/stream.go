package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spiketrader/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// wsMessage is the wire shape of one event pushed to a dashboard client.
type wsMessage struct {
	Type      string    `json:"type"`
	BotID     string    `json:"bot_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Hub tracks connected dashboard WebSocket clients. Event fan-out itself is
// delegated to registry.Bus — each Client subscribes directly so a slow
// dashboard tab only ever falls behind its own queue, never another
// client's.
type Hub struct {
	bus *registry.Bus

	mu      sync.Mutex
	clients map[*Client]bool

	logger *slog.Logger
}

// Client represents one connected dashboard WebSocket.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte // one-off sends (initial snapshot) outside the bus stream
	busEvents   <-chan registry.Event
	unsubscribe func()
}

// NewHub creates a Hub backed by bus.
func NewHub(bus *registry.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		clients: make(map[*Client]bool),
		logger:  logger.With("component", "ws_hub"),
	}
}

// NewClient upgrades a connection into a tracked, subscribed dashboard
// client and starts its read/write pumps.
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	busEvents, unsubscribe := h.bus.Subscribe()
	client := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, 16),
		busEvents:   busEvents,
		unsubscribe: unsubscribe,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("dashboard client connected", "count", count)

	go client.writePump()
	go client.readPump()

	return client
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("dashboard client disconnected", "count", count)
}

// Send queues raw bytes for delivery to this client only (used for the
// initial snapshot on connect).
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("client send buffer full, dropping initial payload")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.unsubscribe()
		c.hub.remove(c)
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case evt, ok := <-c.busEvents:
			if !ok {
				return
			}
			msg := wsMessage{Type: string(evt.Kind), BotID: evt.BotID, Timestamp: evt.Timestamp, Data: evt.Data}
			data, err := json.Marshal(msg)
			if err != nil {
				c.hub.logger.Error("failed to marshal event", "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}
		// Dashboard push channel is read-only; client messages are ignored.
	}
}
