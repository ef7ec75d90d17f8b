// Package realtime streams ledger and transaction events to connected
// parties over WebSocket, so clients see funding, confirmations and
// payouts land without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/middletrust/escrowd/internal/metrics"
	"github.com/middletrust/escrowd/internal/wallet"
)

// normalCloseCodes are WebSocket close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType classifies a realtime event.
type EventType string

const (
	EventLedgerEntry       EventType = "ledger_entry"
	EventTransactionUpdate EventType = "transaction_update"
	EventDisputeUpdate     EventType = "dispute_update"
)

// Event is delivered to every connected client whose identity appears in
// Recipients. Wallet balances and escrow state are between the parties;
// nothing here is broadcast network-wide.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	Recipients []string `json:"-"`
}

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 10000

// Client is one WebSocket connection bound to an authenticated user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu    sync.RWMutex
	types []EventType // empty means every event type
}

// wants reports whether the client's type filter matches the event.
func (c *Client) wants(t EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.types) == 0 {
		return true
	}
	for _, et := range c.types {
		if et == t {
			return true
		}
	}
	return false
}

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	events     chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a realtime hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		events:     make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub loop. Call in a goroutine; returns when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "user", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "user", client.userID, "total", n)

		case event := <-h.events:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to serialize realtime event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !h.addressedTo(client, event) || !client.wants(event.Type) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) addressedTo(client *Client, event *Event) bool {
	for _, r := range event.Recipients {
		if r == client.userID {
			return true
		}
	}
	return false
}

// Publish queues an event for delivery. Never blocks; a full queue drops
// the event (clients re-fetch state over the REST API anyway).
func (h *Hub) Publish(event *Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", event.Type)
	}
}

// LedgerEvent implements wallet.Notifier: every ledger entry streams to
// its wallet owner.
func (h *Hub) LedgerEvent(evt wallet.Event) {
	h.Publish(&Event{
		Type:       EventLedgerEntry,
		Timestamp:  evt.At,
		Data:       evt,
		Recipients: []string{evt.OwnerID},
	})
}

// PublishTransactionUpdate streams a transaction state change to its parties.
func (h *Hub) PublishTransactionUpdate(data any, parties ...string) {
	h.Publish(&Event{
		Type:       EventTransactionUpdate,
		Timestamp:  time.Now(),
		Data:       data,
		Recipients: parties,
	})
}

// PublishDisputeUpdate streams a dispute state change to its parties.
func (h *Hub) PublishDisputeUpdate(data any, parties ...string) {
	h.Publish(&Event{
		Type:       EventDisputeUpdate,
		Timestamp:  time.Now(),
		Data:       data,
		Recipients: parties,
	})
}

// Stats returns hub counters for the health endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades the request. userID must already be
// authenticated by the caller.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

type subscribeMessage struct {
	Types []EventType `json:"types"`
}

// readPump consumes client messages (filter updates, pongs).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub subscribeMessage
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.types = sub.Types
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
