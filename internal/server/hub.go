package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"wager/internal/crash"
	"wager/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Client is one websocket subscriber. Messages are queued and written by
// a single writer goroutine so ticks arrive in order.
type Client struct {
	conn      *websocket.Conn
	accountID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, accountID string) *Client {
	return &Client{conn: conn, accountID: accountID, send: make(chan []byte, sendBuffer)}
}

// enqueue drops the message when the client is closed or too slow.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("ws marshal failed", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) writePump() {
	for msg := range c.send {
		if c.conn == nil {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Debug("ws write failed", zap.String("account_id", c.accountID), zap.Error(err))
			for range c.send {
			}
			return
		}
	}
}

// Hub fans crash table events out to every connected client. It is a
// crash.Publisher.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan crash.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan crash.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			client.close()
			delete(h.clients, client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			logger.Debug("ws client connected", zap.String("account_id", client.accountID), zap.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			logger.Debug("ws client disconnected", zap.String("account_id", client.accountID), zap.Int("clients", n))

		case event := <-h.broadcast:
			msg, err := json.Marshal(event)
			if err != nil {
				logger.Error("ws marshal failed", zap.String("event", event.Type), zap.Error(err))
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				if !client.enqueue(msg) {
					logger.Debug("ws client lagging, event dropped", zap.String("account_id", client.accountID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues e for broadcast without blocking the table.
func (h *Hub) Publish(ctx context.Context, e crash.Event) {
	select {
	case h.broadcast <- e:
	default:
		logger.Warn("ws broadcast buffer full, dropping event", zap.String("event", e.Type))
	}
}

func (h *Hub) Register(conn *websocket.Conn, accountID string) *Client {
	client := newClient(conn, accountID)
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
	return client
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
