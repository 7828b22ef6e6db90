package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"questionpool/metrics"
	"questionpool/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub fans notifications out to the websocket clients of each user.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	log        *zap.Logger
}

type Client struct {
	hub    *Hub
	id     string
	socket *websocket.Conn
	send   chan []byte
	userID uint
	// closed is guarded by hub.mutex; send is closed only under the write lock.
	closed bool
}

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With(zap.String("service", "Hub")),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mutex.Unlock()
			metrics.LiveClients.Set(0)
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()
			metrics.LiveClients.Set(float64(total))
			h.log.Debug("client registered", zap.String("client_id", client.id), zap.Uint("user_id", client.userID), zap.Int("total", total))

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// Publish implements Publisher for a single instance.
func (h *Hub) Publish(_ context.Context, n *models.Notification) error {
	h.SendToUser(n.UserID, "notification", n)
	return nil
}

// SendToUser delivers to every connection of userID and reports how many
// accepted the message. Clients with a full buffer are dropped.
func (h *Hub) SendToUser(userID uint, messageType string, payload interface{}) int {
	data, err := json.Marshal(Message{Type: messageType, Payload: payload})
	if err != nil {
		h.log.Error("marshal hub message", zap.Error(err))
		return 0
	}

	var sent int
	var slow []*Client
	h.mutex.RLock()
	for client := range h.clients {
		if client.userID != userID || client.closed {
			continue
		}
		select {
		case client.send <- data:
			sent++
		default:
			slow = append(slow, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range slow {
		h.log.Warn("client send buffer full, closing", zap.String("client_id", client.id))
		h.remove(client)
	}
	return sent
}

func (h *Hub) IsUserConnected(userID uint) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		if client.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID uint) *Client {
	client := &Client{
		hub:    h,
		id:     uuid.NewString(),
		socket: conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return client
	}

	go client.writePump()
	go client.readPump()

	return client
}

func (c *Client) ID() string { return c.id }

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
	total := len(h.clients)
	h.mutex.Unlock()
	metrics.LiveClients.Set(float64(total))
}

// closeSend must be called with hub.mutex held for writing.
func (c *Client) closeSend() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// trySend queues data unless the client has been dropped or its buffer is
// full.
func (c *Client) trySend(data []byte) bool {
	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.socket.Close()
	}()

	c.socket.SetReadLimit(4096)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			data, _ := json.Marshal(Message{Type: "pong", Payload: "pong"})
			c.trySend(data)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
