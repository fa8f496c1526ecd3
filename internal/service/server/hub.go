package server

import (
	"sync"

	"mychat_node/internal/model"
	"mychat_node/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsClient wraps one connection with its write lock. gorilla/websocket allows
// at most one concurrent writer per connection, and pushes arrive from
// whichever handler goroutine committed the delivery.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub tracks the websocket connection of each locally connected user and
// pushes freshly delivered messages to them. Delivery state never depends on
// it; a dropped push is recovered by the conversation endpoint.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*wsClient
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*wsClient)}
}

// Register replaces any previous connection for the user.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = &wsClient{conn: conn}
	h.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.conn.Close()
		old.mu.Unlock()
	}
}

// Unregister drops the connection only if it is still the registered one.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	if c := h.conns[userID]; c != nil && c.conn == conn {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	conn.Close()
}

// MessageDelivered pushes the message to the recipient if they are connected.
func (h *Hub) MessageDelivered(recipientID string, msg *model.Message) {
	h.mu.Lock()
	c := h.conns[recipientID]
	h.mu.Unlock()

	if c == nil {
		return
	}
	if err := c.writeJSON(msg); err != nil {
		log.Debug("websocket push failed",
			zap.String("recipient_id", recipientID), zap.Error(err))
	}
}
