package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/messages"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Connection is one authenticated websocket client
type Connection struct {
	ID     string
	UserID string

	ws   *websocket.Conn // The underlying Websocket connection
	hub  *Hub
	send chan []byte // Buffered channel of outbound messages.

	// games this connection joined; touched only by the read pump until
	// the hub unregisters it
	games map[string]struct{}

	logger *zap.Logger
}

// NewConnection wraps ws for userID
func NewConnection(ws *websocket.Conn, hub *Hub, userID string, logger *zap.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:     id,
		UserID: userID,
		ws:     ws,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		games:  make(map[string]struct{}),
		logger: logger.With(zap.String("connection_id", id), zap.String("user_id", userID)),
	}
}

// ReadPump handles inbound messages from the client. Messages are
// dispatched one at a time, in arrival order.
func (c *Connection) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
		c.hub.detachSessions(ctx, c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		// We only handle text
		if msgType != websocket.TextMessage {
			continue
		}

		var inbound messages.InboundMessage
		if err := json.Unmarshal(msg, &inbound); err != nil {
			c.logger.Debug("Failed to parse inbound JSON", zap.Error(err))
			c.hub.sendError(c, messages.EventError, "malformed message")
			continue
		}
		c.hub.dispatch(ctx, c, inbound)
	}
}

// WritePump handles outbound messages to the client
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data without blocking. A client too slow to drain its
// buffer loses the message; the next movePlayed or gameState resyncs it.
// Callers hold the hub lock, so send is never closed underneath them.
func (c *Connection) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, dropping message")
	}
}
