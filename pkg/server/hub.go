// Package server fans session output out to websocket connections and
// routes their messages into sessions
package server

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/messages"
	"github.com/tecu23/arena-server/pkg/game"
	"github.com/tecu23/arena-server/pkg/repository"
)

// SessionManager is the session registry the hub routes into
type SessionManager interface {
	GetOrCreate(rec *repository.Game) (*game.Session, error)
	Get(id string) (*game.Session, bool)
}

// Hub keeps track of all active connections and the game rooms they are
// subscribed to. Registration runs on the Run loop; room fan-out happens
// directly under the read lock so sessions never wait on the loop.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // by connection id
	rooms       map[string]map[string]*Connection // game id -> connection id -> connection

	register   chan *Connection
	unregister chan *Connection
	done       chan struct{}
	stopOnce   sync.Once

	store   repository.Store
	manager SessionManager
	logger  *zap.Logger
}

// NewHub creates a new hub. The session manager is attached afterwards
// because sessions broadcast through the hub.
func NewHub(store repository.Store, logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
		store:       store,
		logger:      logger,
	}
}

// AttachManager wires the session registry
func (h *Hub) AttachManager(m SessionManager) {
	h.manager = m
}

// Run is the main execution of the hub
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case conn := <-h.register:
			h.registerConnection(conn)

		case conn := <-h.unregister:
			h.unregisterConnection(conn)

		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

// Register adds conn to the hub
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes conn from the hub and its rooms
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Shutdown stops the Run loop and closes every connection
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for id, conn := range h.connections {
			delete(h.connections, id)
			close(conn.send)
		}
		h.rooms = make(map[string]map[string]*Connection)
	})
}

// Count returns the number of registered connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}
	h.connections[conn.ID] = conn

	h.logger.Debug("Connection registered",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.Int("connections", len(h.connections)),
	)
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)
	for gameID := range conn.games {
		h.leaveRoomLocked(gameID, conn)
	}
	close(conn.send)
	h.mu.Unlock()

	h.logger.Debug("Connection unregistered", zap.String("connection_id", conn.ID))
}

// detachSessions tells every session conn joined that it is gone. It runs
// on the connection's own read pump, never on Run, so a session that is
// busy finishing a game holds up only this connection.
func (h *Hub) detachSessions(ctx context.Context, conn *Connection) {
	if h.manager == nil {
		return
	}
	for gameID := range conn.games {
		if session, ok := h.manager.Get(gameID); ok {
			session.Disconnect(ctx, conn.UserID, conn.ID)
		}
	}
}

func (h *Hub) joinRoom(gameID string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}

	// The read pump may get here before Run has processed the register.
	h.connections[conn.ID] = conn

	room, ok := h.rooms[gameID]
	if !ok {
		room = make(map[string]*Connection)
		h.rooms[gameID] = room
	}
	room[conn.ID] = conn
}

func (h *Hub) leaveRoom(gameID string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(gameID, conn)
}

func (h *Hub) leaveRoomLocked(gameID string, conn *Connection) {
	room, ok := h.rooms[gameID]
	if !ok {
		return
	}
	delete(room, conn.ID)
	if len(room) == 0 {
		delete(h.rooms, gameID)
	}
}

// Broadcast sends event to every connection in gameID's room
func (h *Hub) Broadcast(gameID, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("Error marshaling JSON", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.rooms[gameID] {
		conn.trySend(data)
	}
}

// SendTo sends event to a single connection
func (h *Hub) SendTo(connID, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("Error marshaling JSON", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn, ok := h.connections[connID]; ok {
		conn.trySend(data)
	}
}

func (h *Hub) sendError(conn *Connection, event, msg string) {
	h.SendTo(conn.ID, event, messages.ErrorPayload{Message: msg})
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(messages.OutboundMessage{Event: event, Payload: payload})
}
