// Package manager keeps the live sessions of the process
package manager

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tecu23/arena-server/pkg/events"
	"github.com/tecu23/arena-server/pkg/game"
	"github.com/tecu23/arena-server/pkg/repository"
)

// Manager maps game ids to at most one live session each
type Manager struct {
	sessions  map[string]*game.Session
	mu        sync.RWMutex
	deps      game.Deps
	publisher *events.Publisher
	logger    *zap.Logger
}

// NewManager creates a manager whose sessions share deps
func NewManager(deps game.Deps, logger *zap.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*game.Session),
		deps:      deps,
		publisher: deps.Publisher,
		logger:    logger,
	}
}

// GetOrCreate returns the live session for rec.ID, seeding a new one from
// rec when none exists. Concurrent callers for the same id get the same
// session. Finished games never get a session.
func (m *Manager) GetOrCreate(rec *repository.Game) (*game.Session, error) {
	if rec == nil {
		return nil, game.ErrGameNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[rec.ID]; ok {
		return session, nil
	}
	if rec.Status == repository.StatusFinished {
		return nil, game.ErrNotActive
	}

	session, err := game.NewSession(rec, m.deps, func(s *game.Session) {
		m.Evict(s.ID(), s)
	})
	if err != nil {
		return nil, err
	}
	m.sessions[rec.ID] = session

	m.logger.Info("Created game session", zap.String("game_id", rec.ID))
	m.publisher.Publish(events.Event{Type: events.EventSessionCreated, GameID: rec.ID})

	return session, nil
}

// Get returns a session by game id
func (m *Manager) Get(id string) (*game.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Evict removes session if it is still the one registered under id
func (m *Manager) Evict(id string, session *game.Session) bool {
	m.mu.Lock()
	cur, ok := m.sessions[id]
	if !ok || cur != session {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Info("Evicted game session", zap.String("game_id", id))
	m.publisher.Publish(events.Event{Type: events.EventSessionEvicted, GameID: id})
	return true
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops every session clock and empties the registry, publishing
// an eviction per session. Games stay active in the store and resume on
// the next join.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*game.Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.publisher.Publish(events.Event{Type: events.EventSessionEvicted, GameID: s.ID()})
	}
	m.logger.Info("Session manager shut down", zap.Int("sessions", len(sessions)))
}
