package repository

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryStore is an in-memory implementation of Store
type InMemoryStore struct {
	mu sync.RWMutex

	games   map[string]*Game
	moves   map[string][]Move
	users   map[string]*User
	ratings map[string][]RatingChange

	now    func() time.Time
	logger *zap.Logger
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	return &InMemoryStore{
		games:   make(map[string]*Game),
		moves:   make(map[string][]Move),
		users:   make(map[string]*User),
		ratings: make(map[string][]RatingChange),
		now:     time.Now,
		logger:  logger,
	}
}

// CreateGame stores a new game record, replacing any record with the same id
func (s *InMemoryStore) CreateGame(_ context.Context, g *Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := g.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	s.games[g.ID] = c
	return nil
}

// LoadGame retrieves a game by ID
func (s *InMemoryStore) LoadGame(_ context.Context, id string) (*Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	return g.Clone(), nil
}

// SaveGame applies patch to the game record
func (s *InMemoryStore) SaveGame(_ context.Context, id string, patch GamePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[id]
	if !ok {
		return ErrGameNotFound
	}
	if g.Status == StatusFinished {
		return ErrAlreadyFinished
	}
	patch.apply(g, s.now())
	return nil
}

// ClaimSeat seats userID as black
func (s *InMemoryStore) ClaimSeat(_ context.Context, id, userID string) (*Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	if err := claimSeat(g, userID, s.now()); err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// RecordMove appends m to its game's move log
func (s *InMemoryStore) RecordMove(_ context.Context, m Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[m.GameID]; !ok {
		return ErrGameNotFound
	}
	s.moves[m.GameID] = append(s.moves[m.GameID], m)
	return nil
}

// ListMoves returns the move log of a game in play order
func (s *InMemoryStore) ListMoves(_ context.Context, gameID string) ([]Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.games[gameID]; !ok {
		return nil, ErrGameNotFound
	}
	return append([]Move(nil), s.moves[gameID]...), nil
}

// PutUser creates or replaces a user
func (s *InMemoryStore) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *u
	s.users[u.ID] = &c
	return nil
}

// LoadUser retrieves a user by ID
func (s *InMemoryStore) LoadUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// TouchLastSeen records when a user was last connected. Unknown users are
// ignored.
func (s *InMemoryStore) TouchLastSeen(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[userID]; ok {
		u.LastSeen = &at
	}
	return nil
}

// RatingHistory returns a user's rating changes, oldest first
func (s *InMemoryStore) RatingHistory(_ context.Context, userID string) ([]RatingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]RatingChange(nil), s.ratings[userID]...), nil
}

// FinalizeGame applies f under a single lock
func (s *InMemoryStore) FinalizeGame(_ context.Context, f Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[f.GameID]
	if !ok {
		return ErrGameNotFound
	}
	if g.Status == StatusFinished {
		return ErrAlreadyFinished
	}

	sides := []PlayerResult{f.White, f.Black}
	updated := make([]*User, 0, len(sides))
	for _, p := range sides {
		if p.UserID == "" {
			continue
		}
		u := &User{ID: p.UserID, Rating: DefaultRating}
		if cur, ok := s.users[p.UserID]; ok {
			c := *cur
			u = &c
		}
		if ratingOf(u) != p.Before {
			return Transient(ErrRatingConflict)
		}
		updated = append(updated, u)
	}

	i := 0
	for _, p := range sides {
		if p.UserID == "" {
			continue
		}
		u := updated[i]
		i++
		rc := p.apply(u, f.GameID, f.EndedAt)
		s.users[u.ID] = u
		s.ratings[u.ID] = append(s.ratings[u.ID], rc)
	}

	f.applyGame(g)

	s.logger.Debug("Game finalized",
		zap.String("game_id", f.GameID),
		zap.String("winner", f.Winner),
		zap.String("reason", f.Reason),
	)
	return nil
}

// Close is a no-op
func (s *InMemoryStore) Close() error { return nil }
