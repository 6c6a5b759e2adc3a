package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errKeyMissing = errors.New("key missing")

// RedisStore keeps every record as JSON in redis. Multi-key updates use
// WATCH plus a MULTI pipeline so they commit atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// OpenRedis connects to redisURL and verifies the connection
func OpenRedis(ctx context.Context, redisURL, prefix string, logger *zap.Logger) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis store")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, prefix, logger), nil
}

// NewRedisStore wraps an existing client
func NewRedisStore(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, logger: logger}
}

func (s *RedisStore) gameKey(id string) string    { return s.prefix + "game:" + id }
func (s *RedisStore) movesKey(id string) string   { return s.prefix + "game:" + id + ":moves" }
func (s *RedisStore) userKey(id string) string    { return s.prefix + "user:" + id }
func (s *RedisStore) ratingsKey(id string) string { return s.prefix + "user:" + id + ":ratings" }

// CreateGame stores a new game record
func (s *RedisStore) CreateGame(ctx context.Context, g *Game) error {
	c := g.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return redisErr(s.rdb.Set(ctx, s.gameKey(g.ID), raw, 0).Err())
}

// LoadGame retrieves a game by ID
func (s *RedisStore) LoadGame(ctx context.Context, id string) (*Game, error) {
	var g Game
	if err := getJSON(ctx, s.rdb, s.gameKey(id), &g); err != nil {
		if errors.Is(err, errKeyMissing) {
			return nil, ErrGameNotFound
		}
		return nil, err
	}
	return &g, nil
}

// SaveGame applies patch to the game record
func (s *RedisStore) SaveGame(ctx context.Context, id string, patch GamePatch) error {
	key := s.gameKey(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var g Game
		if err := getJSON(ctx, tx, key, &g); err != nil {
			if errors.Is(err, errKeyMissing) {
				return ErrGameNotFound
			}
			return err
		}
		if g.Status == StatusFinished {
			return ErrAlreadyFinished
		}
		patch.apply(&g, time.Now())
		raw, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	return redisErr(err)
}

// ClaimSeat seats userID as black
func (s *RedisStore) ClaimSeat(ctx context.Context, id, userID string) (*Game, error) {
	key := s.gameKey(id)
	var g Game
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if err := getJSON(ctx, tx, key, &g); err != nil {
			if errors.Is(err, errKeyMissing) {
				return ErrGameNotFound
			}
			return err
		}
		if err := claimSeat(&g, userID, time.Now()); err != nil {
			return err
		}
		raw, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, redisErr(err)
	}
	return &g, nil
}

// RecordMove appends m to its game's move log
func (s *RedisStore) RecordMove(ctx context.Context, m Move) error {
	n, err := s.rdb.Exists(ctx, s.gameKey(m.GameID)).Result()
	if err != nil {
		return redisErr(err)
	}
	if n == 0 {
		return ErrGameNotFound
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return redisErr(s.rdb.RPush(ctx, s.movesKey(m.GameID), raw).Err())
}

// ListMoves returns the move log of a game in play order
func (s *RedisStore) ListMoves(ctx context.Context, gameID string) ([]Move, error) {
	n, err := s.rdb.Exists(ctx, s.gameKey(gameID)).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	if n == 0 {
		return nil, ErrGameNotFound
	}
	raws, err := s.rdb.LRange(ctx, s.movesKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	moves := make([]Move, 0, len(raws))
	for _, raw := range raws {
		var m Move
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode move: %w", err)
		}
		moves = append(moves, m)
	}
	return moves, nil
}

// PutUser creates or replaces a user
func (s *RedisStore) PutUser(ctx context.Context, u *User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return redisErr(s.rdb.Set(ctx, s.userKey(u.ID), raw, 0).Err())
}

// LoadUser retrieves a user by ID
func (s *RedisStore) LoadUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := getJSON(ctx, s.rdb, s.userKey(id), &u); err != nil {
		if errors.Is(err, errKeyMissing) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// TouchLastSeen records when a user was last connected. Unknown users are
// ignored.
func (s *RedisStore) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	key := s.userKey(userID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var u User
		if err := getJSON(ctx, tx, key, &u); err != nil {
			if errors.Is(err, errKeyMissing) {
				return nil
			}
			return err
		}
		u.LastSeen = &at
		raw, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	return redisErr(err)
}

// RatingHistory returns a user's rating changes, oldest first
func (s *RedisStore) RatingHistory(ctx context.Context, userID string) ([]RatingChange, error) {
	raws, err := s.rdb.LRange(ctx, s.ratingsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	out := make([]RatingChange, 0, len(raws))
	for _, raw := range raws {
		var rc RatingChange
		if err := json.Unmarshal([]byte(raw), &rc); err != nil {
			return nil, fmt.Errorf("decode rating change: %w", err)
		}
		out = append(out, rc)
	}
	return out, nil
}

// FinalizeGame watches the game and both user keys, then writes the game,
// users and rating history in one MULTI block.
func (s *RedisStore) FinalizeGame(ctx context.Context, f Finalization) error {
	gameK := s.gameKey(f.GameID)
	sides := make([]PlayerResult, 0, 2)
	keys := []string{gameK}
	for _, p := range []PlayerResult{f.White, f.Black} {
		if p.UserID == "" {
			continue
		}
		sides = append(sides, p)
		keys = append(keys, s.userKey(p.UserID))
	}

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var g Game
		if err := getJSON(ctx, tx, gameK, &g); err != nil {
			if errors.Is(err, errKeyMissing) {
				return ErrGameNotFound
			}
			return err
		}
		if g.Status == StatusFinished {
			return ErrAlreadyFinished
		}

		users := make([]*User, len(sides))
		for i, p := range sides {
			u := &User{ID: p.UserID, Rating: DefaultRating}
			if err := getJSON(ctx, tx, s.userKey(p.UserID), u); err != nil && !errors.Is(err, errKeyMissing) {
				return err
			}
			if ratingOf(u) != p.Before {
				return Transient(ErrRatingConflict)
			}
			users[i] = u
		}

		f.applyGame(&g)
		gameRaw, err := json.Marshal(&g)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, gameK, gameRaw, 0)
			for i, p := range sides {
				rc := p.apply(users[i], f.GameID, f.EndedAt)
				userRaw, err := json.Marshal(users[i])
				if err != nil {
					return err
				}
				rcRaw, err := json.Marshal(rc)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.userKey(p.UserID), userRaw, 0)
				pipe.RPush(ctx, s.ratingsKey(p.UserID), rcRaw)
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return redisErr(err)
	}

	s.logger.Debug("Game finalized",
		zap.String("game_id", f.GameID),
		zap.String("winner", f.Winner),
		zap.String("reason", f.Reason),
	)
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return errKeyMissing
	}
	if err != nil {
		return redisErr(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// redisErr marks optimistic-lock conflicts and connection failures as
// transient. Everything else passes through unchanged.
func redisErr(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	var nerr net.Error
	switch {
	case errors.Is(err, redis.TxFailedErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &nerr):
		return Transient(err)
	}
	return err
}
