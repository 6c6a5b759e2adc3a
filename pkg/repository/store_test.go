package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/arena-server/pkg/chess"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := OpenRedis(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()), "test:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore(zap.NewNop()) },
		"redis":  func(t *testing.T) Store { return newRedisStore(t) },
	}
}

func seedGame(t *testing.T, s Store, id string) *Game {
	t.Helper()
	g := &Game{
		ID:          id,
		WhitePlayer: "alice",
		BlackPlayer: "bob",
		StartFEN:    "startpos",
		CurrentFEN:  "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		Turn:        chess.White,
		Status:      StatusActive,
		WhiteTimeMs: 600000,
		BlackTimeMs: 600000,
	}
	require.NoError(t, s.CreateGame(context.Background(), g))
	return g
}

func finalization(id string) Finalization {
	return Finalization{
		GameID:      id,
		Winner:      WinnerWhite,
		Reason:      "resignation",
		FinalFEN:    "final",
		WhiteTimeMs: 500000,
		BlackTimeMs: 400000,
		EndedAt:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		White:       PlayerResult{UserID: "alice", Before: 1200, After: 1216, Result: "win"},
		Black:       PlayerResult{UserID: "bob", Before: 1200, After: 1184, Result: "loss"},
	}
}

func TestStore_GameRoundTrip(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			_, err := s.LoadGame(ctx, "missing")
			assert.ErrorIs(t, err, ErrGameNotFound)

			seedGame(t, s, "g1")
			err = s.SaveGame(ctx, "g1", GamePatch{
				CurrentFEN:  "after-e4",
				MovesUCI:    []string{"e2e4"},
				MoveHistory: []string{"e4"},
				Turn:        chess.Black,
				WhiteTimeMs: 598000,
				BlackTimeMs: 600000,
			})
			require.NoError(t, err)

			g, err := s.LoadGame(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, "after-e4", g.CurrentFEN)
			assert.Equal(t, []string{"e2e4"}, g.MovesUCI)
			assert.Equal(t, []string{"e4"}, g.MoveHistory)
			assert.Equal(t, chess.Black, g.Turn)
			assert.Equal(t, StatusActive, g.Status)
			assert.Equal(t, int64(598000), g.WhiteTimeMs)
		})
	}
}

func TestStore_MoveLog(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedGame(t, s, "g1")

			assert.ErrorIs(t, s.RecordMove(ctx, Move{GameID: "nope"}), ErrGameNotFound)

			require.NoError(t, s.RecordMove(ctx, Move{GameID: "g1", PlayerID: "alice", From: "e2", To: "e4", MoveNumber: 1, TimeTakenMs: 1500}))
			require.NoError(t, s.RecordMove(ctx, Move{GameID: "g1", PlayerID: "bob", From: "e7", To: "e5", MoveNumber: 2}))

			moves, err := s.ListMoves(ctx, "g1")
			require.NoError(t, err)
			require.Len(t, moves, 2)
			assert.Equal(t, "e4", moves[0].To)
			assert.Equal(t, int64(1500), moves[0].TimeTakenMs)
			assert.Equal(t, "bob", moves[1].PlayerID)
		})
	}
}

func TestStore_FinalizeGame(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedGame(t, s, "g1")
			require.NoError(t, s.PutUser(ctx, &User{ID: "alice", Username: "alice", Rating: 1200}))

			require.NoError(t, s.FinalizeGame(ctx, finalization("g1")))

			g, err := s.LoadGame(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, StatusFinished, g.Status)
			assert.Equal(t, WinnerWhite, g.Winner)
			assert.Equal(t, "resignation", g.ResultReason)
			assert.Equal(t, "final", g.CurrentFEN)
			require.NotNil(t, g.EndedAt)

			alice, err := s.LoadUser(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 1216, alice.Rating)
			assert.Equal(t, 1, alice.GamesPlayed)
			assert.Equal(t, 1, alice.Wins)

			// missing users are created on the fly
			bob, err := s.LoadUser(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, 1184, bob.Rating)
			assert.Equal(t, 1, bob.Losses)

			hist, err := s.RatingHistory(ctx, "bob")
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, -16, hist[0].Change)
			assert.Equal(t, "g1", hist[0].GameID)
			assert.Equal(t, "loss", hist[0].Result)

			// second finalization has no effect
			err = s.FinalizeGame(ctx, finalization("g1"))
			assert.ErrorIs(t, err, ErrAlreadyFinished)
			alice, err = s.LoadUser(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 1, alice.GamesPlayed)

			// finished games reject further live writes
			assert.ErrorIs(t, s.SaveGame(ctx, "g1", GamePatch{}), ErrAlreadyFinished)
		})
	}
}

func TestStore_FinalizeDetectsRatingConflict(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedGame(t, s, "g1")
			require.NoError(t, s.PutUser(ctx, &User{ID: "alice", Rating: 1300}))

			err := s.FinalizeGame(ctx, finalization("g1"))
			require.Error(t, err)
			assert.True(t, IsTransient(err))
			assert.ErrorIs(t, err, ErrRatingConflict)

			// nothing was applied
			g, err := s.LoadGame(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, StatusActive, g.Status)
			_, err = s.LoadUser(ctx, "bob")
			assert.ErrorIs(t, err, ErrUserNotFound)
		})
	}
}

func TestStore_TouchLastSeen(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

			require.NoError(t, s.TouchLastSeen(ctx, "ghost", at))

			require.NoError(t, s.PutUser(ctx, &User{ID: "alice", Rating: 1250}))
			require.NoError(t, s.TouchLastSeen(ctx, "alice", at))
			u, err := s.LoadUser(ctx, "alice")
			require.NoError(t, err)
			require.NotNil(t, u.LastSeen)
			assert.True(t, at.Equal(*u.LastSeen))
			assert.Equal(t, 1250, u.Rating)
		})
	}
}

func TestStore_ClaimSeat(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			require.NoError(t, s.CreateGame(ctx, &Game{
				ID:          "open",
				WhitePlayer: "alice",
				StartFEN:    "startpos",
				Turn:        chess.White,
				Status:      StatusWaiting,
			}))

			_, err := s.ClaimSeat(ctx, "open", "alice")
			assert.ErrorIs(t, err, ErrOwnGame)

			g, err := s.ClaimSeat(ctx, "open", "bob")
			require.NoError(t, err)
			assert.Equal(t, "bob", g.BlackPlayer)
			assert.Equal(t, StatusActive, g.Status)
			assert.NotNil(t, g.StartedAt)

			_, err = s.ClaimSeat(ctx, "open", "carol")
			assert.ErrorIs(t, err, ErrSeatTaken)

			_, err = s.ClaimSeat(ctx, "missing", "bob")
			assert.ErrorIs(t, err, ErrGameNotFound)

			loaded, err := s.LoadGame(ctx, "open")
			require.NoError(t, err)
			assert.Equal(t, "bob", loaded.BlackPlayer)
		})
	}
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))

	base := errors.New("boom")
	err := fmt.Errorf("save: %w", Transient(base))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTransient(base))

	assert.True(t, IsTransient(redisErr(redis.TxFailedErr)))
	assert.False(t, IsTransient(redisErr(ErrGameNotFound)))
	assert.True(t, IsTransient(pgErr(context.DeadlineExceeded)))
}
