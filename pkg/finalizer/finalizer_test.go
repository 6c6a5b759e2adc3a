package finalizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/arena-server/pkg/chess"
	"github.com/tecu23/arena-server/pkg/repository"
)

// flakyStore fails the first n FinalizeGame calls with a transient error
type flakyStore struct {
	repository.Store
	failures atomic.Int32
	calls    atomic.Int32
	err      error
}

func (s *flakyStore) FinalizeGame(ctx context.Context, f repository.Finalization) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return s.err
	}
	return s.Store.FinalizeGame(ctx, f)
}

func newStore(t *testing.T) *repository.InMemoryStore {
	t.Helper()
	s := repository.NewInMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.CreateGame(ctx, &repository.Game{
		ID:          "g1",
		WhitePlayer: "alice",
		BlackPlayer: "bob",
		StartFEN:    "startpos",
		Turn:        chess.White,
		Status:      repository.StatusActive,
	}))
	require.NoError(t, s.PutUser(ctx, &repository.User{ID: "alice", Rating: 1200}))
	require.NoError(t, s.PutUser(ctx, &repository.User{ID: "bob", Rating: 1200}))
	return s
}

func TestFinalize_DecisiveGame(t *testing.T) {
	s := newStore(t)
	f := New(s, zap.NewNop())
	ctx := context.Background()

	out, err := f.Finalize(ctx, Result{GameID: "g1", Winner: "white", Reason: "checkmate", FinalFEN: "fen"})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, 1216, out.White.After)
	assert.Equal(t, 1184, out.Black.After)

	alice, _ := s.LoadUser(ctx, "alice")
	bob, _ := s.LoadUser(ctx, "bob")
	assert.Equal(t, 1216, alice.Rating)
	assert.Equal(t, 1, alice.Wins)
	assert.Equal(t, 1184, bob.Rating)
	assert.Equal(t, 1, bob.Losses)

	g, _ := s.LoadGame(ctx, "g1")
	assert.Equal(t, repository.StatusFinished, g.Status)
	assert.Equal(t, "checkmate", g.ResultReason)
}

func TestFinalize_DrawBetweenEqualsKeepsRatings(t *testing.T) {
	s := newStore(t)
	f := New(s, zap.NewNop())
	ctx := context.Background()

	out, err := f.Finalize(ctx, Result{GameID: "g1", Winner: "draw", Reason: "agreement"})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, 1200, out.White.After)
	assert.Equal(t, 1200, out.Black.After)

	alice, _ := s.LoadUser(ctx, "alice")
	assert.Equal(t, 1, alice.Draws)
	assert.Equal(t, 1, alice.GamesPlayed)
}

func TestFinalize_UsesPreGameRatingsForBoth(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, &repository.User{ID: "alice", Rating: 1600}))
	require.NoError(t, s.PutUser(ctx, &repository.User{ID: "bob", Rating: 1400}))

	out, err := New(s, zap.NewNop()).Finalize(ctx, Result{GameID: "g1", Winner: "black", Reason: "resignation"})
	require.NoError(t, err)
	assert.Equal(t, out.White.Before-out.White.After, out.Black.After-out.Black.Before)
	assert.Equal(t, 1576, out.White.After)
	assert.Equal(t, 1424, out.Black.After)
}

func TestFinalize_RetriesTransientFailures(t *testing.T) {
	s := &flakyStore{Store: newStore(t), err: repository.Transient(errors.New("connection reset"))}
	s.failures.Store(2)
	f := New(s, zap.NewNop(), WithBaseDelay(time.Millisecond))

	out, err := f.Finalize(context.Background(), Result{GameID: "g1", Winner: "white", Reason: "timeout"})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), s.calls.Load())

	alice, _ := s.LoadUser(context.Background(), "alice")
	assert.Equal(t, 1, alice.GamesPlayed)
}

func TestFinalize_GivesUpAfterAttempts(t *testing.T) {
	s := &flakyStore{Store: newStore(t), err: repository.Transient(errors.New("down"))}
	s.failures.Store(100)
	f := New(s, zap.NewNop(), WithAttempts(3), WithBaseDelay(time.Millisecond))

	_, err := f.Finalize(context.Background(), Result{GameID: "g1", Winner: "white", Reason: "timeout"})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(3), s.calls.Load())

	g, _ := s.LoadGame(context.Background(), "g1")
	assert.Equal(t, repository.StatusActive, g.Status)
}

func TestFinalize_PermanentFailureIsNotRetried(t *testing.T) {
	s := &flakyStore{Store: newStore(t), err: errors.New("constraint violated")}
	s.failures.Store(100)
	f := New(s, zap.NewNop(), WithBaseDelay(time.Millisecond))

	_, err := f.Finalize(context.Background(), Result{GameID: "g1", Winner: "white"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestFinalize_AbortsSoftly(t *testing.T) {
	s := newStore(t)
	f := New(s, zap.NewNop())
	ctx := context.Background()

	out, err := f.Finalize(ctx, Result{GameID: "missing", Winner: "white"})
	require.NoError(t, err)
	assert.False(t, out.Applied)

	_, err = f.Finalize(ctx, Result{GameID: "g1", Winner: "white", Reason: "checkmate"})
	require.NoError(t, err)
	out, err = f.Finalize(ctx, Result{GameID: "g1", Winner: "black", Reason: "timeout"})
	require.NoError(t, err)
	assert.False(t, out.Applied)

	g, _ := s.LoadGame(ctx, "g1")
	assert.Equal(t, "white", g.Winner)
	alice, _ := s.LoadUser(ctx, "alice")
	assert.Equal(t, 1, alice.GamesPlayed)
}

func TestFinalize_ConcurrentCallsApplyOnce(t *testing.T) {
	s := newStore(t)
	f := New(s, zap.NewNop(), WithBaseDelay(time.Millisecond))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.Finalize(ctx, Result{GameID: "g1", Winner: "white", Reason: "checkmate"})
			assert.NoError(t, err)
			if out.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	alice, _ := s.LoadUser(ctx, "alice")
	assert.Equal(t, 1216, alice.Rating)
	assert.Equal(t, 1, alice.GamesPlayed)
}
