// Package finalizer records finished games and applies the rating update
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tecu23/arena-server/pkg/rating"
	"github.com/tecu23/arena-server/pkg/repository"
)

const (
	DefaultAttempts  = 5
	DefaultBaseDelay = 100 * time.Millisecond
	maxDelay         = 2 * time.Second
)

// ErrExhausted is returned once transient failures used up every attempt
// or the deadline
var ErrExhausted = errors.New("finalize retries exhausted")

// Result is a finished game as the session saw it
type Result struct {
	GameID      string
	Winner      string // white, black or draw
	Reason      string
	FinalFEN    string
	MovesUCI    []string
	MoveHistory []string
	WhiteTimeMs int64
	BlackTimeMs int64
	EndedAt     time.Time
}

// Outcome reports what a Finalize call did. Applied is false when the game
// was missing or already finished, in which case nothing was written.
type Outcome struct {
	Applied  bool
	Attempts int
	White    repository.PlayerResult
	Black    repository.PlayerResult
}

// Option configures a Finalizer
type Option func(*Finalizer)

// WithKFactor sets the Elo K-factor
func WithKFactor(k int) Option {
	return func(f *Finalizer) {
		if k > 0 {
			f.k = k
		}
	}
}

// WithAttempts bounds how often a transient failure is retried
func WithAttempts(n int) Option {
	return func(f *Finalizer) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// WithBaseDelay sets the first retry delay; later delays double up to 2s
func WithBaseDelay(d time.Duration) Option {
	return func(f *Finalizer) {
		if d > 0 {
			f.baseDelay = d
		}
	}
}

// Finalizer persists the result of a game and both players' new ratings
// as one unit.
type Finalizer struct {
	store     repository.Store
	k         int
	attempts  int
	baseDelay time.Duration
	logger    *zap.Logger
}

// New creates a Finalizer writing to store
func New(store repository.Store, logger *zap.Logger, opts ...Option) *Finalizer {
	f := &Finalizer{
		store:     store,
		k:         rating.DefaultK,
		attempts:  DefaultAttempts,
		baseDelay: DefaultBaseDelay,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize commits res. Transient store failures restart the whole update
// from fresh reads, with exponential backoff, until the attempts run out.
func (f *Finalizer) Finalize(ctx context.Context, res Result) (Outcome, error) {
	delay := f.baseDelay
	var lastErr error

	for attempt := 1; attempt <= f.attempts; attempt++ {
		out, err := f.finalizeOnce(ctx, res)
		out.Attempts = attempt
		if err == nil {
			return out, nil
		}
		if !repository.IsTransient(err) {
			return out, err
		}
		lastErr = err

		f.logger.Warn("Finalize attempt failed",
			zap.String("game_id", res.GameID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == f.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Outcome{Attempts: attempt}, fmt.Errorf("finalize %s: %w: %w", res.GameID, ErrExhausted, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	f.logger.Error("Finalize retries exhausted",
		zap.String("game_id", res.GameID),
		zap.Int("attempts", f.attempts),
		zap.Error(lastErr),
	)
	return Outcome{Attempts: f.attempts}, fmt.Errorf("finalize %s: %w: %w", res.GameID, ErrExhausted, lastErr)
}

func (f *Finalizer) finalizeOnce(ctx context.Context, res Result) (Outcome, error) {
	g, err := f.store.LoadGame(ctx, res.GameID)
	if errors.Is(err, repository.ErrGameNotFound) {
		f.logger.Warn("Finalize skipped, game not found", zap.String("game_id", res.GameID))
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if g.Status == repository.StatusFinished {
		f.logger.Info("Finalize skipped, game already finished", zap.String("game_id", res.GameID))
		return Outcome{}, nil
	}

	whiteBefore, err := f.currentRating(ctx, g.WhitePlayer)
	if err != nil {
		return Outcome{}, err
	}
	blackBefore, err := f.currentRating(ctx, g.BlackPlayer)
	if err != nil {
		return Outcome{}, err
	}

	whiteScore, blackScore := scores(res.Winner)
	white := repository.PlayerResult{
		UserID: g.WhitePlayer,
		Before: whiteBefore,
		After:  rating.Adjust(whiteBefore, blackBefore, whiteScore, f.k),
		Result: rating.Result(whiteScore),
	}
	black := repository.PlayerResult{
		UserID: g.BlackPlayer,
		Before: blackBefore,
		After:  rating.Adjust(blackBefore, whiteBefore, blackScore, f.k),
		Result: rating.Result(blackScore),
	}

	ended := res.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}

	err = f.store.FinalizeGame(ctx, repository.Finalization{
		GameID:      res.GameID,
		Winner:      res.Winner,
		Reason:      res.Reason,
		FinalFEN:    res.FinalFEN,
		MovesUCI:    res.MovesUCI,
		MoveHistory: res.MoveHistory,
		WhiteTimeMs: res.WhiteTimeMs,
		BlackTimeMs: res.BlackTimeMs,
		EndedAt:     ended,
		White:       white,
		Black:       black,
	})
	if errors.Is(err, repository.ErrAlreadyFinished) || errors.Is(err, repository.ErrGameNotFound) {
		f.logger.Info("Finalize lost race", zap.String("game_id", res.GameID), zap.Error(err))
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	f.logger.Info("Game finalized",
		zap.String("game_id", res.GameID),
		zap.String("winner", res.Winner),
		zap.String("reason", res.Reason),
		zap.Int("white_rating", white.After),
		zap.Int("black_rating", black.After),
	)
	return Outcome{Applied: true, White: white, Black: black}, nil
}

func (f *Finalizer) currentRating(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return rating.DefaultRating, nil
	}
	u, err := f.store.LoadUser(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return rating.DefaultRating, nil
	}
	if err != nil {
		return 0, err
	}
	if u.Rating == 0 {
		return rating.DefaultRating, nil
	}
	return u.Rating, nil
}

func scores(winner string) (white, black float64) {
	switch winner {
	case repository.WinnerWhite:
		return rating.Win, rating.Loss
	case repository.WinnerBlack:
		return rating.Loss, rating.Win
	default:
		return rating.Draw, rating.Draw
	}
}
