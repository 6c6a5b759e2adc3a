// Package repository persists games, moves, users and rating history
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/tecu23/arena-server/pkg/chess"
)

// Status of a game record
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Winner values recorded on finished games
const (
	WinnerWhite = "white"
	WinnerBlack = "black"
	WinnerDraw  = "draw"
)

// DefaultRating is given to users without a stored rating
const DefaultRating = 1200

var (
	ErrGameNotFound    = errors.New("game not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrAlreadyFinished = errors.New("game already finished")
	ErrSeatTaken       = errors.New("game already has two players")
	ErrOwnGame         = errors.New("cannot join your own game")
	// ErrRatingConflict means a player's rating changed between read and
	// commit. It is always wrapped as transient.
	ErrRatingConflict = errors.New("rating changed concurrently")
)

// Game is the durable game record
type Game struct {
	ID           string      `json:"id"`
	WhitePlayer  string      `json:"whitePlayer"`
	BlackPlayer  string      `json:"blackPlayer"`
	StartFEN     string      `json:"startFen"`
	CurrentFEN   string      `json:"currentFen"`
	MovesUCI     []string    `json:"movesUci"`
	MoveHistory  []string    `json:"moveHistory"`
	Turn         chess.Color `json:"turn"`
	Status       Status      `json:"status"`
	Winner       string      `json:"winner,omitempty"`
	ResultReason string      `json:"resultReason,omitempty"`
	WhiteTimeMs  int64       `json:"whiteTimeMs"`
	BlackTimeMs  int64       `json:"blackTimeMs"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	EndedAt      *time.Time  `json:"endedAt,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy of g
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	c := *g
	c.MovesUCI = append([]string(nil), g.MovesUCI...)
	c.MoveHistory = append([]string(nil), g.MoveHistory...)
	if g.StartedAt != nil {
		t := *g.StartedAt
		c.StartedAt = &t
	}
	if g.EndedAt != nil {
		t := *g.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// GamePatch carries the live state written after every accepted move. An
// empty Status leaves the stored status unchanged.
type GamePatch struct {
	CurrentFEN  string
	MovesUCI    []string
	MoveHistory []string
	Turn        chess.Color
	WhiteTimeMs int64
	BlackTimeMs int64
	Status      Status
}

func (p GamePatch) apply(g *Game, now time.Time) {
	g.CurrentFEN = p.CurrentFEN
	g.MovesUCI = append([]string(nil), p.MovesUCI...)
	g.MoveHistory = append([]string(nil), p.MoveHistory...)
	g.Turn = p.Turn
	g.WhiteTimeMs = p.WhiteTimeMs
	g.BlackTimeMs = p.BlackTimeMs
	if p.Status != "" {
		g.Status = p.Status
		if p.Status == StatusActive && g.StartedAt == nil {
			g.StartedAt = &now
		}
	}
	g.UpdatedAt = now
}

// claimSeat validates and applies a seat claim to g
func claimSeat(g *Game, userID string, now time.Time) error {
	switch {
	case g.Status == StatusFinished:
		return ErrAlreadyFinished
	case g.WhitePlayer == userID:
		return ErrOwnGame
	case g.BlackPlayer != "" && g.BlackPlayer != userID:
		return ErrSeatTaken
	}
	g.BlackPlayer = userID
	g.Status = StatusActive
	if g.StartedAt == nil {
		g.StartedAt = &now
	}
	g.UpdatedAt = now
	return nil
}

// Move is one accepted move as stored in the move log
type Move struct {
	GameID       string      `json:"gameId"`
	PlayerID     string      `json:"playerId"`
	Color        chess.Color `json:"color"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	Promotion    string      `json:"promotion,omitempty"`
	Piece        string      `json:"piece"`
	SAN          string      `json:"san"`
	UCI          string      `json:"uci"`
	MoveNumber   int         `json:"moveNumber"`
	FENAfterMove string      `json:"fenAfterMove"`
	TimeTakenMs  int64       `json:"timeTaken"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// User holds a player's rating and aggregate statistics
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Rating      int        `json:"rating"`
	GamesPlayed int        `json:"gamesPlayed"`
	Wins        int        `json:"wins"`
	Losses      int        `json:"losses"`
	Draws       int        `json:"draws"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// RatingChange is one row of a user's rating history
type RatingChange struct {
	UserID    string    `json:"userId"`
	GameID    string    `json:"gameId"`
	Before    int       `json:"before"`
	After     int       `json:"after"`
	Change    int       `json:"change"`
	Result    string    `json:"result"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlayerResult is one side of a Finalization
type PlayerResult struct {
	UserID string
	Before int
	After  int
	Result string // win, loss or draw
}

func (p PlayerResult) apply(u *User, gameID string, at time.Time) RatingChange {
	u.Rating = p.After
	u.GamesPlayed++
	switch p.Result {
	case "win":
		u.Wins++
	case "loss":
		u.Losses++
	default:
		u.Draws++
	}
	return RatingChange{
		UserID:    p.UserID,
		GameID:    gameID,
		Before:    p.Before,
		After:     p.After,
		Change:    p.After - p.Before,
		Result:    p.Result,
		CreatedAt: at,
	}
}

// Finalization is everything written when a game ends. A store applies it
// completely or not at all.
type Finalization struct {
	GameID      string
	Winner      string
	Reason      string
	FinalFEN    string
	MovesUCI    []string
	MoveHistory []string
	WhiteTimeMs int64
	BlackTimeMs int64
	EndedAt     time.Time
	White       PlayerResult
	Black       PlayerResult
}

func (f Finalization) applyGame(g *Game) {
	ended := f.EndedAt
	g.Status = StatusFinished
	g.Winner = f.Winner
	g.ResultReason = f.Reason
	if f.FinalFEN != "" {
		g.CurrentFEN = f.FinalFEN
	}
	if f.MovesUCI != nil {
		g.MovesUCI = append([]string(nil), f.MovesUCI...)
		g.MoveHistory = append([]string(nil), f.MoveHistory...)
	}
	g.WhiteTimeMs = f.WhiteTimeMs
	g.BlackTimeMs = f.BlackTimeMs
	g.EndedAt = &ended
	g.UpdatedAt = ended
}

// Store is the durable record store
type Store interface {
	CreateGame(ctx context.Context, g *Game) error
	LoadGame(ctx context.Context, id string) (*Game, error)
	SaveGame(ctx context.Context, id string, patch GamePatch) error
	RecordMove(ctx context.Context, m Move) error
	ListMoves(ctx context.Context, gameID string) ([]Move, error)
	// ClaimSeat seats userID as black in a waiting game and activates it
	ClaimSeat(ctx context.Context, id, userID string) (*Game, error)

	PutUser(ctx context.Context, u *User) error
	LoadUser(ctx context.Context, id string) (*User, error)
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
	RatingHistory(ctx context.Context, userID string) ([]RatingChange, error)

	// FinalizeGame marks the game finished and applies both players'
	// rating changes atomically. It returns ErrAlreadyFinished when the
	// game was finished by someone else first.
	FinalizeGame(ctx context.Context, f Finalization) error

	Close() error
}

// TransientError marks a failure worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err, or anything it wraps, is transient
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func ratingOf(u *User) int {
	if u == nil || u.Rating == 0 {
		return DefaultRating
	}
	return u.Rating
}
