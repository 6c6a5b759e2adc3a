// Package rules validates and applies moves against a position
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/tecu23/arena-server/pkg/chess"
)

// StartFEN is the standard initial position
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrIllegalMove     = errors.New("illegal move")
	ErrInvalidPosition = errors.New("invalid position")
)

// Position is everything needed to decide legality, repetition included:
// the FEN the game started from, the UCI moves played since, and the
// resulting FEN.
type Position struct {
	Start string
	Moves []string
	FEN   string
}

// MoveResult describes an accepted move and the position it produced
type MoveResult struct {
	Position Position

	From      string
	To        string
	Promotion string
	Piece     string
	SAN       string
	UCI       string
	Color     chess.Color
	Captured  bool

	IsCheck     bool
	IsCheckmate bool
	IsStalemate bool
	IsDraw      bool
	DrawReason  string
}

// Oracle is the rules engine consumed by game sessions
type Oracle interface {
	TryMove(pos Position, from, to, promotion string) (MoveResult, error)
	Turn(fen string) (chess.Color, error)
}

// Standard implements Oracle with orthodox chess rules
type Standard struct{}

// NewStandard creates the standard rules oracle
func NewStandard() *Standard {
	return &Standard{}
}

// NormalizeFEN maps the empty string and "startpos" to the initial position
func NormalizeFEN(fen string) string {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return StartFEN
	}
	return fen
}

// Turn returns the side to move in fen
func (s *Standard) Turn(fen string) (chess.Color, error) {
	game, err := fromFEN(NormalizeFEN(fen))
	if err != nil {
		return "", err
	}
	return colorFrom(game.Position().Turn()), nil
}

// TryMove applies from→to (with an optional promotion piece) to pos. A
// missing promotion defaults to a queen when the move requires one.
func (s *Standard) TryMove(pos Position, from, to, promotion string) (MoveResult, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))

	if !ValidSquare(from) || !ValidSquare(to) {
		return MoveResult{}, fmt.Errorf("%w: bad square %q-%q", ErrIllegalMove, from, to)
	}
	if len(promotion) > 1 || (promotion != "" && !strings.Contains("qrbn", promotion)) {
		return MoveResult{}, fmt.Errorf("%w: bad promotion %q", ErrIllegalMove, promotion)
	}

	game, err := s.load(pos)
	if err != nil {
		return MoveResult{}, err
	}
	before := game.Position()
	mover := colorFrom(before.Turn())

	mv, ok := findMove(game, from, to, promotion)
	if !ok {
		return MoveResult{}, fmt.Errorf("%w: %s%s%s", ErrIllegalMove, from, to, promotion)
	}
	if err := game.Move(mv, nil); err != nil {
		return MoveResult{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	promotion = mv.Promo().String()
	uci := from + to + promotion

	res := MoveResult{
		Position: Position{
			Start: NormalizeFEN(pos.Start),
			Moves: append(append([]string(nil), pos.Moves...), uci),
			FEN:   game.FEN(),
		},
		From:      from,
		To:        to,
		Promotion: promotion,
		Piece:     before.Board().Piece(mv.S1()).Type().String(),
		SAN:       nchess.AlgebraicNotation{}.Encode(before, mv),
		UCI:       uci,
		Color:     mover,
		Captured:  mv.HasTag(nchess.Capture) || mv.HasTag(nchess.EnPassant),
		IsCheck:   mv.HasTag(nchess.Check),
	}

	switch game.Method() {
	case nchess.Checkmate:
		res.IsCheckmate = true
	case nchess.Stalemate:
		res.IsStalemate = true
		res.IsDraw = true
		res.DrawReason = "stalemate"
	case nchess.InsufficientMaterial:
		res.IsDraw = true
		res.DrawReason = "insufficient_material"
	case nchess.FivefoldRepetition:
		res.IsDraw = true
		res.DrawReason = "fivefold_repetition"
	case nchess.SeventyFiveMoveRule:
		res.IsDraw = true
		res.DrawReason = "seventy_five_move_rule"
	}

	// Threefold repetition and the fifty-move rule are claimable in the
	// library; here they end the game like the other automatic draws.
	if !res.IsCheckmate && !res.IsDraw {
		for _, m := range game.EligibleDraws() {
			switch m {
			case nchess.ThreefoldRepetition:
				res.IsDraw = true
				res.DrawReason = "threefold_repetition"
			case nchess.FiftyMoveRule:
				res.IsDraw = true
				res.DrawReason = "fifty_move_rule"
			}
			if res.IsDraw {
				break
			}
		}
	}

	return res, nil
}

// load replays the move list from the start position so repetition
// history is available. If the list does not reproduce pos.FEN the
// current FEN alone is used.
func (s *Standard) load(pos Position) (*nchess.Game, error) {
	current := pos.FEN
	if strings.TrimSpace(current) == "" {
		current = pos.Start
	}
	current = NormalizeFEN(current)

	if len(pos.Moves) > 0 {
		if game, err := replay(NormalizeFEN(pos.Start), pos.Moves); err == nil && game.FEN() == current {
			return game, nil
		}
	}

	return fromFEN(current)
}

func replay(start string, moves []string) (*nchess.Game, error) {
	game, err := fromFEN(start)
	if err != nil {
		return nil, err
	}
	for _, uci := range moves {
		if len(uci) < 4 {
			return nil, fmt.Errorf("replay %q: %w", uci, ErrIllegalMove)
		}
		mv, ok := findMove(game, uci[:2], uci[2:4], uci[4:])
		if !ok {
			return nil, fmt.Errorf("replay %q: %w", uci, ErrIllegalMove)
		}
		if err := game.Move(mv, nil); err != nil {
			return nil, fmt.Errorf("replay %q: %w", uci, err)
		}
	}
	return game, nil
}

// findMove picks the legal move from -> to. An empty promotion matches a
// non-promoting move, or the queen promotion when the pawn must promote.
func findMove(game *nchess.Game, from, to, promotion string) (*nchess.Move, bool) {
	want := promotion
	if want == "" {
		want = "q"
	}
	var plain *nchess.Move
	for _, mv := range game.ValidMoves() {
		if mv.S1().String() != from || mv.S2().String() != to {
			continue
		}
		switch mv.Promo() {
		case nchess.NoPieceType:
			if promotion == "" {
				plain = &mv
			}
		default:
			if mv.Promo().String() == want {
				return &mv, true
			}
		}
	}
	return plain, plain != nil
}

func fromFEN(fen string) (*nchess.Game, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}

// ValidSquare reports whether s names a board square, a1 through h8
func ValidSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func colorFrom(c nchess.Color) chess.Color {
	if c == nchess.White {
		return chess.White
	}
	return chess.Black
}
