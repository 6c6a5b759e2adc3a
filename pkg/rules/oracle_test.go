package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecu23/arena-server/pkg/chess"
)

func play(t *testing.T, o *Standard, pos Position, moves ...string) (Position, MoveResult) {
	t.Helper()
	var res MoveResult
	for _, m := range moves {
		var err error
		res, err = o.TryMove(pos, m[:2], m[2:4], m[4:])
		require.NoError(t, err, "move %s", m)
		pos = res.Position
	}
	return pos, res
}

func TestTryMove_OpeningMoves(t *testing.T) {
	o := NewStandard()

	res, err := o.TryMove(Position{Start: "startpos"}, "e2", "e4", "")
	require.NoError(t, err)
	assert.Equal(t, "p", res.Piece)
	assert.Equal(t, "e4", res.SAN)
	assert.Equal(t, "e2e4", res.UCI)
	assert.Equal(t, chess.White, res.Color)
	assert.Equal(t, []string{"e2e4"}, res.Position.Moves)

	turn, err := o.Turn(res.Position.FEN)
	require.NoError(t, err)
	assert.Equal(t, chess.Black, turn)

	res, err = o.TryMove(res.Position, "e7", "e5", "")
	require.NoError(t, err)
	assert.Equal(t, chess.Black, res.Color)
	assert.False(t, res.IsCheck)
	assert.False(t, res.IsDraw)
}

func TestTryMove_RejectsIllegalMoves(t *testing.T) {
	o := NewStandard()
	start := Position{Start: StartFEN}

	cases := map[string][3]string{
		"pawn three squares": {"e2", "e5", ""},
		"wrong side":         {"e7", "e5", ""},
		"off board":          {"e2", "e9", ""},
		"empty square":       {"e4", "e5", ""},
		"empty behind pawn":  {"e3", "e4", ""},
		"empty toward pawn":  {"d5", "d6", ""},
		"empty onto pawn":    {"a6", "a7", ""},
		"bad promotion":      {"e2", "e4", "k"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.TryMove(start, c[0], c[1], c[2])
			assert.ErrorIs(t, err, ErrIllegalMove)
		})
	}
}

func TestTryMove_EmptySquareMidGame(t *testing.T) {
	o := NewStandard()
	pos, _ := play(t, o, Position{Start: StartFEN}, "e2e4", "d7d5")

	for _, sq := range [][2]string{{"e2", "e3"}, {"c4", "c5"}, {"h3", "h4"}} {
		_, err := o.TryMove(pos, sq[0], sq[1], "")
		assert.ErrorIs(t, err, ErrIllegalMove, "%s-%s", sq[0], sq[1])
	}

	_, res := play(t, o, pos, "e4d5")
	assert.True(t, res.Captured)
}

func TestTryMove_PromotionDefaultsToQueen(t *testing.T) {
	o := NewStandard()
	pos := Position{Start: "8/4P3/8/8/8/8/k7/7K w - - 0 1"}

	res, err := o.TryMove(pos, "e7", "e8", "")
	require.NoError(t, err)
	assert.Equal(t, "q", res.Promotion)
	assert.Equal(t, "e7e8q", res.UCI)

	res, err = o.TryMove(pos, "e7", "e8", "n")
	require.NoError(t, err)
	assert.Equal(t, "n", res.Promotion)
}

func TestTryMove_DetectsCheckmate(t *testing.T) {
	o := NewStandard()

	_, res := play(t, o, Position{Start: "startpos"}, "f2f3", "e7e5", "g2g4", "d8h4")
	assert.True(t, res.IsCheck)
	assert.True(t, res.IsCheckmate)
	assert.False(t, res.IsDraw)
	assert.Equal(t, chess.Black, res.Color)
}

func TestTryMove_DetectsStalemate(t *testing.T) {
	o := NewStandard()
	pos := Position{Start: "k7/8/1Q6/8/8/8/8/7K w - - 0 1"}

	res, err := o.TryMove(pos, "b6", "c7", "")
	require.NoError(t, err)
	assert.True(t, res.IsStalemate)
	assert.True(t, res.IsDraw)
	assert.Equal(t, "stalemate", res.DrawReason)
}

func TestTryMove_DetectsThreefoldRepetition(t *testing.T) {
	o := NewStandard()

	_, res := play(t, o, Position{Start: "startpos"},
		"g1f3", "g8f6", "f3g1", "f6g8",
		"g1f3", "g8f6", "f3g1", "f6g8",
	)
	assert.True(t, res.IsDraw)
	assert.Equal(t, "threefold_repetition", res.DrawReason)
}

func TestTryMove_FallsBackToFEN(t *testing.T) {
	o := NewStandard()
	after, _ := play(t, o, Position{Start: "startpos"}, "e2e4")

	// history that does not reproduce the FEN is ignored
	pos := Position{Start: "startpos", Moves: []string{"d2d4"}, FEN: after.FEN}
	res, err := o.TryMove(pos, "e7", "e5", "")
	require.NoError(t, err)
	assert.Equal(t, chess.Black, res.Color)
}

func TestValidSquare(t *testing.T) {
	assert.True(t, ValidSquare("a1"))
	assert.True(t, ValidSquare("h8"))
	assert.False(t, ValidSquare("i1"))
	assert.False(t, ValidSquare("a0"))
	assert.False(t, ValidSquare("a10"))
	assert.False(t, ValidSquare(""))
}
