// Package rating implements the Elo rating update applied when a game ends
package rating

import "math"

const (
	// DefaultRating is assigned to players without a stored rating
	DefaultRating = 1200
	// DefaultK is the adjustment factor used when none is configured
	DefaultK = 32
)

// Outcome scores seen from one player's side
const (
	Loss = 0.0
	Draw = 0.5
	Win  = 1.0
)

// Expected returns the expected score of a player rated player against an
// opponent rated opp.
func Expected(player, opp int) float64 {
	return 1 / (1 + math.Pow(10, float64(opp-player)/400))
}

// Adjust returns the new rating after scoring score against opp
func Adjust(old, opp int, score float64, k int) int {
	if k <= 0 {
		k = DefaultK
	}
	return int(math.Round(float64(old) + float64(k)*(score-Expected(old, opp))))
}

// Result labels a score the way rating history stores it
func Result(score float64) string {
	switch score {
	case Win:
		return "win"
	case Loss:
		return "loss"
	default:
		return "draw"
	}
}
