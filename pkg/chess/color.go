package chess

import "fmt"

// Color identifies a side of the board. The string form is what travels
// on the wire and in storage.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opp returns the opposite color for the given color.
func (c Color) Opp() Color {
	if c == White {
		return Black
	}

	return White
}

// Valid reports whether c is one of the two sides.
func (c Color) Valid() bool {
	return c == White || c == Black
}

// ParseColor accepts the long form as well as the FEN short form ("w"/"b").
func ParseColor(s string) (Color, error) {
	switch s {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	}
	return "", fmt.Errorf("unknown color %q", s)
}
