package messages

import "github.com/tecu23/arena-server/pkg/chess"

// Outbound event names
const (
	EventGameState          = "gameState"
	EventPlayerJoined       = "playerJoined"
	EventMovePlayed         = "movePlayed"
	EventClockUpdate        = "clockUpdate"
	EventGameOver           = "gameOver"
	EventDrawOffered        = "drawOffered"
	EventDrawDeclined       = "drawDeclined"
	EventMoveError          = "moveError"
	EventPlayerLeft         = "playerLeft"
	EventPlayerDisconnected = "playerDisconnected"
	EventSpectatorJoined    = "spectatorJoined"
	EventSpectatorLeft      = "spectatorLeft"
	EventError              = "error"
)

// OutboundMessage is how we wrap responses before sending
// them to the client
type OutboundMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Timers holds both remaining times in milliseconds
type Timers struct {
	White int64 `json:"white"`
	Black int64 `json:"black"`
}

// GameStatePayload is the full snapshot sent to a connection on join
type GameStatePayload struct {
	GameID      string      `json:"gameId"`
	FEN         string      `json:"fen"`
	Turn        chess.Color `json:"turn"`
	Timers      Timers      `json:"timers"`
	MoveHistory []string    `json:"moveHistory"`
	Status      string      `json:"status"`
	WhitePlayer string      `json:"whitePlayer"`
	BlackPlayer string      `json:"blackPlayer"`
	DrawOffer   chess.Color `json:"drawOffer,omitempty"`
	Winner      string      `json:"winner,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// PlayerPayload names the user a room event is about
type PlayerPayload struct {
	UserID string `json:"userId"`
}

// MoveDetail describes one accepted move
type MoveDetail struct {
	From       string      `json:"from"`
	To         string      `json:"to"`
	Promotion  string      `json:"promotion,omitempty"`
	Piece      string      `json:"piece"`
	SAN        string      `json:"san"`
	UCI        string      `json:"uci"`
	Color      chess.Color `json:"color"`
	Captured   bool        `json:"captured"`
	IsCheck    bool        `json:"isCheck"`
	MoveNumber int         `json:"moveNumber"`
}

// MovePlayedPayload is broadcast after every accepted move
type MovePlayedPayload struct {
	Move        MoveDetail  `json:"move"`
	FEN         string      `json:"fen"`
	Turn        chess.Color `json:"turn"`
	Timers      Timers      `json:"timers"`
	MoveHistory []string    `json:"moveHistory"`
}

// ClockUpdatePayload contains information about the current state of the clock
type ClockUpdatePayload struct {
	White  int64       `json:"white"`
	Black  int64       `json:"black"`
	Active chess.Color `json:"active,omitempty"`
}

// GameOverPayload is broadcast once when a game ends
type GameOverPayload struct {
	Winner string   `json:"winner"`
	Reason string   `json:"reason"`
	FEN    string   `json:"fen"`
	Moves  []string `json:"moves"`
	Timers Timers   `json:"timers"`
}

type DrawOfferedPayload struct {
	OfferedBy chess.Color `json:"offeredBy"`
}

type DrawDeclinedPayload struct{}

type ErrorPayload struct {
	Message string `json:"message"`
}
