package messages

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names
const (
	EventJoinGame     = "joinGame"
	EventMakeMove     = "makeMove"
	EventResign       = "resign"
	EventOfferDraw    = "offerDraw"
	EventRespondDraw  = "respondDraw"
	EventAddSpectator = "addSpectator"
	EventLeaveGame    = "leaveGame"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMissingGameID  = errors.New("gameId is required")
	ErrInvalidSquare  = errors.New("invalid square")
	ErrInvalidPromo   = errors.New("invalid promotion piece")
	ErrMissingAccept  = errors.New("accept is required")
	ErrMalformedInput = errors.New("malformed message")
)

// InboundMessage is the generic wrapper for messages coming from the client.
// The "event" field tells us the action; "payload" is the data we parse further.
type InboundMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Payload is a decoded inbound payload
type Payload interface {
	Validate() error
}

// GameRef is the payload of joinGame, resign, offerDraw and addSpectator
type GameRef struct {
	GameID string `json:"gameId"`
}

func (p GameRef) Validate() error {
	if p.GameID == "" {
		return ErrMissingGameID
	}
	return nil
}

type JoinGamePayload struct{ GameRef }

type ResignPayload struct{ GameRef }

type OfferDrawPayload struct{ GameRef }

type AddSpectatorPayload struct{ GameRef }

// MakeMovePayload represents the payload for making a move during a game
type MakeMovePayload struct {
	GameID    string `json:"gameId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

func (p MakeMovePayload) Validate() error {
	if p.GameID == "" {
		return ErrMissingGameID
	}
	if !validSquare(p.From) || !validSquare(p.To) {
		return fmt.Errorf("%w: %q-%q", ErrInvalidSquare, p.From, p.To)
	}
	switch p.Promotion {
	case "", "q", "r", "b", "n":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidPromo, p.Promotion)
}

// RespondDrawPayload answers an outstanding draw offer
type RespondDrawPayload struct {
	GameID string `json:"gameId"`
	Accept *bool  `json:"accept"`
}

func (p RespondDrawPayload) Validate() error {
	if p.GameID == "" {
		return ErrMissingGameID
	}
	if p.Accept == nil {
		return ErrMissingAccept
	}
	return nil
}

// LeaveGamePayload may name the game to leave. Without one the connection
// leaves every game it joined.
type LeaveGamePayload struct {
	GameID string `json:"gameId,omitempty"`
}

func (p LeaveGamePayload) Validate() error { return nil }

// Decode parses msg's payload according to its event and validates it
func Decode(msg InboundMessage) (Payload, error) {
	var p Payload
	switch msg.Event {
	case EventJoinGame:
		p = &JoinGamePayload{}
	case EventMakeMove:
		p = &MakeMovePayload{}
	case EventResign:
		p = &ResignPayload{}
	case EventOfferDraw:
		p = &OfferDrawPayload{}
	case EventRespondDraw:
		p = &RespondDrawPayload{}
	case EventAddSpectator:
		p = &AddSpectatorPayload{}
	case EventLeaveGame:
		p = &LeaveGamePayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}

	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}
