package game

import (
	"errors"

	"github.com/tecu23/arena-server/pkg/repository"
)

var (
	ErrNotActive               = errors.New("game is not active")
	ErrNotAParticipant         = errors.New("not a player in this game")
	ErrNotJoined               = errors.New("join the game first")
	ErrWrongTurn               = errors.New("not your turn")
	ErrIllegalMove             = errors.New("illegal move")
	ErrDrawAlreadyOffered      = errors.New("draw already offered")
	ErrCannotRespondToOwnOffer = errors.New("cannot respond to your own draw offer")
	ErrNoDrawOffer             = errors.New("no draw offer to respond to")
	ErrSessionNotFound         = errors.New("session not found")
	// ErrPersistence wraps a store failure after an accepted move. The move
	// stands in memory and the next successful write carries it forward.
	ErrPersistence = errors.New("failed to persist move")

	ErrGameNotFound = repository.ErrGameNotFound
)
