// Package game implements the live session of one game
package game

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tecu23/arena-server/pkg/events"
	"github.com/tecu23/arena-server/pkg/finalizer"
	"github.com/tecu23/arena-server/pkg/repository"
	"github.com/tecu23/arena-server/pkg/rules"
)

// Termination reasons
const (
	ReasonCheckmate   = "checkmate"
	ReasonResignation = "resignation"
	ReasonAgreement   = "agreement"
	ReasonTimeout     = "timeout"
	ReasonDraw        = "draw"
)

const (
	DefaultInitialTime     = 10 * time.Minute
	DefaultFinalizeTimeout = 30 * time.Second
)

// Broadcaster delivers session output to connections
type Broadcaster interface {
	// Broadcast sends to every connection in the game's room
	Broadcast(gameID, event string, payload any)
	// SendTo sends to a single connection
	SendTo(connID, event string, payload any)
}

// Finalizer persists a finished game and the rating update
type Finalizer interface {
	Finalize(ctx context.Context, res finalizer.Result) (finalizer.Outcome, error)
}

// Deps are the collaborators shared by every session
type Deps struct {
	Store       repository.Store
	Oracle      rules.Oracle
	Finalizer   Finalizer
	Broadcaster Broadcaster
	Publisher   *events.Publisher
	Logger      *zap.Logger

	TimeSource      clockwork.Clock
	InitialTime     time.Duration
	Resolution      time.Duration
	FinalizeTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Oracle == nil {
		d.Oracle = rules.NewStandard()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.TimeSource == nil {
		d.TimeSource = clockwork.NewRealClock()
	}
	if d.InitialTime <= 0 {
		d.InitialTime = DefaultInitialTime
	}
	if d.FinalizeTimeout <= 0 {
		d.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if d.Broadcaster == nil {
		d.Broadcaster = nopBroadcaster{}
	}
	return d
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, string, any) {}
func (nopBroadcaster) SendTo(string, string, any)    {}
