package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/messages"
	"github.com/tecu23/arena-server/pkg/game"
	"github.com/tecu23/arena-server/pkg/repository"
)

var errInternal = errors.New("internal error")

func (h *Hub) dispatch(ctx context.Context, conn *Connection, msg messages.InboundMessage) {
	// A panicking handler must not take the read pump down with it
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered handler panic",
				zap.String("connection_id", conn.ID),
				zap.String("event", msg.Event),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			h.replyError(conn, msg.Event, errInternal)
		}
	}()

	payload, err := messages.Decode(msg)
	if err != nil {
		h.logger.Debug("Rejected inbound message",
			zap.String("connection_id", conn.ID),
			zap.String("event", msg.Event),
			zap.Error(err),
		)
		h.replyError(conn, msg.Event, err)
		return
	}

	switch p := payload.(type) {
	case *messages.JoinGamePayload:
		err = h.handleJoin(ctx, conn, p.GameID, false)
	case *messages.AddSpectatorPayload:
		err = h.handleJoin(ctx, conn, p.GameID, true)
	case *messages.MakeMovePayload:
		err = h.withSession(ctx, p.GameID, func(s *game.Session) error {
			return s.ApplyMove(ctx, conn.UserID, p.From, p.To, p.Promotion)
		})
	case *messages.ResignPayload:
		err = h.withSession(ctx, p.GameID, func(s *game.Session) error {
			return s.Resign(ctx, conn.UserID)
		})
	case *messages.OfferDrawPayload:
		err = h.withSession(ctx, p.GameID, func(s *game.Session) error {
			return s.OfferDraw(ctx, conn.UserID)
		})
	case *messages.RespondDrawPayload:
		err = h.withSession(ctx, p.GameID, func(s *game.Session) error {
			return s.RespondDraw(ctx, conn.UserID, *p.Accept)
		})
	case *messages.LeaveGamePayload:
		h.handleLeave(ctx, conn, p.GameID)
	}

	if err != nil {
		h.logger.Debug("Request failed",
			zap.String("connection_id", conn.ID),
			zap.String("user_id", conn.UserID),
			zap.String("event", msg.Event),
			zap.Error(err),
		)
		h.replyError(conn, msg.Event, err)
	}
}

// handleJoin subscribes conn to gameID and registers it with the session.
// Finished games get their final state and no session.
func (h *Hub) handleJoin(ctx context.Context, conn *Connection, gameID string, spectate bool) error {
	rec, err := h.store.LoadGame(ctx, gameID)
	if err != nil {
		return err
	}

	if rec.Status == repository.StatusFinished {
		h.SendTo(conn.ID, messages.EventGameState, game.RecordState(rec))
		return nil
	}

	session, err := h.manager.GetOrCreate(rec)
	if errors.Is(err, game.ErrNotActive) {
		h.SendTo(conn.ID, messages.EventGameState, game.RecordState(rec))
		return nil
	}
	if err != nil {
		return err
	}

	conn.games[gameID] = struct{}{}
	h.joinRoom(gameID, conn)

	if spectate {
		return session.Spectate(ctx, conn.UserID, conn.ID)
	}
	return session.Join(ctx, conn.UserID, conn.ID)
}

func (h *Hub) handleLeave(ctx context.Context, conn *Connection, gameID string) {
	ids := make([]string, 0, len(conn.games))
	if gameID != "" {
		if _, ok := conn.games[gameID]; ok {
			ids = append(ids, gameID)
		}
	} else {
		for id := range conn.games {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		delete(conn.games, id)
		h.leaveRoom(id, conn)
		if session, ok := h.manager.Get(id); ok {
			session.Leave(ctx, conn.UserID, conn.ID)
		}
	}
}

// withSession runs fn against the live session of gameID. Without one the
// durable record decides which error the client sees.
func (h *Hub) withSession(ctx context.Context, gameID string, fn func(*game.Session) error) error {
	if session, ok := h.manager.Get(gameID); ok {
		return fn(session)
	}

	rec, err := h.store.LoadGame(ctx, gameID)
	switch {
	case errors.Is(err, repository.ErrGameNotFound):
		return game.ErrGameNotFound
	case err != nil:
		return err
	case rec.Status == repository.StatusFinished:
		return game.ErrNotActive
	}
	return game.ErrSessionNotFound
}

func (h *Hub) replyError(conn *Connection, event string, err error) {
	out := messages.EventError
	if event == messages.EventMakeMove {
		out = messages.EventMoveError
	}
	h.sendError(conn, out, errorMessage(err))
}

// errorMessage hides store internals from clients
func errorMessage(err error) string {
	switch {
	case errors.Is(err, game.ErrPersistence):
		return game.ErrPersistence.Error()
	case repository.IsTransient(err):
		return "temporarily unavailable"
	}
	return err.Error()
}
