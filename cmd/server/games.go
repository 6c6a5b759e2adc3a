package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/auth"
	"github.com/tecu23/arena-server/pkg/repository"
	"github.com/tecu23/arena-server/pkg/rules"
)

type createGameRequest struct {
	InitialFEN  string `json:"initialFEN"`
	BlackPlayer string `json:"blackPlayer"`
}

// handleCreateGame creates a game with the caller as white. Naming an
// opponent seats them right away; otherwise the game waits for one.
func (app *application) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())

	var req createGameRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			app.writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if req.BlackPlayer == userID {
		app.writeError(w, http.StatusBadRequest, repository.ErrOwnGame.Error())
		return
	}

	start := rules.NormalizeFEN(req.InitialFEN)
	turn, err := rules.NewStandard().Turn(start)
	if err != nil {
		app.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ms := app.Config.Game.InitialTimeMs
	g := &repository.Game{
		ID:          uuid.NewString(),
		WhitePlayer: userID,
		BlackPlayer: req.BlackPlayer,
		StartFEN:    start,
		CurrentFEN:  start,
		Turn:        turn,
		Status:      repository.StatusWaiting,
		WhiteTimeMs: ms,
		BlackTimeMs: ms,
	}
	if g.BlackPlayer != "" {
		g.Status = repository.StatusActive
	}

	if err := app.Store.CreateGame(r.Context(), g); err != nil {
		app.Logger.Error("Failed to create game", zap.Error(err))
		app.writeError(w, http.StatusServiceUnavailable, "could not create game")
		return
	}

	app.Logger.Info("Game created",
		zap.String("game_id", g.ID),
		zap.String("user_id", userID),
	)
	app.writeJSON(w, http.StatusCreated, g)
}

// handleClaimSeat seats the caller as black
func (app *application) handleClaimSeat(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())

	g, err := app.Store.ClaimSeat(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		app.writeStoreError(w, err)
		return
	}
	app.writeJSON(w, http.StatusOK, g)
}

// handleGetGame returns the durable record. It may trail the live session
// by the moves still being persisted.
func (app *application) handleGetGame(w http.ResponseWriter, r *http.Request) {
	g, err := app.Store.LoadGame(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		app.writeStoreError(w, err)
		return
	}
	app.writeJSON(w, http.StatusOK, g)
}

func (app *application) handleListMoves(w http.ResponseWriter, r *http.Request) {
	moves, err := app.Store.ListMoves(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		app.writeStoreError(w, err)
		return
	}
	if moves == nil {
		moves = []repository.Move{}
	}
	app.writeJSON(w, http.StatusOK, moves)
}

func (app *application) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrGameNotFound):
		app.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrSeatTaken),
		errors.Is(err, repository.ErrOwnGame),
		errors.Is(err, repository.ErrAlreadyFinished):
		app.writeError(w, http.StatusConflict, err.Error())
	default:
		app.Logger.Error("Store request failed", zap.Error(err))
		app.writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.Logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (app *application) writeError(w http.ResponseWriter, status int, msg string) {
	app.writeJSON(w, status, map[string]string{"error": msg})
}
