package main

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/auth"
	"github.com/tecu23/arena-server/pkg/repository"
)

// handleMyRatings lists the caller's rating changes, newest first
func (app *application) handleMyRatings(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())

	history, err := app.Store.RatingHistory(r.Context(), userID)
	if err != nil {
		app.writeStoreError(w, err)
		return
	}
	slices.Reverse(history)
	if history == nil {
		history = []repository.RatingChange{}
	}
	app.writeJSON(w, http.StatusOK, history)
}

// handleGameRatings lists the rating changes a finished game produced
func (app *application) handleGameRatings(w http.ResponseWriter, r *http.Request) {
	g, err := app.Store.LoadGame(r.Context(), mux.Vars(r)["gameId"])
	if err != nil {
		app.writeStoreError(w, err)
		return
	}

	changes := []repository.RatingChange{}
	for _, userID := range []string{g.WhitePlayer, g.BlackPlayer} {
		if userID == "" {
			continue
		}
		history, err := app.Store.RatingHistory(r.Context(), userID)
		if err != nil {
			app.writeStoreError(w, err)
			return
		}
		for _, c := range history {
			if c.GameID == g.ID {
				changes = append(changes, c)
			}
		}
	}
	app.writeJSON(w, http.StatusOK, changes)
}

// handleMe returns the caller's profile. Users without a stored row get
// the default rating.
func (app *application) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())

	u, err := app.Store.LoadUser(r.Context(), userID)
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		u = &repository.User{ID: userID, Username: userID, Rating: repository.DefaultRating}
	case err != nil:
		app.writeStoreError(w, err)
		return
	}
	app.writeJSON(w, http.StatusOK, u)
}

// ensureUsers gives every token holder a user row so profiles and
// ratings resolve before their first game
func ensureUsers(ctx context.Context, store repository.Store, tokens map[string]string, logger *zap.Logger) error {
	seen := make(map[string]struct{}, len(tokens))
	for _, userID := range tokens {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}

		_, err := store.LoadUser(ctx, userID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}
		if err := store.PutUser(ctx, &repository.User{
			ID:       userID,
			Username: userID,
			Rating:   repository.DefaultRating,
		}); err != nil {
			return err
		}
		logger.Info("Created user", zap.String("user_id", userID))
	}
	return nil
}
