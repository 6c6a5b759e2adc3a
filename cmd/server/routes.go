package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tecu23/arena-server/pkg/metrics"
)

func (app *application) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", app.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ws", app.authenticate(app.handleWebSocket)).Methods(http.MethodGet)

	r.HandleFunc("/games", app.authenticate(app.handleCreateGame)).Methods(http.MethodPost)
	r.HandleFunc("/games/{id}", app.handleGetGame).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/moves", app.handleListMoves).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/join", app.authenticate(app.handleClaimSeat)).Methods(http.MethodPost)

	r.HandleFunc("/users/me", app.authenticate(app.handleMe)).Methods(http.MethodGet)
	r.HandleFunc("/ratings/me", app.authenticate(app.handleMyRatings)).Methods(http.MethodGet)
	r.HandleFunc("/ratings/game/{gameId}", app.authenticate(app.handleGameRatings)).Methods(http.MethodGet)

	return r
}
