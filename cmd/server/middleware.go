package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/auth"
)

// authenticate resolves the request's token to a user and stores the user
// id in the request context
func (app *application) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := app.Auth.Authenticate(r)
		if err == nil {
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
			return
		}

		app.Logger.Warn(
			"Authentication failed",
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		w.Header().Set("WWW-Authenticate", "Bearer")
		app.writeError(w, http.StatusUnauthorized, "Unauthorized: "+err.Error())
	})
}

// checkOrigin only admits the configured frontend. Without one every
// origin is accepted.
func (app *application) checkOrigin(r *http.Request) bool {
	if app.Config.FrontendOrigin == "" {
		return true
	}
	return r.Header.Get("Origin") == app.Config.FrontendOrigin
}
