package main

import (
	"net/http"
	"time"
)

// handleHealth handles the GET /health endpoint
func (app *application) handleHealth(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(app.StartTime).String(),
		"sessions":    app.Manager.Len(),
		"connections": app.Hub.Count(),
	})
}
