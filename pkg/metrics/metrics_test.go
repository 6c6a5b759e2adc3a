package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tecu23/arena-server/pkg/events"
)

func TestObserve(t *testing.T) {
	live := testutil.ToFloat64(liveSessions)
	moves := testutil.ToFloat64(movesPlayed)
	resigned := testutil.ToFloat64(gamesOver.WithLabelValues("resignation"))

	Observe(events.Event{Type: events.EventSessionCreated, GameID: "g1"})
	Observe(events.Event{Type: events.EventMovePlayed, GameID: "g1"})
	Observe(events.Event{Type: events.EventMovePlayed, GameID: "g1"})
	Observe(events.Event{
		Type:    events.EventGameOver,
		GameID:  "g1",
		Payload: events.GameOverPayload{Winner: "white", Reason: "resignation"},
	})

	assert.Equal(t, live+1, testutil.ToFloat64(liveSessions))
	assert.Equal(t, moves+2, testutil.ToFloat64(movesPlayed))
	assert.Equal(t, resigned+1, testutil.ToFloat64(gamesOver.WithLabelValues("resignation")))

	Observe(events.Event{Type: events.EventSessionEvicted, GameID: "g1"})
	assert.Equal(t, live, testutil.ToFloat64(liveSessions))
}

func TestHandler(t *testing.T) {
	Observe(events.Event{Type: events.EventMovePlayed})

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "arena_moves_total")
}
