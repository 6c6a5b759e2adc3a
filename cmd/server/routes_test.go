package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/auth"
	"github.com/tecu23/arena-server/internal/messages"
	"github.com/tecu23/arena-server/pkg/config"
	"github.com/tecu23/arena-server/pkg/events"
	"github.com/tecu23/arena-server/pkg/finalizer"
	"github.com/tecu23/arena-server/pkg/game"
	"github.com/tecu23/arena-server/pkg/manager"
	"github.com/tecu23/arena-server/pkg/repository"
	"github.com/tecu23/arena-server/pkg/server"
)

func newTestApp(t *testing.T) (*application, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := zap.NewNop()
	store := repository.NewInMemoryStore(logger)
	publisher := events.NewPublisher()
	hub := server.NewHub(store, logger)
	gm := manager.NewManager(game.Deps{
		Store:       store,
		Finalizer:   finalizer.New(store, logger),
		Broadcaster: hub,
		Publisher:   publisher,
		Logger:      logger,
		InitialTime: time.Minute,
		Resolution:  time.Second,
	}, logger)
	hub.AttachManager(gm)
	go hub.Run(ctx)

	app := &application{
		Auth:      auth.NewTokenAuth(map[string]string{"ta": "alice", "tb": "bob"}),
		Logger:    logger,
		Config:    config.Default(),
		Publisher: publisher,
		Store:     store,
		Manager:   gm,
		Hub:       hub,
		StartTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	app.Upgrader = websocket.Upgrader{CheckOrigin: app.checkOrigin}

	srv := httptest.NewServer(app.routes())
	t.Cleanup(func() {
		srv.Close()
		app.Shutdown()
	})
	return app, srv
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	_, srv := newTestApp(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthenticateRejectsUnknownTokens(t *testing.T) {
	_, srv := newTestApp(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/games", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/games", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.Error(t, err)
}

func TestCreateAndClaimSeat(t *testing.T) {
	_, srv := newTestApp(t)

	resp, created := do(t, http.MethodPost, srv.URL+"/games", "ta", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, "alice", created["whitePlayer"])
	assert.Equal(t, string(repository.StatusWaiting), created["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/games/"+id+"/join", "ta", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, joined := do(t, http.MethodPost, srv.URL+"/games/"+id+"/join", "tb", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bob", joined["blackPlayer"])
	assert.Equal(t, string(repository.StatusActive), joined["status"])

	resp, got := do(t, http.MethodGet, srv.URL+"/games/"+id, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bob", got["blackPlayer"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/games/missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateGameRejectsBadFEN(t *testing.T) {
	_, srv := newTestApp(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/games", "ta", `{"initialFEN":"not a position"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketGameFlow(t *testing.T) {
	app, srv := newTestApp(t)

	resp, created := do(t, http.MethodPost, srv.URL+"/games", "ta", `{"blackPlayer":"bob"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	dial := func(token string) *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token="+token, nil)
		require.NoError(t, err)
		t.Cleanup(func() { ws.Close() })
		return ws
	}
	sendMsg := func(ws *websocket.Conn, event string, payload any) {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(messages.InboundMessage{Event: event, Payload: raw}))
	}
	expect := func(ws *websocket.Conn, event string) {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			var msg struct {
				Event string `json:"event"`
			}
			require.NoError(t, ws.ReadJSON(&msg), "waiting for %s", event)
			if msg.Event == event {
				return
			}
		}
	}

	alice, bob := dial("ta"), dial("tb")
	sendMsg(alice, messages.EventJoinGame, map[string]string{"gameId": id})
	expect(alice, messages.EventGameState)
	sendMsg(bob, messages.EventJoinGame, map[string]string{"gameId": id})
	expect(bob, messages.EventGameState)

	sendMsg(alice, messages.EventMakeMove, map[string]string{"gameId": id, "from": "e2", "to": "e4"})
	expect(bob, messages.EventMovePlayed)

	assert.Eventually(t, func() bool {
		moves, err := app.Store.ListMoves(context.Background(), id)
		return err == nil && len(moves) == 1
	}, time.Second, 10*time.Millisecond)

	sendMsg(alice, messages.EventResign, map[string]string{"gameId": id})
	expect(bob, messages.EventGameOver)

	assert.Eventually(t, func() bool {
		g, err := app.Store.LoadGame(context.Background(), id)
		return err == nil && g.Status == repository.StatusFinished && g.Winner == repository.WinnerBlack
	}, time.Second, 10*time.Millisecond)
}

func getList(t *testing.T, url, token string) (int, []repository.RatingChange) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []repository.RatingChange
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRatingRoutes(t *testing.T) {
	app, srv := newTestApp(t)
	ctx := context.Background()

	code, mine := getList(t, srv.URL+"/ratings/me", "ta")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, mine)

	for _, id := range []string{"g1", "g2"} {
		require.NoError(t, app.Store.CreateGame(ctx, &repository.Game{
			ID:          id,
			WhitePlayer: "alice",
			BlackPlayer: "bob",
			StartFEN:    "startpos",
			Status:      repository.StatusActive,
		}))
	}
	fin := finalizer.New(app.Store, zap.NewNop())
	_, err := fin.Finalize(ctx, finalizer.Result{GameID: "g1", Winner: repository.WinnerWhite, Reason: game.ReasonResignation, EndedAt: time.Now()})
	require.NoError(t, err)
	_, err = fin.Finalize(ctx, finalizer.Result{GameID: "g2", Winner: repository.WinnerBlack, Reason: game.ReasonTimeout, EndedAt: time.Now()})
	require.NoError(t, err)

	code, mine = getList(t, srv.URL+"/ratings/me", "ta")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, mine, 2)
	assert.Equal(t, "g2", mine[0].GameID, "newest first")
	assert.Equal(t, "loss", mine[0].Result)
	assert.Equal(t, "g1", mine[1].GameID)
	assert.Equal(t, "win", mine[1].Result)

	code, changes := getList(t, srv.URL+"/ratings/game/g1", "tb")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, changes, 2)
	users := []string{changes[0].UserID, changes[1].UserID}
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
	for _, c := range changes {
		assert.Equal(t, "g1", c.GameID)
		assert.Equal(t, c.After-c.Before, c.Change)
	}

	code, _ = getList(t, srv.URL+"/ratings/game/nope", "ta")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = getList(t, srv.URL+"/ratings/me", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestEnsureUsersAndProfile(t *testing.T) {
	app, srv := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.Store.PutUser(ctx, &repository.User{ID: "bob", Username: "bob", Rating: 1500}))
	tokens := map[string]string{"ta": "alice", "ta2": "alice", "tb": "bob"}
	require.NoError(t, ensureUsers(ctx, app.Store, tokens, zap.NewNop()))
	require.NoError(t, ensureUsers(ctx, app.Store, tokens, zap.NewNop()))

	alice, err := app.Store.LoadUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, repository.DefaultRating, alice.Rating)

	resp, body := do(t, http.MethodGet, srv.URL+"/users/me", "tb", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1500), body["rating"], "existing users are left alone")
}
