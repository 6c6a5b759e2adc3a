package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tecu23/arena-server/internal/messages"
	"github.com/tecu23/arena-server/pkg/chess"
	"github.com/tecu23/arena-server/pkg/events"
	"github.com/tecu23/arena-server/pkg/finalizer"
	"github.com/tecu23/arena-server/pkg/repository"
	"github.com/tecu23/arena-server/pkg/rules"
)

// Session is the authoritative in-memory state of one game. Every state
// transition runs under mu, from validation through persistence, and the
// clock callbacks take the same lock.
type Session struct {
	id   string
	deps Deps

	mu sync.Mutex

	whitePlayer string
	blackPlayer string

	position rules.Position
	turn     chess.Color
	history  []string // SAN
	clock    *chess.Clock

	drawOffer chess.Color

	participants map[string]string // player user id -> connection id
	spectators   map[string]string // spectator user id -> connection id

	status     repository.Status
	winner     string
	reason     string
	started    bool
	lastMoveAt time.Time

	onEvict func(*Session)
	logger  *zap.Logger
}

// NewSession seeds a session from the durable record. onEvict is called
// once, after the game has been finalized.
func NewSession(rec *repository.Game, deps Deps, onEvict func(*Session)) (*Session, error) {
	if rec == nil {
		return nil, ErrGameNotFound
	}
	deps = deps.withDefaults()

	s := &Session{
		id:           rec.ID,
		deps:         deps,
		whitePlayer:  rec.WhitePlayer,
		blackPlayer:  rec.BlackPlayer,
		history:      append([]string(nil), rec.MoveHistory...),
		participants: make(map[string]string),
		spectators:   make(map[string]string),
		status:       rec.Status,
		onEvict:      onEvict,
		logger:       deps.Logger.With(zap.String("game_id", rec.ID)),
	}

	start := rules.NormalizeFEN(rec.StartFEN)
	current := rec.CurrentFEN
	if current == "" {
		current = start
	}
	s.position = rules.Position{
		Start: start,
		Moves: append([]string(nil), rec.MovesUCI...),
		FEN:   rules.NormalizeFEN(current),
	}

	s.turn = rec.Turn
	if !s.turn.Valid() {
		turn, err := deps.Oracle.Turn(s.position.FEN)
		if err != nil {
			return nil, fmt.Errorf("seed session %s: %w", rec.ID, err)
		}
		s.turn = turn
	}

	white := time.Duration(rec.WhiteTimeMs) * time.Millisecond
	black := time.Duration(rec.BlackTimeMs) * time.Millisecond
	if len(rec.MovesUCI) == 0 && white == 0 && black == 0 {
		white, black = deps.InitialTime, deps.InitialTime
	}

	s.clock = chess.NewClock(
		chess.TimeControl{WhiteTime: white, BlackTime: black, Resolution: deps.Resolution},
		chess.WithTimeSource(deps.TimeSource),
		chess.OnTick(s.onClockTick),
		chess.OnTimeout(s.onClockTimeout),
	)

	return s, nil
}

// ID returns the game id
func (s *Session) ID() string { return s.id }

// Status returns the current status
func (s *Session) Status() repository.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the state sent to joining connections
func (s *Session) Snapshot() messages.GameStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Clock exposes the session clock, mostly for tests
func (s *Session) Clock() *chess.Clock { return s.clock }

// Join registers connID for userID, sends the joining connection a full
// snapshot and starts the clock once both players are present. Users who
// are not players of record join as spectators.
func (s *Session) Join(ctx context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == repository.StatusWaiting {
		s.refreshLocked(ctx)
	}

	if s.colorOfLocked(userID) == "" {
		s.spectators[userID] = connID
		s.deps.Broadcaster.SendTo(connID, messages.EventGameState, s.snapshotLocked())
		s.deps.Broadcaster.Broadcast(s.id, messages.EventSpectatorJoined, messages.PlayerPayload{UserID: userID})
		return nil
	}

	s.participants[userID] = connID
	s.deps.Broadcaster.SendTo(connID, messages.EventGameState, s.snapshotLocked())
	s.deps.Broadcaster.Broadcast(s.id, messages.EventPlayerJoined, messages.PlayerPayload{UserID: userID})

	s.logger.Info("Player joined",
		zap.String("user_id", userID),
		zap.String("connection_id", connID),
	)

	s.maybeStartLocked(ctx)
	return nil
}

// Spectate registers connID as a spectator of the game
func (s *Session) Spectate(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spectators[userID] = connID
	s.deps.Broadcaster.SendTo(connID, messages.EventGameState, s.snapshotLocked())
	s.deps.Broadcaster.Broadcast(s.id, messages.EventSpectatorJoined, messages.PlayerPayload{UserID: userID})
	return nil
}

// ApplyMove validates and applies a move by userID. A store failure after
// the move was accepted is returned wrapped in ErrPersistence; the move
// itself stands.
func (s *Session) ApplyMove(ctx context.Context, userID, from, to, promotion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != repository.StatusActive {
		return ErrNotActive
	}
	color, err := s.attachedColorLocked(userID)
	if err != nil {
		return err
	}
	if color != s.turn {
		return ErrWrongTurn
	}

	// Stopping first settles the mover's time, so no timeout can fire for
	// them between this check and the turn change.
	wasRunning := s.clock.Running() == color
	s.clock.Stop(color)
	if s.clock.Expired(color) {
		s.terminateLocked(ctx, string(color.Opp()), ReasonTimeout)
		return ErrNotActive
	}

	res, err := s.deps.Oracle.TryMove(s.position, from, to, promotion)
	if err != nil {
		if wasRunning {
			s.clock.Start(color)
		}
		if errors.Is(err, rules.ErrIllegalMove) {
			return fmt.Errorf("%w: %s%s", ErrIllegalMove, from, to)
		}
		return fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}

	now := s.deps.TimeSource.Now()
	var taken time.Duration
	if !s.lastMoveAt.IsZero() {
		taken = now.Sub(s.lastMoveAt)
	}

	s.position = res.Position
	s.turn = color.Opp()
	s.history = append(s.history, res.SAN)
	s.drawOffer = ""
	s.lastMoveAt = now
	s.started = true
	s.clock.Start(s.turn)

	timers := s.timersLocked()
	moveNumber := len(s.position.Moves)

	s.deps.Broadcaster.Broadcast(s.id, messages.EventMovePlayed, messages.MovePlayedPayload{
		Move: messages.MoveDetail{
			From:       res.From,
			To:         res.To,
			Promotion:  res.Promotion,
			Piece:      res.Piece,
			SAN:        res.SAN,
			UCI:        res.UCI,
			Color:      color,
			Captured:   res.Captured,
			IsCheck:    res.IsCheck,
			MoveNumber: moveNumber,
		},
		FEN:         s.position.FEN,
		Turn:        s.turn,
		Timers:      timers,
		MoveHistory: append([]string(nil), s.history...),
	})
	s.deps.Publisher.Publish(events.Event{Type: events.EventMovePlayed, GameID: s.id})

	persistErr := s.persistMoveLocked(ctx, repository.Move{
		GameID:       s.id,
		PlayerID:     userID,
		Color:        color,
		From:         res.From,
		To:           res.To,
		Promotion:    res.Promotion,
		Piece:        res.Piece,
		SAN:          res.SAN,
		UCI:          res.UCI,
		MoveNumber:   moveNumber,
		FENAfterMove: s.position.FEN,
		TimeTakenMs:  taken.Milliseconds(),
		CreatedAt:    now,
	}, timers)

	switch {
	case res.IsCheckmate:
		s.terminateLocked(ctx, string(color), ReasonCheckmate)
	case res.IsDraw:
		s.logger.Info("Automatic draw", zap.String("draw_reason", res.DrawReason))
		s.terminateLocked(ctx, repository.WinnerDraw, ReasonDraw)
	}

	return persistErr
}

// Resign ends the game in favour of userID's opponent
func (s *Session) Resign(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != repository.StatusActive {
		return ErrNotActive
	}
	color, err := s.attachedColorLocked(userID)
	if err != nil {
		return err
	}

	s.terminateLocked(ctx, string(color.Opp()), ReasonResignation)
	return nil
}

// OfferDraw records a draw offer from userID
func (s *Session) OfferDraw(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != repository.StatusActive {
		return ErrNotActive
	}
	color, err := s.attachedColorLocked(userID)
	if err != nil {
		return err
	}
	if s.drawOffer != "" {
		return ErrDrawAlreadyOffered
	}

	s.drawOffer = color
	s.deps.Broadcaster.Broadcast(s.id, messages.EventDrawOffered, messages.DrawOfferedPayload{OfferedBy: color})
	return nil
}

// RespondDraw accepts or declines the outstanding draw offer
func (s *Session) RespondDraw(ctx context.Context, userID string, accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != repository.StatusActive {
		return ErrNotActive
	}
	color, err := s.attachedColorLocked(userID)
	if err != nil {
		return err
	}
	if s.drawOffer == "" {
		return ErrNoDrawOffer
	}
	if s.drawOffer == color {
		return ErrCannotRespondToOwnOffer
	}

	if accept {
		s.terminateLocked(ctx, repository.WinnerDraw, ReasonAgreement)
		return nil
	}

	s.drawOffer = ""
	s.deps.Broadcaster.Broadcast(s.id, messages.EventDrawDeclined, messages.DrawDeclinedPayload{})
	return nil
}

// Disconnect drops userID's connection if it is still connID. The game
// and its clock carry on.
func (s *Session) Disconnect(ctx context.Context, userID, connID string) {
	s.detach(ctx, userID, connID, messages.EventPlayerDisconnected)
}

// Leave is a voluntary Disconnect
func (s *Session) Leave(ctx context.Context, userID, connID string) {
	s.detach(ctx, userID, connID, messages.EventPlayerLeft)
}

// Close stops the clock without finishing the game, for shutdown
func (s *Session) Close() {
	s.clock.StopAll()
}

func (s *Session) detach(ctx context.Context, userID, connID, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.spectators[userID]; ok && cur == connID {
		delete(s.spectators, userID)
		s.deps.Broadcaster.Broadcast(s.id, messages.EventSpectatorLeft, messages.PlayerPayload{UserID: userID})
	}

	cur, ok := s.participants[userID]
	if !ok || cur != connID {
		return
	}
	delete(s.participants, userID)

	s.deps.Broadcaster.Broadcast(s.id, event, messages.PlayerPayload{UserID: userID})
	s.logger.Info("Player detached",
		zap.String("user_id", userID),
		zap.String("connection_id", connID),
		zap.String("event", event),
	)

	if err := s.deps.Store.TouchLastSeen(ctx, userID, s.deps.TimeSource.Now()); err != nil {
		s.logger.Warn("Failed to update last seen", zap.String("user_id", userID), zap.Error(err))
	}

	if s.drawOffer != "" && s.colorOfLocked(userID) == s.drawOffer {
		s.drawOffer = ""
		s.deps.Broadcaster.Broadcast(s.id, messages.EventDrawDeclined, messages.DrawDeclinedPayload{})
	}
}

func (s *Session) onClockTick(tick chess.ClockTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != repository.StatusActive {
		return
	}
	s.deps.Broadcaster.Broadcast(s.id, messages.EventClockUpdate, messages.ClockUpdatePayload{
		White:  tick.White,
		Black:  tick.Black,
		Active: tick.Active,
	})
}

func (s *Session) onClockTimeout(color chess.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != repository.StatusActive || color != s.turn {
		return
	}
	rt := s.clock.GetRemainingTime()
	s.logger.Info("Clock flagged",
		zap.String("color", string(color)),
		zap.String("white_time", chess.FormatClockTime(rt.White)),
		zap.String("black_time", chess.FormatClockTime(rt.Black)),
	)
	s.terminateLocked(context.Background(), string(color.Opp()), ReasonTimeout)
}

// terminateLocked finishes the game once. Later calls are no-ops.
func (s *Session) terminateLocked(ctx context.Context, winner, reason string) {
	if s.status == repository.StatusFinished {
		return
	}

	s.clock.StopAll()
	s.status = repository.StatusFinished
	s.winner = winner
	s.reason = reason
	s.drawOffer = ""
	timers := s.timersLocked()

	var finErr error
	if s.deps.Finalizer != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.FinalizeTimeout)
		_, finErr = s.deps.Finalizer.Finalize(fctx, finalizer.Result{
			GameID:      s.id,
			Winner:      winner,
			Reason:      reason,
			FinalFEN:    s.position.FEN,
			MovesUCI:    append([]string(nil), s.position.Moves...),
			MoveHistory: append([]string(nil), s.history...),
			WhiteTimeMs: timers.White,
			BlackTimeMs: timers.Black,
			EndedAt:     s.deps.TimeSource.Now(),
		})
		cancel()
		if finErr != nil {
			s.logger.Error("Game result not persisted", zap.Error(finErr))
			s.deps.Publisher.Publish(events.Event{Type: events.EventFinalizeFailed, GameID: s.id})
		}
	}

	s.deps.Broadcaster.Broadcast(s.id, messages.EventGameOver, messages.GameOverPayload{
		Winner: winner,
		Reason: reason,
		FEN:    s.position.FEN,
		Moves:  append([]string(nil), s.history...),
		Timers: timers,
	})
	s.deps.Publisher.Publish(events.Event{
		Type:    events.EventGameOver,
		GameID:  s.id,
		Payload: events.GameOverPayload{Winner: winner, Reason: reason},
	})

	s.logger.Info("Game over",
		zap.String("winner", winner),
		zap.String("reason", reason),
		zap.Int("moves", len(s.history)),
		zap.String("white_time", chess.FormatClockTime(timers.White)),
		zap.String("black_time", chess.FormatClockTime(timers.Black)),
	)

	// A rejected commit leaves the durable record in play. The finished
	// session stays registered so a rejoin sees the result instead of
	// reseeding a live game from that record.
	if finErr != nil && !errors.Is(finErr, finalizer.ErrExhausted) {
		s.logger.Warn("Keeping finished session, result not committed")
		return
	}
	if s.onEvict != nil {
		s.onEvict(s)
	}
}

func (s *Session) persistMoveLocked(ctx context.Context, mv repository.Move, timers messages.Timers) error {
	err := s.deps.Store.SaveGame(ctx, s.id, repository.GamePatch{
		CurrentFEN:  s.position.FEN,
		MovesUCI:    s.position.Moves,
		MoveHistory: s.history,
		Turn:        s.turn,
		WhiteTimeMs: timers.White,
		BlackTimeMs: timers.Black,
	})
	if err == nil {
		err = s.deps.Store.RecordMove(ctx, mv)
	}
	if err != nil {
		s.logger.Warn("Failed to persist move",
			zap.String("uci", mv.UCI),
			zap.Bool("transient", repository.IsTransient(err)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// refreshLocked picks up a waiting game that was activated elsewhere
func (s *Session) refreshLocked(ctx context.Context) {
	rec, err := s.deps.Store.LoadGame(ctx, s.id)
	if err != nil {
		s.logger.Warn("Failed to reload game", zap.Error(err))
		return
	}
	s.whitePlayer = rec.WhitePlayer
	s.blackPlayer = rec.BlackPlayer
	if rec.Status == repository.StatusActive {
		s.status = repository.StatusActive
	}
}

// maybeStartLocked starts the side to move's clock once the game is active
// and both players are connected.
func (s *Session) maybeStartLocked(ctx context.Context) {
	if s.status != repository.StatusActive || s.clock.Running() != "" {
		return
	}
	if _, ok := s.participants[s.whitePlayer]; !ok {
		return
	}
	if _, ok := s.participants[s.blackPlayer]; !ok {
		return
	}
	if s.clock.Expired(s.turn) {
		s.terminateLocked(ctx, string(s.turn.Opp()), ReasonTimeout)
		return
	}

	s.clock.Start(s.turn)
	s.lastMoveAt = s.deps.TimeSource.Now()

	timers := s.timersLocked()
	s.deps.Broadcaster.Broadcast(s.id, messages.EventClockUpdate, messages.ClockUpdatePayload{
		White:  timers.White,
		Black:  timers.Black,
		Active: s.turn,
	})

	if !s.started {
		s.started = true
		s.deps.Publisher.Publish(events.Event{Type: events.EventGameStarted, GameID: s.id})
		s.logger.Info("Game started")
	}
}

// attachedColorLocked returns userID's color if they are a player with a
// joined connection
func (s *Session) attachedColorLocked(userID string) (chess.Color, error) {
	color := s.colorOfLocked(userID)
	if color == "" {
		return "", ErrNotAParticipant
	}
	if _, ok := s.participants[userID]; !ok {
		return "", ErrNotJoined
	}
	return color, nil
}

func (s *Session) colorOfLocked(userID string) chess.Color {
	switch {
	case userID == "":
		return ""
	case userID == s.whitePlayer:
		return chess.White
	case userID == s.blackPlayer:
		return chess.Black
	}
	return ""
}

func (s *Session) timersLocked() messages.Timers {
	rt := s.clock.GetRemainingTime()
	return messages.Timers{White: rt.White, Black: rt.Black}
}

func (s *Session) snapshotLocked() messages.GameStatePayload {
	return messages.GameStatePayload{
		GameID:      s.id,
		FEN:         s.position.FEN,
		Turn:        s.turn,
		Timers:      s.timersLocked(),
		MoveHistory: append([]string(nil), s.history...),
		Status:      string(s.status),
		WhitePlayer: s.whitePlayer,
		BlackPlayer: s.blackPlayer,
		DrawOffer:   s.drawOffer,
		Winner:      s.winner,
		Reason:      s.reason,
	}
}

// RecordState renders a stored game the way a live session would. Used
// for games that have no session, finished ones in particular.
func RecordState(rec *repository.Game) messages.GameStatePayload {
	fen := rec.CurrentFEN
	if fen == "" {
		fen = rules.NormalizeFEN(rec.StartFEN)
	}
	return messages.GameStatePayload{
		GameID:      rec.ID,
		FEN:         fen,
		Turn:        rec.Turn,
		Timers:      messages.Timers{White: rec.WhiteTimeMs, Black: rec.BlackTimeMs},
		MoveHistory: append([]string{}, rec.MoveHistory...),
		Status:      string(rec.Status),
		WhitePlayer: rec.WhitePlayer,
		BlackPlayer: rec.BlackPlayer,
		Winner:      rec.Winner,
		Reason:      rec.ResultReason,
	}
}
