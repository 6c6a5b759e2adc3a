package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations is the schema used by PostgresStore
var Migrations = &migrate.EmbedFileSystemMigrationSource{
	FileSystem: migrationFS,
	Root:       "migrations",
}

// PostgresStore keeps records in postgres. Finalization runs in one
// transaction holding row locks on the game and both users.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres connects to databaseURL, applies pending migrations and
// returns the store.
func OpenPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL required for postgres store")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	n, err := migrate.Exec(db, "postgres", Migrations, migrate.Up)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Applied migrations", zap.Int("count", n))

	return NewPostgresStore(db, logger), nil
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const gameColumns = `id, white_player, black_player, start_fen, current_fen,
	moves_uci, move_history, turn, status, winner, result_reason,
	white_time_ms, black_time_ms, started_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*Game, error) {
	var (
		g              Game
		movesUCI       []byte
		history        []byte
		started, ended sql.NullTime
	)
	err := row.Scan(&g.ID, &g.WhitePlayer, &g.BlackPlayer, &g.StartFEN, &g.CurrentFEN,
		&movesUCI, &history, &g.Turn, &g.Status, &g.Winner, &g.ResultReason,
		&g.WhiteTimeMs, &g.BlackTimeMs, &started, &ended, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, pgErr(err)
	}
	if err := json.Unmarshal(movesUCI, &g.MovesUCI); err != nil {
		return nil, fmt.Errorf("decode moves_uci: %w", err)
	}
	if err := json.Unmarshal(history, &g.MoveHistory); err != nil {
		return nil, fmt.Errorf("decode move_history: %w", err)
	}
	if started.Valid {
		g.StartedAt = &started.Time
	}
	if ended.Valid {
		g.EndedAt = &ended.Time
	}
	return &g, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateGame upserts a game record
func (s *PostgresStore) CreateGame(ctx context.Context, g *Game) error {
	movesUCI, _ := json.Marshal(nonNil(g.MovesUCI))
	history, _ := json.Marshal(nonNil(g.MoveHistory))
	updated := g.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	q := `INSERT INTO games (` + gameColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			white_player=EXCLUDED.white_player,
			black_player=EXCLUDED.black_player,
			start_fen=EXCLUDED.start_fen,
			current_fen=EXCLUDED.current_fen,
			moves_uci=EXCLUDED.moves_uci,
			move_history=EXCLUDED.move_history,
			turn=EXCLUDED.turn,
			status=EXCLUDED.status,
			winner=EXCLUDED.winner,
			result_reason=EXCLUDED.result_reason,
			white_time_ms=EXCLUDED.white_time_ms,
			black_time_ms=EXCLUDED.black_time_ms,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at,
			updated_at=EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, q,
		g.ID, g.WhitePlayer, g.BlackPlayer, g.StartFEN, g.CurrentFEN,
		movesUCI, history, g.Turn, g.Status, g.Winner, g.ResultReason,
		g.WhiteTimeMs, g.BlackTimeMs, nullTime(g.StartedAt), nullTime(g.EndedAt), updated)
	return pgErr(err)
}

// LoadGame retrieves a game by ID
func (s *PostgresStore) LoadGame(ctx context.Context, id string) (*Game, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1`, id)
	return scanGame(row)
}

// SaveGame applies patch to the game record unless it is finished
func (s *PostgresStore) SaveGame(ctx context.Context, id string, patch GamePatch) error {
	movesUCI, _ := json.Marshal(nonNil(patch.MovesUCI))
	history, _ := json.Marshal(nonNil(patch.MoveHistory))
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `UPDATE games SET
			current_fen=$2, moves_uci=$3, move_history=$4, turn=$5,
			white_time_ms=$6, black_time_ms=$7,
			status=COALESCE(NULLIF($8, ''), status),
			started_at=CASE WHEN $8 = 'active' AND started_at IS NULL THEN $9 ELSE started_at END,
			updated_at=$9
		WHERE id=$1 AND status <> 'finished'`,
		id, patch.CurrentFEN, movesUCI, history, patch.Turn,
		patch.WhiteTimeMs, patch.BlackTimeMs, string(patch.Status), now)
	if err != nil {
		return pgErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		g, err := s.LoadGame(ctx, id)
		if err != nil {
			return err
		}
		if g.Status == StatusFinished {
			return ErrAlreadyFinished
		}
	}
	return nil
}

// ClaimSeat seats userID as black
func (s *PostgresStore) ClaimSeat(ctx context.Context, id, userID string) (g *Game, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pgErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	g, err = scanGame(tx.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err = claimSeat(g, userID, time.Now()); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE games SET
			black_player=$2, status=$3, started_at=$4, updated_at=$5
		WHERE id=$1`,
		id, g.BlackPlayer, g.Status, nullTime(g.StartedAt), g.UpdatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, pgErr(err)
	}
	return g, nil
}

// RecordMove appends m to its game's move log
func (s *PostgresStore) RecordMove(ctx context.Context, m Move) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO moves (
			game_id, player_id, color, from_square, to_square, promotion,
			piece, san, uci, move_number, fen_after_move, time_taken_ms, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.GameID, m.PlayerID, m.Color, m.From, m.To, m.Promotion,
		m.Piece, m.SAN, m.UCI, m.MoveNumber, m.FENAfterMove, m.TimeTakenMs, created)
	var perr *pq.Error
	if errors.As(err, &perr) && perr.Code.Name() == "foreign_key_violation" {
		return ErrGameNotFound
	}
	return pgErr(err)
}

// ListMoves returns the move log of a game in play order
func (s *PostgresStore) ListMoves(ctx context.Context, gameID string) ([]Move, error) {
	if _, err := s.LoadGame(ctx, gameID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT game_id, player_id, color, from_square,
			to_square, promotion, piece, san, uci, move_number, fen_after_move,
			time_taken_ms, created_at
		FROM moves WHERE game_id = $1 ORDER BY move_number, id`, gameID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var moves []Move
	for rows.Next() {
		var m Move
		if err := rows.Scan(&m.GameID, &m.PlayerID, &m.Color, &m.From, &m.To, &m.Promotion,
			&m.Piece, &m.SAN, &m.UCI, &m.MoveNumber, &m.FENAfterMove, &m.TimeTakenMs, &m.CreatedAt); err != nil {
			return nil, pgErr(err)
		}
		moves = append(moves, m)
	}
	return moves, pgErr(rows.Err())
}

// PutUser creates or replaces a user
func (s *PostgresStore) PutUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (
			id, username, rating, games_played, wins, losses, draws, last_seen
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			username=EXCLUDED.username,
			rating=EXCLUDED.rating,
			games_played=EXCLUDED.games_played,
			wins=EXCLUDED.wins,
			losses=EXCLUDED.losses,
			draws=EXCLUDED.draws,
			last_seen=EXCLUDED.last_seen`,
		u.ID, u.Username, ratingOf(u), u.GamesPlayed, u.Wins, u.Losses, u.Draws, nullTime(u.LastSeen))
	return pgErr(err)
}

// LoadUser retrieves a user by ID
func (s *PostgresStore) LoadUser(ctx context.Context, id string) (*User, error) {
	return loadUser(s.db.QueryRowContext(ctx, `SELECT id, username, rating,
		games_played, wins, losses, draws, last_seen FROM users WHERE id = $1`, id))
}

func loadUser(row rowScanner) (*User, error) {
	var (
		u    User
		seen sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Rating, &u.GamesPlayed, &u.Wins, &u.Losses, &u.Draws, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, pgErr(err)
	}
	if seen.Valid {
		u.LastSeen = &seen.Time
	}
	return &u, nil
}

// TouchLastSeen records when a user was last connected
func (s *PostgresStore) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = $2 WHERE id = $1`, userID, at)
	return pgErr(err)
}

// RatingHistory returns a user's rating changes, oldest first
func (s *PostgresStore) RatingHistory(ctx context.Context, userID string) ([]RatingChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, game_id, before, after, change, result, created_at
		FROM rating_changes WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []RatingChange
	for rows.Next() {
		var rc RatingChange
		if err := rows.Scan(&rc.UserID, &rc.GameID, &rc.Before, &rc.After, &rc.Change, &rc.Result, &rc.CreatedAt); err != nil {
			return nil, pgErr(err)
		}
		out = append(out, rc)
	}
	return out, pgErr(rows.Err())
}

// FinalizeGame locks the game and user rows, verifies nobody finished the
// game or moved a rating since they were read, and commits everything in
// one transaction.
func (s *PostgresStore) FinalizeGame(ctx context.Context, f Finalization) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	g, err := scanGame(tx.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1 FOR UPDATE`, f.GameID))
	if err != nil {
		return err
	}
	if g.Status == StatusFinished {
		return ErrAlreadyFinished
	}

	for _, p := range []PlayerResult{f.White, f.Black} {
		if p.UserID == "" {
			continue
		}
		u, lerr := loadUser(tx.QueryRowContext(ctx, `SELECT id, username, rating,
			games_played, wins, losses, draws, last_seen FROM users WHERE id = $1 FOR UPDATE`, p.UserID))
		switch {
		case errors.Is(lerr, ErrUserNotFound):
			u = &User{ID: p.UserID, Rating: DefaultRating}
		case lerr != nil:
			return lerr
		}
		if ratingOf(u) != p.Before {
			return Transient(ErrRatingConflict)
		}

		rc := p.apply(u, f.GameID, f.EndedAt)
		if _, err = tx.ExecContext(ctx, `INSERT INTO users (id, rating, games_played, wins, losses, draws)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO UPDATE SET
					rating=EXCLUDED.rating,
					games_played=EXCLUDED.games_played,
					wins=EXCLUDED.wins,
					losses=EXCLUDED.losses,
					draws=EXCLUDED.draws`,
			u.ID, u.Rating, u.GamesPlayed, u.Wins, u.Losses, u.Draws); err != nil {
			return pgErr(err)
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO rating_changes
				(user_id, game_id, before, after, change, result, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			rc.UserID, rc.GameID, rc.Before, rc.After, rc.Change, rc.Result, rc.CreatedAt); err != nil {
			return pgErr(err)
		}
	}

	f.applyGame(g)
	movesUCI, _ := json.Marshal(nonNil(g.MovesUCI))
	history, _ := json.Marshal(nonNil(g.MoveHistory))
	if _, err = tx.ExecContext(ctx, `UPDATE games SET
			status=$2, winner=$3, result_reason=$4, current_fen=$5,
			moves_uci=$6, move_history=$7, white_time_ms=$8, black_time_ms=$9,
			ended_at=$10, updated_at=$10
		WHERE id=$1`,
		g.ID, g.Status, g.Winner, g.ResultReason, g.CurrentFEN,
		movesUCI, history, g.WhiteTimeMs, g.BlackTimeMs, f.EndedAt); err != nil {
		return pgErr(err)
	}

	if err = tx.Commit(); err != nil {
		return pgErr(err)
	}

	s.logger.Debug("Game finalized",
		zap.String("game_id", f.GameID),
		zap.String("winner", f.Winner),
		zap.String("reason", f.Reason),
	)
	return nil
}

// Close closes the database handle
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// pgErr marks connection failures, serialization failures and resource
// exhaustion as transient.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var perr *pq.Error
	if errors.As(err, &perr) {
		switch perr.Code.Class() {
		case "08", "40", "53", "57":
			return Transient(err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}
