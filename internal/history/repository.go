package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// MatchResult is one participant's final line of a finished room.
type MatchResult struct {
	RoomID      string
	Mode        string
	UserID      string
	DisplayName string
	FinalRound  int
	PlayTimeMs  int64
	Cleared     bool
	EarnedCoins int
	Bonus       int
	Rank        int
	Points      float64
	FinishedAt  time.Time
}

// LeaderboardRow is the read-only projection consumed by the lobby screen:
// each player's best run per mode.
type LeaderboardRow struct {
	Mode        string
	DisplayName string
	BestRound   int
	BestTimeMs  int64
}

// Repository persists final match results and serves the leaderboard
// projection.
type Repository interface {
	SaveResult(ctx context.Context, res *MatchResult) error
	Leaderboard(ctx context.Context, mode string, limit int) ([]*LeaderboardRow, error)
	Close() error
}

type pqRepository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &pqRepository{db: db}, nil
}

func (r *pqRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts one participant's final result. Re-saves after a
// duplicate ranking evaluation overwrite with identical values, so the call
// is safe to repeat.
func (r *pqRepository) SaveResult(ctx context.Context, res *MatchResult) error {
	if res == nil {
		return nil
	}
	const q = `INSERT INTO janken_results (
		room_id, mode, user_id, display_name,
		final_round, play_time_ms, cleared,
		earned_coins, bonus, rank, points, finished_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	) ON CONFLICT (room_id, user_id) DO UPDATE SET
		display_name=EXCLUDED.display_name,
		final_round=EXCLUDED.final_round,
		play_time_ms=EXCLUDED.play_time_ms,
		cleared=EXCLUDED.cleared,
		earned_coins=EXCLUDED.earned_coins,
		bonus=EXCLUDED.bonus,
		rank=EXCLUDED.rank,
		points=EXCLUDED.points,
		finished_at=EXCLUDED.finished_at`

	_, err := r.db.ExecContext(ctx, q,
		res.RoomID, res.Mode, res.UserID, res.DisplayName,
		res.FinalRound, res.PlayTimeMs, res.Cleared,
		res.EarnedCoins, res.Bonus, res.Rank, res.Points, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match result: %w", err)
	}
	return nil
}

func (r *pqRepository) Leaderboard(ctx context.Context, mode string, limit int) ([]*LeaderboardRow, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT mode, display_name, final_round, play_time_ms FROM (
		SELECT DISTINCT ON (user_id) mode, display_name, final_round, play_time_ms
		FROM janken_results
		WHERE mode = $1
		ORDER BY user_id, final_round DESC, play_time_ms ASC
	) best
	ORDER BY final_round DESC, play_time_ms ASC
	LIMIT $2`

	rows, err := r.db.QueryContext(ctx, q, mode, limit)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	out := make([]*LeaderboardRow, 0, limit)
	for rows.Next() {
		var row LeaderboardRow
		if err := rows.Scan(&row.Mode, &row.DisplayName, &row.BestRound, &row.BestTimeMs); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}
