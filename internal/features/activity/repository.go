// Package activity — repository.go работает с таблицами activity, activity_stats и rounds_archive.
package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository работает с таблицами активности в БД.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий активности.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// SaveEntry сохраняет запись и обновляет статистику игрока в одной транзакции.
// reservation_id уникален: повторная запись той же ставки игнорируется.
func (r *Repository) SaveEntry(ctx context.Context, e *Entry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO activity (user_id, game_type, points_bet, points_profit, multiplier, round_id, reservation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (reservation_id) DO NOTHING
	`, e.UserID, string(e.GameType), e.PointsBet, e.PointsProfit, e.Multiplier, e.RoundID, e.ReservationID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения активности: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	// returned = ставка + прибыль; RTP = returned / wagered × 100
	_, err = tx.Exec(ctx, `
		INSERT INTO activity_stats (user_id, total_rounds, total_wagered, total_won, biggest_win, rtp, updated_at)
		VALUES ($1, 1, $2::BIGINT, $2::BIGINT + $3::BIGINT, GREATEST($3::BIGINT, 0),
			CASE WHEN $2::BIGINT = 0 THEN 0 ELSE (($2::BIGINT + $3::BIGINT)::DECIMAL / $2::BIGINT::DECIMAL) * 100 END, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_rounds = activity_stats.total_rounds + 1,
			total_wagered = activity_stats.total_wagered + $2::BIGINT,
			total_won = activity_stats.total_won + $2::BIGINT + $3::BIGINT,
			biggest_win = GREATEST(activity_stats.biggest_win, $3::BIGINT),
			rtp = CASE
				WHEN (activity_stats.total_wagered + $2::BIGINT) = 0 THEN 0
				ELSE ((activity_stats.total_won + $2::BIGINT + $3::BIGINT)::DECIMAL / (activity_stats.total_wagered + $2::BIGINT)::DECIMAL) * 100
			END,
			updated_at = NOW()
	`, e.UserID, e.PointsBet, e.PointsProfit)
	if err != nil {
		return fmt.Errorf("ошибка обновления статистики: %w", err)
	}

	return tx.Commit(ctx)
}

// SaveRound архивирует завершённый раунд.
func (r *Repository) SaveRound(ctx context.Context, a *RoundArchive) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rounds_archive (round_id, game_type, game_data, settled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (round_id) DO NOTHING
	`, a.RoundID, string(a.GameType), a.Data, a.SettledAt)
	if err != nil {
		return fmt.Errorf("ошибка архивации раунда: %w", err)
	}
	return nil
}

// GetStats возвращает статистику игрока. Нет записей — нулевая статистика.
func (r *Repository) GetStats(ctx context.Context, userID int64) (*Stats, error) {
	s := Stats{UserID: userID}
	err := r.db.QueryRow(ctx, `
		SELECT user_id, total_rounds, total_wagered, total_won, biggest_win, rtp::FLOAT8, updated_at
		FROM activity_stats
		WHERE user_id = $1
	`, userID).Scan(&s.UserID, &s.TotalRounds, &s.TotalWagered, &s.TotalWon, &s.BiggestWin, &s.RTP, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return &s, nil
}

// Recent возвращает последние записи игрока.
func (r *Repository) Recent(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, game_type, points_bet, points_profit, multiplier, round_id, reservation_id, created_at
		FROM activity
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения активности: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			game string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &game, &e.PointsBet, &e.PointsProfit, &e.Multiplier, &e.RoundID, &e.ReservationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения активности: %w", err)
		}
		e.GameType = GameType(game)
		out = append(out, e)
	}
	return out, rows.Err()
}
