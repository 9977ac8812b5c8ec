// Package pool — repository.go работает с таблицей pool_stakes.
package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository — Store поверх PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий пула.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// AddStake меняет вклад одним запросом. Вывод проверяет остаток в WHERE,
// поэтому параллельные выводы не уведут вклад ниже нуля.
func (r *Repository) AddStake(ctx context.Context, userID, delta int64) (int64, error) {
	query := `
		INSERT INTO pool_stakes (user_id, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET amount = pool_stakes.amount + EXCLUDED.amount, updated_at = NOW()
		RETURNING amount
	`
	if delta < 0 {
		query = `
			UPDATE pool_stakes
			SET amount = amount + $2, updated_at = NOW()
			WHERE user_id = $1 AND amount + $2 >= 0
			RETURNING amount
		`
	}

	var amount int64
	err := r.db.QueryRow(ctx, query, userID, delta).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientStake
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка изменения вклада в пул: %w", err)
	}
	return amount, nil
}

// Stake возвращает вклад пользователя (нулевой, если вклада нет).
func (r *Repository) Stake(ctx context.Context, userID int64) (Stake, error) {
	s := Stake{UserID: userID}
	err := r.db.QueryRow(ctx, `
		SELECT amount, updated_at FROM pool_stakes WHERE user_id = $1
	`, userID).Scan(&s.Amount, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("ошибка получения вклада: %w", err)
	}
	return s, nil
}

// Total возвращает сумму всех вкладов.
func (r *Repository) Total(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::BIGINT FROM pool_stakes`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта пула: %w", err)
	}
	return total, nil
}
