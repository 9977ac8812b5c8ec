// Package ledger — repository.go хранит балансы, резервы и журнал в PostgreSQL.
// Каждая мутация пишется одной транзакцией БД.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository реализует Store поверх pgxpool.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий леджера.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// LoadBalance возвращает сохранённый баланс пользователя.
func (r *Repository) LoadBalance(ctx context.Context, userID int64) (Balance, bool, error) {
	var (
		b       Balance
		version int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT user_id, points, version, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Points, &version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{UserID: userID}, false, nil
	}
	if err != nil {
		return Balance{}, false, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	b.Version = uint64(version)
	return b, true, nil
}

// ListHeld возвращает все незакрытые резервы.
func (r *Repository) ListHeld(ctx context.Context) ([]Reservation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, amount, state, ref, created_at
		FROM reservations
		WHERE state = 'held'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения резервов: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var (
			res   Reservation
			state string
		)
		if err := rows.Scan(&res.ID, &res.UserID, &res.Amount, &state, &res.Ref, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения резерва: %w", err)
		}
		res.State = ReservationState(state)
		out = append(out, res)
	}
	return out, rows.Err()
}

// Apply записывает мутацию атомарно: баланс, резерв, журнал.
//
// Баланс обновляется только если версия новее сохранённой, поэтому
// запоздавшая запись (например, досланная через Flush) не откатит счёт назад.
func (r *Repository) Apply(ctx context.Context, m Mutation) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO balances (user_id, points, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET points = EXCLUDED.points, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE balances.version < EXCLUDED.version
	`, m.Balance.UserID, m.Balance.Points, int64(m.Balance.Version), m.Balance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи баланса: %w", err)
	}

	if res := m.Reservation; res != nil {
		if res.State == Held {
			// Резерв, уже ушедший в архив, обратно не вставляем
			_, err = tx.Exec(ctx, `
				INSERT INTO reservations (id, user_id, amount, state, ref, created_at)
				SELECT $1::uuid, $2::bigint, $3::bigint, $4::varchar, $5::text, $6::timestamptz
				WHERE NOT EXISTS (SELECT 1 FROM reservations_archive WHERE id = $1::uuid)
				ON CONFLICT (id) DO NOTHING
			`, res.ID, res.UserID, res.Amount, string(res.State), res.Ref, res.CreatedAt)
		} else {
			_, err = tx.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, res.ID)
			if err == nil {
				_, err = tx.Exec(ctx, `
					INSERT INTO reservations_archive (id, user_id, amount, state, net_delta, ref, created_at, settled_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
					ON CONFLICT (id) DO NOTHING
				`, res.ID, res.UserID, res.Amount, string(res.State), res.NetDelta, res.Ref, res.CreatedAt, res.SettledAt)
			}
		}
		if err != nil {
			return fmt.Errorf("ошибка записи резерва: %w", err)
		}
	}

	j := m.Journal
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_journal (user_id, kind, delta, reservation_id, version, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, j.UserID, string(j.Kind), j.Delta, j.ReservationID, int64(j.Version), j.Reason, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала: %w", err)
	}

	return tx.Commit(ctx)
}

// Journal возвращает последние записи журнала пользователя (для админки).
func (r *Repository) Journal(ctx context.Context, userID int64, limit int) ([]JournalEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, kind, delta, reservation_id, version, reason, created_at
		FROM ledger_journal
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			j       JournalEntry
			kind    string
			version int64
		)
		if err := rows.Scan(&j.UserID, &kind, &j.Delta, &j.ReservationID, &version, &j.Reason, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения журнала: %w", err)
		}
		j.Kind = JournalKind(kind)
		j.Version = uint64(version)
		out = append(out, j)
	}
	return out, rows.Err()
}
