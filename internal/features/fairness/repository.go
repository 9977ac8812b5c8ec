// Package fairness — repository.go хранит блоки и dead letters в PostgreSQL.
package fairness

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wager/internal/common"
)

// Repository реализует Store поверх pgxpool.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий очереди.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const blockColumns = `block_number, seed, processed_ids, results, created_at, prev_hash, hash`

func scanBlock(row pgx.Row) (*BlockRecord, error) {
	var (
		b       BlockRecord
		number  int64
		ids     []byte
		results []byte
	)
	if err := row.Scan(&number, &b.Seed, &ids, &results, &b.Timestamp, &b.PrevHash, &b.Hash); err != nil {
		return nil, err
	}
	b.BlockNumber = uint64(number)
	b.Timestamp = b.Timestamp.UTC()
	if err := json.Unmarshal(ids, &b.ProcessedIDs); err != nil {
		return nil, fmt.Errorf("блок %d: processed_ids: %w", number, err)
	}
	if err := json.Unmarshal(results, &b.Results); err != nil {
		return nil, fmt.Errorf("блок %d: results: %w", number, err)
	}
	return &b, nil
}

// LastBlock возвращает блок с наибольшим номером.
func (r *Repository) LastBlock(ctx context.Context) (*BlockRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+blockColumns+` FROM fairness_blocks ORDER BY block_number DESC LIMIT 1`)
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения последнего блока: %w", err)
	}
	return b, nil
}

// SaveBlock сохраняет блок. Повторная запись того же номера игнорируется.
func (r *Repository) SaveBlock(ctx context.Context, b *BlockRecord) error {
	ids, err := json.Marshal(b.ProcessedIDs)
	if err != nil {
		return err
	}
	results, err := json.Marshal(b.Results)
	if err != nil {
		return err
	}
	if _, err := hex.DecodeString(b.Seed); err != nil {
		return fmt.Errorf("некорректный сид блока %d: %w", b.BlockNumber, err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO fairness_blocks (`+blockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (block_number) DO NOTHING
	`, int64(b.BlockNumber), b.Seed, ids, results, b.Timestamp, b.PrevHash, b.Hash)
	if err != nil {
		return fmt.Errorf("ошибка сохранения блока %d: %w", b.BlockNumber, err)
	}
	return nil
}

// Block возвращает блок по номеру.
func (r *Repository) Block(ctx context.Context, number uint64) (*BlockRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+blockColumns+` FROM fairness_blocks WHERE block_number = $1`, int64(number))
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения блока %d: %w", number, err)
	}
	return b, nil
}

// Blocks возвращает диапазон блоков.
func (r *Repository) Blocks(ctx context.Context, from, to uint64) ([]BlockRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+blockColumns+`
		FROM fairness_blocks
		WHERE block_number BETWEEN $1 AND $2
		ORDER BY block_number
	`, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения блоков: %w", err)
	}
	defer rows.Close()

	var out []BlockRecord
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// SaveDeadLetter сохраняет действие, исчерпавшее попытки.
func (r *Repository) SaveDeadLetter(ctx context.Context, d DeadLetter) error {
	a := d.Action
	_, err := r.db.Exec(ctx, `
		INSERT INTO fairness_dead_letters (action_id, user_id, kind, payload, attempts, last_error, reason, enqueued_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (action_id) DO NOTHING
	`, a.ID, a.UserID, a.Kind, a.Payload, a.Attempts, a.LastError, d.Reason, a.EnqueuedAt, d.FailedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения dead letter: %w", err)
	}
	return nil
}

// DeadLetters возвращает последние dead letters.
func (r *Repository) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := r.db.Query(ctx, `
		SELECT action_id, user_id, kind, payload, attempts, last_error, reason, enqueued_at, failed_at
		FROM fairness_dead_letters
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d       DeadLetter
			payload []byte
		)
		err := rows.Scan(&d.Action.ID, &d.Action.UserID, &d.Action.Kind, &payload,
			&d.Action.Attempts, &d.Action.LastError, &d.Reason, &d.Action.EnqueuedAt, &d.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения dead letter: %w", err)
		}
		d.Action.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}
