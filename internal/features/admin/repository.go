// Package admin — repository.go работает с таблицей admin_login_attempts.
package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptStore учитывает попытки входа.
type AttemptStore interface {
	LogAttempt(ctx context.Context, remote string, success bool) error
	// RecentFailures возвращает число неудачных попыток с адреса начиная с since.
	RecentFailures(ctx context.Context, remote string, since time.Time) (int, error)
}

// Repository — AttemptStore поверх PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// LogAttempt записывает попытку входа.
func (r *Repository) LogAttempt(ctx context.Context, remote string, success bool) error {
	query := `INSERT INTO admin_login_attempts (remote, success) VALUES ($1, $2)`
	if _, err := r.db.Exec(ctx, query, remote, success); err != nil {
		return fmt.Errorf("ошибка записи попытки входа: %w", err)
	}
	return nil
}

// RecentFailures возвращает количество неудачных попыток за период.
func (r *Repository) RecentFailures(ctx context.Context, remote string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM admin_login_attempts
		WHERE remote = $1 AND success = FALSE AND attempt_time >= $2
	`
	var count int
	err := r.db.QueryRow(ctx, query, remote, since).Scan(&count)
	return count, err
}

// PurgeAttempts удаляет попытки старше before. Вызывается планировщиком.
func (r *Repository) PurgeAttempts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM admin_login_attempts WHERE attempt_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки попыток входа: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryAttempts — AttemptStore в памяти.
type MemoryAttempts struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts []LoginAttempt
}

// NewMemoryAttempts создаёт пустой учёт попыток.
func NewMemoryAttempts(now func() time.Time) *MemoryAttempts {
	if now == nil {
		now = time.Now
	}
	return &MemoryAttempts{now: now}
}

func (m *MemoryAttempts) LogAttempt(_ context.Context, remote string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, LoginAttempt{Remote: remote, AttemptTime: m.now(), Success: success})
	return nil
}

func (m *MemoryAttempts) RecentFailures(_ context.Context, remote string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.Remote == remote && !a.Success && !a.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}
