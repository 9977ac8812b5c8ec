// Package admin реализует админ-доступ по ключу.
// models.go описывает попытки входа и тела запросов админ-API.
package admin

import (
	"time"

	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/features/pool"
)

// LoginAttempt — попытка входа (для защиты от brute-force).
type LoginAttempt struct {
	Remote      string    `db:"remote"`
	AttemptTime time.Time `db:"attempt_time"`
	Success     bool      `db:"success"`
}

// SessionRequest — тело POST /admin/sessions.
type SessionRequest struct {
	UserID int64 `json:"user_id"`
}

// CreditRequest — тело POST /admin/credit. Отрицательная сумма списывает очки.
type CreditRequest struct {
	UserID int64  `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// UserReport — ответ GET /admin/users/{id}.
type UserReport struct {
	Balance ledger.Balance        `json:"balance"`
	Held    int                   `json:"held_reservations"`
	Stats   *activity.Stats       `json:"stats,omitempty"`
	Stake   *pool.Stake           `json:"pool_stake,omitempty"`
	Journal []ledger.JournalEntry `json:"journal,omitempty"`
}

// Лимиты защиты от перебора ключа.
const (
	maxFailures   = 3
	lockoutPeriod = time.Hour
)
