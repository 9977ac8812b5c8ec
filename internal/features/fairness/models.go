// Package fairness — очередь отложенных действий, которые применяются пачками по тикам.
//
// На каждом тике очередь берёт свежий сид, строит из него взвешенную случайную
// перестановку ожидающих действий (чем дольше ждёт действие, тем больше его вес),
// обрабатывает первые MaxPerTick и записывает блок с сидом и результатами.
// Блоки связаны хешами, поэтому любой порядок можно проверить задним числом.
package fairness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PendingAction — действие в очереди.
type PendingAction struct {
	ID         uuid.UUID       `json:"id"`
	UserID     int64           `json:"user_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// Статусы результата действия в блоке.
const (
	StatusOK     = "ok"
	StatusFailed = "failed" // будет повторено на следующих тиках
	StatusDead   = "dead"   // попытки исчерпаны, действие в dead letters
)

// ActionResult — итог обработки одного действия на тике.
type ActionResult struct {
	ActionID uuid.UUID `json:"action_id"`
	UserID   int64     `json:"user_id"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error,omitempty"`
}

// BlockRecord — запись одного тика. Неизменяема после создания.
type BlockRecord struct {
	BlockNumber  uint64         `json:"block_number"`
	Seed         string         `json:"seed"` // hex, 32 байта
	ProcessedIDs []uuid.UUID    `json:"processed_ids"`
	Results      []ActionResult `json:"results"`
	Timestamp    time.Time      `json:"timestamp"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash"`
}

// DeadLetter — действие, исчерпавшее попытки.
type DeadLetter struct {
	Action   PendingAction `json:"action"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failed_at"`
}

// Handler применяет действие. Ошибка означает повтор на следующих тиках.
type Handler interface {
	Handle(ctx context.Context, a PendingAction) error
}

// HandlerFunc — функция как Handler.
type HandlerFunc func(ctx context.Context, a PendingAction) error

func (f HandlerFunc) Handle(ctx context.Context, a PendingAction) error { return f(ctx, a) }
