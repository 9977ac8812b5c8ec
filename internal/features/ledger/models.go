// Package ledger — единственный владелец балансов очков.
// models.go описывает балансы, резервы и записи журнала.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Balance — баланс пользователя.
// Инвариант: Points >= 0. Version растёт на каждой успешной мутации.
type Balance struct {
	UserID    int64     `db:"user_id" json:"user_id"`
	Points    int64     `db:"points" json:"points"`
	Version   uint64    `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ReservationState — состояние резерва. Из Held ровно один переход: в Committed или в Released.
type ReservationState string

const (
	Held      ReservationState = "held"
	Committed ReservationState = "committed"
	Released  ReservationState = "released"
)

// Reservation — удержание очков до исхода ставки.
type Reservation struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	UserID    int64            `db:"user_id" json:"user_id"`
	Amount    int64            `db:"amount" json:"amount"`
	State     ReservationState `db:"state" json:"state"`
	Ref       string           `db:"ref" json:"ref"` // игра и раунд, например "flip:<round_id>"
	NetDelta  int64            `db:"net_delta" json:"net_delta"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	SettledAt *time.Time       `db:"settled_at" json:"settled_at,omitempty"`
}

// JournalKind — тип записи журнала.
type JournalKind string

const (
	JournalReserve JournalKind = "reserve"
	JournalCommit  JournalKind = "commit"
	JournalRelease JournalKind = "release"
	JournalAdjust  JournalKind = "adjust"
)

// JournalEntry — одна строка аудита леджера. Delta — изменение доступных очков.
type JournalEntry struct {
	UserID        int64       `db:"user_id"`
	Kind          JournalKind `db:"kind"`
	Delta         int64       `db:"delta"`
	ReservationID *uuid.UUID  `db:"reservation_id"`
	Version       uint64      `db:"version"`
	Reason        string      `db:"reason"`
	CreatedAt     time.Time   `db:"created_at"`
}

// Mutation — всё, что нужно записать в хранилище после одной операции:
// снимок баланса, новое состояние резерва (если есть) и запись журнала.
type Mutation struct {
	Balance     Balance
	Reservation *Reservation
	Journal     JournalEntry
}

func (r *Reservation) clone() *Reservation {
	c := *r
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}
