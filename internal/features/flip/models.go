// Package flip — подбрасывание монеты: один розыгрыш, расчёт сразу.
package flip

import (
	"strings"

	"github.com/google/uuid"

	"serotonyl.ru/wager/internal/common"
)

// Side — сторона монеты.
type Side string

const (
	Heads Side = "heads"
	Tails Side = "tails"
)

// ParseSide разбирает сторону из сообщения клиента.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Heads:
		return Heads, nil
	case Tails:
		return Tails, nil
	}
	return "", common.ErrInvalidSide
}

// Result — итог одного подбрасывания.
type Result struct {
	RoundID       uuid.UUID `json:"round_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	UserID        int64     `json:"user_id"`
	Side          Side      `json:"side"`
	Outcome       Side      `json:"outcome"`
	Amount        int64     `json:"amount"`
	Delta         int64     `json:"delta"`
	Balance       int64     `json:"new_balance"`
	Won           bool      `json:"won"`
}
