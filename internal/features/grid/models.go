// Package grid — игра «мины»: поле rows×cols, в скрытых клетках мины.
// Каждая открытая безопасная клетка повышает множитель; мина сжигает ставку.
package grid

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Phase — фаза игры.
type Phase string

const (
	Active    Phase = "active"
	CashedOut Phase = "cashed_out"
	Busted    Phase = "busted"
)

// Состояния клетки в снимке поля.
const (
	CellHidden   = "hidden"
	CellRevealed = "revealed"
	CellMine     = "mine"
)

// Game — одна игра пользователя.
type Game struct {
	ID            uuid.UUID
	UserID        int64
	Amount        int64
	MineCount     int
	Rows, Cols    int
	ReservationID uuid.UUID
	StartedAt     time.Time

	mu         sync.Mutex
	pending    bool // резерв ещё не подтверждён
	mines      []bool
	revealed   []bool
	safe       int // открыто безопасных клеток
	multiplier decimal.Decimal
	phase      Phase
	lastAction time.Time
}

// View — снимок игры для клиента. Мины показываются только после окончания.
type View struct {
	GameID         uuid.UUID       `json:"game_id"`
	ReservationID  uuid.UUID       `json:"reservation_id"`
	Phase          Phase           `json:"phase"`
	Board          [][]string      `json:"board_state"`
	MineCount      int             `json:"mine_count"`
	Revealed       int             `json:"revealed"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	NextMultiplier decimal.Decimal `json:"next_multiplier"`
	Amount         int64           `json:"amount"`
}

// Settlement — итог законченной игры.
type Settlement struct {
	GameID        uuid.UUID       `json:"game_id"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	UserID        int64           `json:"user_id"`
	Amount        int64           `json:"amount"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	Delta         int64           `json:"delta"`
	Balance       int64           `json:"new_balance"`
	Phase         Phase           `json:"phase"`
}

// RevealResult — итог открытия клетки. Settlement заполнен, если игра закончилась.
type RevealResult struct {
	View       View        `json:"view"`
	Mine       bool        `json:"mine"`
	Settlement *Settlement `json:"settlement,omitempty"`
}
