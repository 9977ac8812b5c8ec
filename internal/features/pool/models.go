// Package pool — общий пул ставок. Вклад и вывод из пула — отложенные действия:
// они попадают в очередь справедливости и применяются на ближайшем тике.
package pool

import (
	"errors"
	"time"
)

// Типы действий, которые пул регистрирует в очереди.
const (
	KindStake   = "pool.stake"
	KindUnstake = "pool.unstake"
)

// ErrInsufficientStake — в пуле у пользователя меньше, чем он хочет вывести.
var ErrInsufficientStake = errors.New("недостаточно очков в пуле")

// Payload — данные действий pool.stake и pool.unstake.
type Payload struct {
	Amount int64 `json:"amount"`
}

// Stake — вклад пользователя в пул.
type Stake struct {
	UserID    int64     `json:"user_id"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}
