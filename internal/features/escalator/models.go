// Package escalator — краш-игра: множитель растёт от 1.00, пока не достигнет
// заранее разыгранной точки краша. Игрок должен забрать выигрыш до краша.
package escalator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Phase — фаза раунда.
type Phase string

const (
	Betting Phase = "betting"
	Running Phase = "running"
	Crashed Phase = "crashed"
)

// Settlement — итог одной ставки.
type Settlement struct {
	RoundID       uuid.UUID       `json:"round_id"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	UserID        int64           `json:"user_id"`
	Amount        int64           `json:"amount"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	Delta         int64           `json:"delta"`
	Balance       int64           `json:"new_balance"`
	CashedOut     bool            `json:"cashed_out"`
}

// State — снимок раунда для рассылки клиентам.
// CrashPoint раскрывается только после краша.
type State struct {
	RoundID       uuid.UUID        `json:"round_id"`
	Phase         Phase            `json:"phase"`
	Multiplier    decimal.Decimal  `json:"multiplier"`
	TimeRemaining time.Duration    `json:"-"`
	Bets          int              `json:"bets"`
	CrashPoint    *decimal.Decimal `json:"crash_point,omitempty"`
}

// bet — ставка игрока в раунде. Поля ниже mu раунда читаются и пишутся под ним.
type bet struct {
	userID        int64
	amount        int64
	reservationID uuid.UUID
	placedAt      time.Time

	pending    bool // резерв ещё не подтверждён леджером
	claimed    bool // исход уже определён (кэшаут или краш)
	cashedOut  bool
	multiplier decimal.Decimal

	// done закрывается после Commit; settlement и err пишутся до закрытия.
	done       chan struct{}
	settlement Settlement
	err        error
}

// Round — один раунд эскалатора.
type Round struct {
	ID            uuid.UUID
	CreatedAt     time.Time
	BettingEndsAt time.Time
	CrashPoint    decimal.Decimal

	mu        sync.Mutex
	phase     Phase
	startedAt time.Time
	crashAt   time.Time
	crashedAt time.Time
	bets      map[int64]*bet
}

// archivedBet — ставка в архиве раунда.
type archivedBet struct {
	UserID     int64           `json:"user_id"`
	Amount     int64           `json:"amount"`
	CashedOut  bool            `json:"cashed_out"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// archivedRound — то, что уходит в rounds_archive.
type archivedRound struct {
	RoundID    uuid.UUID       `json:"round_id"`
	CrashPoint decimal.Decimal `json:"crash_point"`
	StartedAt  time.Time       `json:"started_at"`
	CrashedAt  time.Time       `json:"crashed_at"`
	Bets       []archivedBet   `json:"bets"`
}
