// Package realtime — WebSocket-транспорт движка: каналы игр, маршрутизация
// сообщений клиентов и рассылка состояния раундов.
//
// Каждое сообщение в обе стороны — конверт {"type": ..., "data": {...}}.
package realtime

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"serotonyl.ru/wager/internal/features/escalator"
)

// Каналы.
const (
	ChannelEscalator = "escalator"
	ChannelFlip      = "flip"
	ChannelGrid      = "grid"
)

// Типы сообщений клиента.
const (
	MsgJoin       = "join"
	MsgPlaceBet   = "place_bet"
	MsgRevealCell = "reveal_cell"
	MsgCashout    = "cashout"
	MsgCancelBet  = "cancel_bet"
	MsgEnqueue    = "enqueue"
)

// Типы сообщений сервера.
const (
	MsgJoined      = "joined"
	MsgRoundState  = "round_state"
	MsgBetAccepted = "bet_accepted"
	MsgSettlement  = "settlement"
	MsgError       = "error"
	MsgQueued      = "queued"
)

// Envelope — конверт сообщения.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type joinRequest struct {
	Token string `json:"token"`
}

type placeBetRequest struct {
	Amount    int64  `json:"amount"`
	Side      string `json:"side,omitempty"`
	MineCount int    `json:"mine_count,omitempty"`
}

type revealRequest struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

type enqueueRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type joinedMessage struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

type betAccepted struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	RoundID       uuid.UUID `json:"round_id,omitempty"`
	Amount        int64     `json:"amount"`
}

type errorMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type queuedMessage struct {
	ActionID uuid.UUID `json:"action_id"`
	Kind     string    `json:"kind"`
}

// escalatorState — round_state канала escalator. time_remaining в миллисекундах.
type escalatorState struct {
	RoundID       uuid.UUID        `json:"round_id"`
	Phase         escalator.Phase  `json:"phase"`
	Multiplier    decimal.Decimal  `json:"multiplier"`
	TimeRemaining int64            `json:"time_remaining"`
	Bets          int              `json:"bets"`
	CrashPoint    *decimal.Decimal `json:"crash_point,omitempty"`
}

func newEscalatorState(s escalator.State) escalatorState {
	return escalatorState{
		RoundID:       s.RoundID,
		Phase:         s.Phase,
		Multiplier:    s.Multiplier,
		TimeRemaining: s.TimeRemaining.Milliseconds(),
		Bets:          s.Bets,
		CrashPoint:    s.CrashPoint,
	}
}

// encode собирает конверт. Ошибка маршалинга здесь — ошибка программы.
func encode(msgType string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(`{}`)
	}
	out, _ := json.Marshal(Envelope{Type: msgType, Data: raw})
	return out
}
