// Package activity записывает результаты рассчитанных ставок: журнал активности,
// статистику игрока (с фактическим RTP) и архив завершённых раундов.
// models.go описывает структуры данных.
package activity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GameType — игра, в которой рассчитана ставка.
type GameType string

const (
	GameEscalator GameType = "escalator"
	GameFlip      GameType = "flip"
	GameGrid      GameType = "grid"
)

// Entry — неизменяемая запись об одной рассчитанной ставке.
// PointsProfit — чистый итог: +выигрыш или −ставка.
type Entry struct {
	ID            int64           `db:"id" json:"id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	GameType      GameType        `db:"game_type" json:"game_type"`
	PointsBet     int64           `db:"points_bet" json:"points_bet"`
	PointsProfit  int64           `db:"points_profit" json:"points_profit"`
	Multiplier    decimal.Decimal `db:"multiplier" json:"multiplier"`
	RoundID       uuid.UUID       `db:"round_id" json:"round_id"`
	ReservationID uuid.UUID       `db:"reservation_id" json:"reservation_id"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Stats — накопленная статистика игрока.
type Stats struct {
	UserID       int64     `db:"user_id" json:"user_id"`
	TotalRounds  int       `db:"total_rounds" json:"total_rounds"`
	TotalWagered int64     `db:"total_wagered" json:"total_wagered"`
	TotalWon     int64     `db:"total_won" json:"total_won"` // сумма возвратов: ставка + прибыль
	BiggestWin   int64     `db:"biggest_win" json:"biggest_win"`
	RTP          float64   `db:"rtp" json:"rtp"` // фактический RTP в процентах
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Add учитывает одну ставку. Формулы совпадают с upsert в repository.go.
func (s *Stats) Add(e Entry) {
	returned := e.PointsBet + e.PointsProfit
	s.TotalRounds++
	s.TotalWagered += e.PointsBet
	s.TotalWon += returned
	if e.PointsProfit > s.BiggestWin {
		s.BiggestWin = e.PointsProfit
	}
	if s.TotalWagered > 0 {
		s.RTP = float64(s.TotalWon) / float64(s.TotalWagered) * 100
	}
	s.UpdatedAt = e.CreatedAt
}

// RoundArchive — завершённый раунд целиком (точка краша, поле с минами и т.д.).
type RoundArchive struct {
	RoundID   uuid.UUID       `db:"round_id" json:"round_id"`
	GameType  GameType        `db:"game_type" json:"game_type"`
	Data      json.RawMessage `db:"game_data" json:"game_data"`
	SettledAt time.Time       `db:"settled_at" json:"settled_at"`
}

// MarshalRound сериализует данные раунда для архива.
// Ошибку сериализации не возвращаем: в архив уйдёт пустой объект.
func MarshalRound(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
