// Package flip — service.go координирует розыгрыш от резерва до записи активности.
package flip

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/random"
)

// Service проводит подбрасывания.
type Service struct {
	ledger   *ledger.Ledger
	recorder activity.Recorder
	rng      random.Source
	maxBet   int64
}

// NewService создаёт сервис. maxBet <= 0 — без лимита.
func NewService(l *ledger.Ledger, rec activity.Recorder, rng random.Source, maxBet int64) *Service {
	return &Service{ledger: l, recorder: rec, rng: rng, maxBet: maxBet}
}

// Play выполняет полный цикл: резерв → розыгрыш → расчёт → активность.
// Выигрыш платит 1:1, проигрыш забирает ставку.
func (s *Service) Play(ctx context.Context, userID int64, side Side, amount int64) (*Result, error) {
	if side != Heads && side != Tails {
		return nil, common.ErrInvalidSide
	}
	if amount <= 0 || (s.maxBet > 0 && amount > s.maxBet) {
		return nil, common.ErrInvalidAmount
	}

	roundID := uuid.New()
	res, err := s.ledger.Reserve(ctx, userID, amount, "flip:"+roundID.String())
	if err != nil {
		return nil, err
	}

	outcome := Heads
	if s.rng.IntN(2) == 1 {
		outcome = Tails
	}

	won := outcome == side
	delta := -amount
	multiplier := decimal.Zero
	if won {
		delta = amount
		multiplier = decimal.NewFromInt(2)
	}

	bal, err := s.ledger.Commit(ctx, res.ID, delta)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":        userID,
			"reservation_id": res.ID,
			"round_id":       roundID,
		}).Error("Не удалось рассчитать подбрасывание")
		return nil, fmt.Errorf("расчёт подбрасывания: %w", err)
	}

	result := &Result{
		RoundID:       roundID,
		ReservationID: res.ID,
		UserID:        userID,
		Side:          side,
		Outcome:       outcome,
		Amount:        amount,
		Delta:         delta,
		Balance:       bal.Points,
		Won:           won,
	}
	s.record(ctx, result, multiplier)

	return result, nil
}

func (s *Service) record(ctx context.Context, r *Result, multiplier decimal.Decimal) {
	if s.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	err := s.recorder.Append(ctx, activity.Entry{
		UserID:        r.UserID,
		GameType:      activity.GameFlip,
		PointsBet:     r.Amount,
		PointsProfit:  r.Delta,
		Multiplier:    multiplier,
		RoundID:       r.RoundID,
		ReservationID: r.ReservationID,
	})
	if err != nil {
		log.WithError(err).WithField("round_id", r.RoundID).Error("Не удалось записать активность подбрасывания")
	}

	err = s.recorder.ArchiveRound(ctx, activity.RoundArchive{
		RoundID:  r.RoundID,
		GameType: activity.GameFlip,
		Data:     activity.MarshalRound(r),
	})
	if err != nil {
		log.WithError(err).WithField("round_id", r.RoundID).Warn("Не удалось архивировать раунд")
	}
}
