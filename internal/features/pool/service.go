// Package pool — service.go применяет вклады и выводы на тиках очереди.
package pool

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/fairness"
	"serotonyl.ru/wager/internal/features/ledger"
)

// Service переводит очки между балансом и пулом.
type Service struct {
	ledger *ledger.Ledger
	store  Store
}

// NewService создаёт сервис пула.
func NewService(l *ledger.Ledger, store Store) *Service {
	return &Service{ledger: l, store: store}
}

// Register регистрирует обработчики pool.stake и pool.unstake в очереди.
func (s *Service) Register(q *fairness.Queue) {
	q.Register(KindStake, fairness.HandlerFunc(s.handleStake))
	q.Register(KindUnstake, fairness.HandlerFunc(s.handleUnstake))
}

func parsePayload(a fairness.PendingAction) (int64, error) {
	var p Payload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrInvalidPayload, err)
	}
	if p.Amount <= 0 {
		return 0, common.ErrInvalidAmount
	}
	return p.Amount, nil
}

// handleStake списывает очки с баланса и добавляет их во вклад.
func (s *Service) handleStake(ctx context.Context, a fairness.PendingAction) error {
	amount, err := parsePayload(a)
	if err != nil {
		return err
	}

	reason := KindStake + ":" + a.ID.String()
	if _, err := s.ledger.Adjust(ctx, a.UserID, -amount, reason); err != nil {
		return fmt.Errorf("списание для пула: %w", err)
	}

	stake, err := s.store.AddStake(ctx, a.UserID, amount)
	if err != nil {
		// Вклад не записан: возвращаем очки
		if _, rerr := s.ledger.Adjust(ctx, a.UserID, amount, reason+":refund"); rerr != nil {
			log.WithError(rerr).WithFields(log.Fields{
				"user_id":   a.UserID,
				"action_id": a.ID,
				"amount":    amount,
			}).Error("Не удалось вернуть очки после ошибки пула")
		}
		return fmt.Errorf("запись вклада: %w", err)
	}

	log.WithFields(log.Fields{
		"user_id": a.UserID,
		"amount":  amount,
		"stake":   stake,
	}).Info("Вклад в пул принят")
	return nil
}

// handleUnstake уменьшает вклад и возвращает очки на баланс.
func (s *Service) handleUnstake(ctx context.Context, a fairness.PendingAction) error {
	amount, err := parsePayload(a)
	if err != nil {
		return err
	}

	stake, err := s.store.AddStake(ctx, a.UserID, -amount)
	if err != nil {
		return err
	}

	reason := KindUnstake + ":" + a.ID.String()
	if _, err := s.ledger.Adjust(ctx, a.UserID, amount, reason); err != nil {
		if _, serr := s.store.AddStake(ctx, a.UserID, amount); serr != nil {
			log.WithError(serr).WithFields(log.Fields{
				"user_id":   a.UserID,
				"action_id": a.ID,
				"amount":    amount,
			}).Error("Не удалось восстановить вклад после ошибки леджера")
		}
		return fmt.Errorf("зачисление из пула: %w", err)
	}

	log.WithFields(log.Fields{
		"user_id": a.UserID,
		"amount":  amount,
		"stake":   stake,
	}).Info("Вывод из пула выполнен")
	return nil
}

// Stake возвращает вклад пользователя.
func (s *Service) Stake(ctx context.Context, userID int64) (Stake, error) {
	return s.store.Stake(ctx, userID)
}

// Total возвращает размер пула.
func (s *Service) Total(ctx context.Context) (int64, error) {
	return s.store.Total(ctx)
}
