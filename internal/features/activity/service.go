// Package activity — service.go: запись результатов с повторами и чтение статистики.
package activity

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
)

// Recorder принимает результаты рассчитанных ставок.
// Игры вызывают его после Commit, вне своих блокировок.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
	ArchiveRound(ctx context.Context, a RoundArchive) error
}

// Service реализует Recorder поверх Repository.
type Service struct {
	repo  *Repository
	retry common.RetryPolicy
	now   func() time.Time
}

// NewService создаёт сервис активности.
func NewService(repo *Repository, retry common.RetryPolicy) *Service {
	return &Service{repo: repo, retry: retry, now: time.Now}
}

// Append сохраняет запись. Повторяет запись при сбоях БД; ставка к этому моменту
// уже рассчитана, поэтому итоговая ошибка только логируется вызывающим.
func (s *Service) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	err := common.Retry(ctx, s.retry, "activity.append", func() error {
		return s.repo.SaveEntry(ctx, &e)
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"user_id":  e.UserID,
		"game":     e.GameType,
		"bet":      e.PointsBet,
		"profit":   common.FormatPoints(e.PointsProfit),
		"round_id": e.RoundID,
	}).Info("Ставка рассчитана")
	return nil
}

// ArchiveRound сохраняет завершённый раунд.
func (s *Service) ArchiveRound(ctx context.Context, a RoundArchive) error {
	if a.SettledAt.IsZero() {
		a.SettledAt = s.now()
	}
	return common.Retry(ctx, s.retry, "activity.archive_round", func() error {
		return s.repo.SaveRound(ctx, &a)
	})
}

// GetStats возвращает статистику игрока.
func (s *Service) GetStats(ctx context.Context, userID int64) (*Stats, error) {
	return s.repo.GetStats(ctx, userID)
}

// Recent возвращает последние ставки игрока.
func (s *Service) Recent(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.Recent(ctx, userID, limit)
}
