package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/features/fairness"
)

// Ticker — очередь справедливости.
type Ticker interface {
	Tick(ctx context.Context) (*fairness.BlockRecord, error)
}

// Flusher досылает неудачные записи леджера.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// IdleSweeper закрывает брошенные игры.
type IdleSweeper interface {
	SweepIdle(ctx context.Context) int
}

// SessionSweeper удаляет истёкшие сессии.
type SessionSweeper interface {
	Sweep() int
}

// AttemptPurger удаляет старые попытки входа.
type AttemptPurger interface {
	PurgeAttempts(ctx context.Context, before time.Time) (int64, error)
}

// FairnessTick каждый тик обрабатывает пачку действий и пишет блок.
func FairnessTick(spec string, q Ticker) Job {
	return Job{Name: "fairness.tick", Spec: spec, Run: func(ctx context.Context) error {
		b, err := q.Tick(ctx)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"block":     b.BlockNumber,
			"processed": len(b.ProcessedIDs),
		}).Debug("[CRON] Блок записан")
		return nil
	}}
}

// LedgerFlush досылает записи, которые не дошли до БД.
func LedgerFlush(spec string, l Flusher) Job {
	return Job{Name: "ledger.flush", Spec: spec, Run: func(ctx context.Context) error {
		n, err := l.Flush(ctx)
		if n > 0 {
			log.WithField("written", n).Info("[CRON] Досланы записи леджера")
		}
		return err
	}}
}

// GridSweep закрывает игры, брошенные дольше таймаута.
func GridSweep(spec string, g IdleSweeper) Job {
	return Job{Name: "grid.sweep", Spec: spec, Run: func(ctx context.Context) error {
		if n := g.SweepIdle(ctx); n > 0 {
			log.WithField("games", n).Info("[CRON] Закрыты брошенные игры")
		}
		return nil
	}}
}

// SessionSweep удаляет истёкшие сессии.
func SessionSweep(spec string, r SessionSweeper) Job {
	return Job{Name: "sessions.sweep", Spec: spec, Run: func(context.Context) error {
		if n := r.Sweep(); n > 0 {
			log.WithField("sessions", n).Debug("[CRON] Удалены истёкшие сессии")
		}
		return nil
	}}
}

// AttemptPurge удаляет попытки входа старше keep.
func AttemptPurge(spec string, p AttemptPurger, keep time.Duration) Job {
	return Job{Name: "admin.purge_attempts", Spec: spec, Run: func(ctx context.Context) error {
		n, err := p.PurgeAttempts(ctx, time.Now().Add(-keep))
		if n > 0 {
			log.WithField("attempts", n).Info("[CRON] Очищены старые попытки входа")
		}
		return err
	}}
}
