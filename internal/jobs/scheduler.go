// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: тики очереди справедливости, досылку
// записей леджера, уборку брошенных игр, сессий и старых попыток входа.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Job — одна периодическая задача.
type Job struct {
	Name string
	Spec string // cron-выражение или @every
	Run  func(ctx context.Context) error
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

// NewScheduler создаёт планировщик задач с московским часовым поясом.
// Задача, которая не успела завершиться к следующему запуску, пропускает его.
func NewScheduler(jobs ...Job) *Scheduler {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		log.WithError(err).Warn("Не удалось загрузить Europe/Moscow, используем UTC+3")
		loc = time.FixedZone("MSK", 3*60*60)
	}

	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &Scheduler{cron: c, jobs: jobs}
}

// Start регистрирует задачи и запускает планировщик.
// ctx передаётся каждой задаче; его отмена не останавливает cron, для этого Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.Spec, s.wrap(ctx, j)); err != nil {
			return fmt.Errorf("задача %s: некорректное расписание %q: %w", j.Name, j.Spec, err)
		}
	}

	s.cron.Start()
	log.WithField("jobs", len(s.jobs)).Info("Планировщик задач запущен (Europe/Moscow)")
	return nil
}

func (s *Scheduler) wrap(ctx context.Context, j Job) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		if err := j.Run(ctx); err != nil {
			log.WithError(err).WithField("job", j.Name).Error("[CRON] Ошибка задачи")
		}
	}
}

// Stop останавливает планировщик и ждёт завершения запущенных задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
