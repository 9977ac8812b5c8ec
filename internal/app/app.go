// Package app инициализирует все компоненты движка.
// app.go — точка сборки: создаёт БД-пул, репозитории, леджер, игры, очередь,
// WebSocket-сервер и админ-API и связывает их в один объект App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/config"
	"serotonyl.ru/wager/internal/db/postgres"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/admin"
	"serotonyl.ru/wager/internal/features/escalator"
	"serotonyl.ru/wager/internal/features/fairness"
	"serotonyl.ru/wager/internal/features/flip"
	"serotonyl.ru/wager/internal/features/grid"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/features/pool"
	"serotonyl.ru/wager/internal/features/sessions"
	"serotonyl.ru/wager/internal/jobs"
	"serotonyl.ru/wager/internal/random"
	"serotonyl.ru/wager/internal/realtime"
	"serotonyl.ru/wager/internal/realtime/middleware"
)

// App содержит все компоненты приложения.
type App struct {
	cfg *config.Config

	DB        *pgxpool.Pool
	Ledger    *ledger.Ledger
	Engine    *escalator.Engine
	Queue     *fairness.Queue
	Hub       *realtime.Hub
	Scheduler *jobs.Scheduler
	Server    *http.Server
	Limiter   *middleware.RateLimiter

	// work — контекст обработки сообщений и фоновых задач. Отменяется
	// последним, когда соединения закрыты и очередь остановлена.
	work       context.Context
	cancelWork context.CancelFunc
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	step, err := decimal.NewFromString(cfg.EscalatorStep)
	if err != nil {
		return nil, fmt.Errorf("ESCALATOR_STEP: %w", err)
	}
	maxCrash, err := decimal.NewFromString(cfg.EscalatorMaxCrash)
	if err != nil {
		return nil, fmt.Errorf("ESCALATOR_MAX_CRASH: %w", err)
	}
	gridEdge, err := decimal.NewFromString(cfg.GridHouseEdge)
	if err != nil {
		return nil, fmt.Errorf("GRID_HOUSE_EDGE: %w", err)
	}

	// === 1. База данных ===
	db, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	if err := postgres.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}

	retry := common.RetryPolicy{
		MaxTries:     cfg.LedgerRetryAttempts,
		InitialDelay: cfg.LedgerRetryInitial,
		MaxDelay:     cfg.LedgerRetryMax,
	}

	// === 2. Репозитории ===
	ledgerRepo := ledger.NewRepository(db)
	activityRepo := activity.NewRepository(db)
	fairnessRepo := fairness.NewRepository(db)
	poolRepo := pool.NewRepository(db)
	adminRepo := admin.NewRepository(db)

	// === 3. Леджер и восстановление после рестарта ===
	l := ledger.New(ledgerRepo, ledger.WithRetry(retry))
	if _, err := l.RecoverHeld(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка восстановления резервов: %w", err)
	}

	// === 4. Сервисы ===
	rng := random.NewCrypto()
	recorder := activity.NewService(activityRepo, retry)
	registry, issuer := sessions.New(cfg.SessionTTL)
	hub := realtime.NewHub()

	engine := escalator.NewEngine(escalator.Config{
		BettingDuration: cfg.EscalatorBettingDuration,
		TickInterval:    cfg.EscalatorTickInterval,
		Cooldown:        cfg.EscalatorCooldown,
		Step:            step,
		HouseEdge:       cfg.EscalatorHouseEdge,
		MaxCrash:        maxCrash,
		MaxBet:          cfg.EscalatorMaxBet,
	}, l, recorder, rng, escalator.WithBroadcaster(hub))

	flipService := flip.NewService(l, recorder, rng, cfg.FlipMaxBet)
	gridService := grid.NewService(grid.Config{
		Rows:        cfg.GridRows,
		Cols:        cfg.GridCols,
		MaxMines:    cfg.GridMaxMines,
		HouseEdge:   gridEdge,
		MaxBet:      cfg.GridMaxBet,
		IdleTimeout: cfg.GridIdleTimeout,
	}, l, recorder, rng)

	queue := fairness.New(fairness.Config{
		MaxPerTick:  cfg.FairnessMaxPerTick,
		Capacity:    cfg.FairnessQueueCap,
		MaxAttempts: cfg.FairnessMaxAttempts,
		BucketWidth: cfg.FairnessBucketWidth,
		MaxWait:     cfg.FairnessMaxWait,
	}, fairnessRepo, rng, fairness.WithRetry(retry))

	poolService := pool.NewService(l, poolRepo)
	poolService.Register(queue)

	// === 5. Транспорт ===
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))

	gate := realtime.NewGate(registry, map[string]bool{
		realtime.ChannelEscalator: cfg.FeatureEscalatorEnabled,
		realtime.ChannelFlip:      cfg.FeatureFlipEnabled,
		realtime.ChannelGrid:      cfg.FeatureGridEnabled,
	})
	router := realtime.NewRouter(realtime.Games{
		Escalator: engine,
		Flip:      flipService,
		Grid:      gridService,
		Queue:     queue,
		Ledger:    l,
	}, gate, hub)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)

	wsServer := realtime.NewServer(work, realtime.Config{
		MaxInflight:    cfg.WSMaxInflight,
		SendBuffer:     cfg.WSSendBuffer,
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	}, hub, router, gate, queue, limiter, db.Ping)

	adminHandler := admin.NewHandler(admin.Deps{
		Service: admin.NewService(adminRepo, cfg.AdminKeyHash),
		Issuer:  issuer,
		Ledger:  l,
		Queue:   queue,
		Stats:   recorder,
		Journal: ledgerRepo,
		Pool:    poolService,
	})

	mux := http.NewServeMux()
	wsServer.Register(mux)
	adminHandler.Register(mux)

	// === 6. Планировщик задач ===
	scheduler := jobs.NewScheduler(
		jobs.FairnessTick(cfg.FairnessTickSpec, queue),
		jobs.LedgerFlush(cfg.LedgerFlushSpec, l),
		jobs.GridSweep(cfg.GridSweepSpec, gridService),
		jobs.SessionSweep(cfg.SessionSweepSpec, registry),
		jobs.AttemptPurge(cfg.AdminAttemptsPurgeSpec, adminRepo, cfg.AdminAttemptsKeep),
	)

	return &App{
		cfg:       cfg,
		DB:        db,
		Ledger:    l,
		Engine:    engine,
		Queue:     queue,
		Hub:       hub,
		Scheduler: scheduler,
		Limiter:   limiter,
		Server: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           middleware.Logging(middleware.Recovery(mux)),
			ReadHeaderTimeout: 10 * time.Second,
		},
		work:       work,
		cancelWork: cancelWork,
	}, nil
}

// Run запускает эскалатор, планировщик и HTTP-сервер и блокируется до отмены ctx.
// После отмены останавливает всё по порядку: новые соединения, клиенты,
// очередь и cron, затем возвращает висящие резервы и досылает записи.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(a.work); err != nil {
		return err
	}

	var engineDone sync.WaitGroup
	if a.cfg.FeatureEscalatorEnabled {
		engineDone.Add(1)
		go func() {
			defer engineDone.Done()
			a.Engine.Run(a.work)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", a.Server.Addr).Info("HTTP-сервер слушает")
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("HTTP-сервер упал: %w", err)
		}
	}

	a.shutdown(&engineDone)
	return runErr
}

func (a *App) shutdown(engineDone *sync.WaitGroup) {
	log.Info("Останавливаем движок...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP-сервер остановлен не чисто")
	}
	// Хайджекнутые WebSocket-соединения Shutdown не закрывает
	a.Hub.CloseAll()

	a.Queue.Close()
	a.Scheduler.Stop()

	a.cancelWork()
	engineDone.Wait()
	a.Limiter.Close()

	if n := a.Ledger.ReleaseAll(ctx); n > 0 {
		log.WithField("count", n).Warn("Незавершённые ставки возвращены при остановке")
	}
	if n, err := a.Ledger.Flush(ctx); err != nil {
		log.WithError(err).WithField("written", n).Error("Не все записи леджера досланы в БД")
	}

	a.DB.Close()
	log.Info("Движок остановлен")
}
