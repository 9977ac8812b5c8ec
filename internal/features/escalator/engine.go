// Package escalator — engine.go ведёт раунды: приём ставок, рост множителя, краш, расчёт.
//
// Каждый раунд защищён своим мьютексом. Вызовы леджера и записи активности
// идут вне блокировки: под мьютексом только переводится фаза и помечается ставка.
package escalator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/random"
)

// Config — параметры раундов.
type Config struct {
	BettingDuration time.Duration
	TickInterval    time.Duration
	Cooldown        time.Duration
	Step            decimal.Decimal
	HouseEdge       float64
	MaxCrash        decimal.Decimal
	MaxBet          int64
}

// Broadcaster получает снимки раунда и итоги ставок для рассылки клиентам.
type Broadcaster interface {
	RoundState(s State)
	Settled(s Settlement)
}

type nopBroadcaster struct{}

func (nopBroadcaster) RoundState(State)   {}
func (nopBroadcaster) Settled(Settlement) {}

// Engine — драйвер раундов эскалатора.
type Engine struct {
	cfg      Config
	ledger   *ledger.Ledger
	recorder activity.Recorder
	rng      random.Source
	bc       Broadcaster
	now      func() time.Time

	mu    sync.Mutex
	round *Round
	prev  *Round
}

// Option настраивает Engine.
type Option func(*Engine)

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBroadcaster подключает рассылку состояния.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.bc = b }
}

// NewEngine создаёт движок и открывает первый раунд.
func NewEngine(cfg Config, l *ledger.Ledger, rec activity.Recorder, rng random.Source, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		ledger:   l,
		recorder: rec,
		rng:      rng,
		bc:       nopBroadcaster{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.round = e.newRound(e.now())
	return e
}

func (e *Engine) newRound(now time.Time) *Round {
	r := &Round{
		ID:            uuid.New(),
		CreatedAt:     now,
		BettingEndsAt: now.Add(e.cfg.BettingDuration),
		CrashPoint:    CrashPoint(e.rng.Float64(), e.cfg.HouseEdge, e.cfg.MaxCrash),
		phase:         Betting,
		bets:          make(map[int64]*bet),
	}
	log.WithFields(log.Fields{
		"round_id":    r.ID,
		"betting_end": r.BettingEndsAt.Format(time.RFC3339),
	}).Debug("Новый раунд эскалатора")
	return r
}

func (e *Engine) current() *Round {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

func (e *Engine) rounds() (cur, prev *Round) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round, e.prev
}

// State возвращает снимок текущего раунда.
func (e *Engine) State() State {
	r := e.current()
	now := e.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.stateLocked(r, now)
}

func (e *Engine) stateLocked(r *Round, now time.Time) State {
	s := State{
		RoundID:    r.ID,
		Phase:      r.phase,
		Multiplier: one,
		Bets:       len(r.bets),
	}
	switch r.phase {
	case Betting:
		if rem := r.BettingEndsAt.Sub(now); rem > 0 {
			s.TimeRemaining = rem
		}
	case Running:
		s.Multiplier = multiplierAfter(now.Sub(r.startedAt), e.cfg.TickInterval, e.cfg.Step, r.CrashPoint)
	case Crashed:
		cp := r.CrashPoint
		s.Multiplier = cp
		s.CrashPoint = &cp
		if rem := r.crashedAt.Add(e.cfg.Cooldown).Sub(now); rem > 0 {
			s.TimeRemaining = rem
		}
	}
	return s
}

// Ticket — принятая ставка: раунд, в который она попала, и её резерв.
type Ticket struct {
	RoundID       uuid.UUID
	ReservationID uuid.UUID
}

// PlaceBet принимает ставку в фазе приёма. Дедлайн проверяется по серверным часам.
func (e *Engine) PlaceBet(ctx context.Context, userID, amount int64) (Ticket, error) {
	if amount <= 0 || (e.cfg.MaxBet > 0 && amount > e.cfg.MaxBet) {
		return Ticket{}, common.ErrInvalidAmount
	}

	now := e.now()
	r := e.current()

	r.mu.Lock()
	if r.phase != Betting || !now.Before(r.BettingEndsAt) {
		r.mu.Unlock()
		return Ticket{}, common.ErrInvalidPhase
	}
	if _, ok := r.bets[userID]; ok {
		r.mu.Unlock()
		return Ticket{}, common.ErrBetExists
	}
	b := &bet{userID: userID, amount: amount, placedAt: now, pending: true, done: make(chan struct{})}
	r.bets[userID] = b
	r.mu.Unlock()

	res, err := e.ledger.Reserve(ctx, userID, amount, "escalator:"+r.ID.String())

	r.mu.Lock()
	if err != nil {
		delete(r.bets, userID)
		r.mu.Unlock()
		return Ticket{}, err
	}
	if r.phase == Crashed {
		// Раунд закончился, пока леджер резервировал: ставка не играет
		delete(r.bets, userID)
		r.mu.Unlock()
		if _, relErr := e.ledger.Release(context.WithoutCancel(ctx), res.ID); relErr != nil {
			log.WithError(relErr).WithField("reservation_id", res.ID).Error("Не удалось снять резерв опоздавшей ставки")
		}
		return Ticket{}, common.ErrInvalidPhase
	}
	b.reservationID = res.ID
	b.pending = false
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"round_id": r.ID,
		"user_id":  userID,
		"amount":   amount,
	}).Debug("Ставка принята")

	return Ticket{RoundID: r.ID, ReservationID: res.ID}, nil
}

// CancelBet отменяет ставку. Доступно только в фазе приёма.
func (e *Engine) CancelBet(ctx context.Context, userID int64) error {
	r := e.current()

	r.mu.Lock()
	if r.phase != Betting {
		r.mu.Unlock()
		return common.ErrInvalidPhase
	}
	b, ok := r.bets[userID]
	if !ok || b.pending {
		r.mu.Unlock()
		return common.ErrNoActiveBet
	}
	delete(r.bets, userID)
	r.mu.Unlock()

	if _, err := e.ledger.Release(ctx, b.reservationID); err != nil {
		return fmt.Errorf("отмена ставки: %w", err)
	}
	return nil
}

// Cashout забирает выигрыш по текущему множителю.
func (e *Engine) Cashout(ctx context.Context, userID int64) (*Settlement, error) {
	return e.CashoutAt(ctx, userID, e.now())
}

// CashoutAt забирает выигрыш по множителю на момент receivedAt — времени,
// когда сервер получил запрос. Кэшаут выигрывает, только если receivedAt
// строго раньше момента краша; при равенстве побеждает краш.
//
// Повторные вызовы ждут первого расчёта и возвращают тот же итог.
// Запрос, пришедший уже после смены раунда, сверяется с предыдущим раундом.
func (e *Engine) CashoutAt(ctx context.Context, userID int64, receivedAt time.Time) (*Settlement, error) {
	r, prev := e.rounds()

	if prev != nil {
		r.mu.Lock()
		_, inCurrent := r.bets[userID]
		r.mu.Unlock()
		if !inCurrent || receivedAt.Before(r.CreatedAt) {
			if s, found, err := lateCashout(ctx, prev, userID); found {
				return s, err
			}
		}
	}

	r.mu.Lock()
	b, ok := r.bets[userID]
	if !ok || b.pending {
		r.mu.Unlock()
		return nil, common.ErrNoActiveBet
	}
	if b.claimed {
		done := b.done
		r.mu.Unlock()
		return waitSettlement(ctx, b, done)
	}
	switch {
	case r.phase == Betting, receivedAt.Before(r.startedAt):
		r.mu.Unlock()
		return nil, common.ErrInvalidPhase
	case r.phase == Crashed, !receivedAt.Before(r.crashAt):
		// Краш наступил раньше запроса: ставку рассчитает Tick
		r.mu.Unlock()
		return nil, common.ErrRoundAlreadySettled
	}

	m := multiplierAfter(receivedAt.Sub(r.startedAt), e.cfg.TickInterval, e.cfg.Step, r.CrashPoint)
	b.claimed = true
	b.cashedOut = true
	b.multiplier = m
	r.mu.Unlock()

	e.settle(ctx, r, b)
	if b.err != nil {
		return nil, b.err
	}
	s := b.settlement
	return &s, nil
}

// lateCashout отвечает на кэшаут по уже завершённому раунду: выигрыш,
// забранный раньше, возвращается как есть, проигравшая ставка — ErrRoundAlreadySettled.
func lateCashout(ctx context.Context, r *Round, userID int64) (*Settlement, bool, error) {
	r.mu.Lock()
	b, ok := r.bets[userID]
	if !ok || !b.claimed {
		r.mu.Unlock()
		return nil, false, nil
	}
	done := b.done
	r.mu.Unlock()

	s, err := waitSettlement(ctx, b, done)
	return s, true, err
}

func waitSettlement(ctx context.Context, b *bet, done <-chan struct{}) (*Settlement, error) {
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	if !b.cashedOut {
		return nil, common.ErrRoundAlreadySettled
	}
	s := b.settlement
	return &s, nil
}

// settle фиксирует исход уже помеченной ставки в леджере и активности.
// Вызывается ровно один раз на ставку, вне блокировки раунда.
func (e *Engine) settle(ctx context.Context, r *Round, b *bet) {
	defer close(b.done)
	ctx = context.WithoutCancel(ctx)

	delta := -b.amount
	if b.cashedOut {
		delta = common.Payout(b.amount, b.multiplier)
	}

	bal, err := e.ledger.Commit(ctx, b.reservationID, delta)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":        b.userID,
			"reservation_id": b.reservationID,
			"round_id":       r.ID,
		}).Error("Не удалось рассчитать ставку эскалатора")
		b.err = fmt.Errorf("расчёт ставки: %w", err)
		return
	}

	b.settlement = Settlement{
		RoundID:       r.ID,
		ReservationID: b.reservationID,
		UserID:        b.userID,
		Amount:        b.amount,
		Multiplier:    b.multiplier,
		Delta:         delta,
		Balance:       bal.Points,
		CashedOut:     b.cashedOut,
	}

	if e.recorder != nil {
		err = e.recorder.Append(ctx, activity.Entry{
			UserID:        b.userID,
			GameType:      activity.GameEscalator,
			PointsBet:     b.amount,
			PointsProfit:  delta,
			Multiplier:    b.multiplier,
			RoundID:       r.ID,
			ReservationID: b.reservationID,
		})
		if err != nil {
			log.WithError(err).WithField("round_id", r.ID).Error("Не удалось записать активность эскалатора")
		}
	}

	e.bc.Settled(b.settlement)
}

// Tick продвигает раунд к моменту now: закрывает приём ставок, крашит,
// запускает следующий раунд после паузы. Вызывается из Run или из тестов.
func (e *Engine) Tick(ctx context.Context, now time.Time) State {
	r := e.current()

	r.mu.Lock()
	switch r.phase {
	case Betting:
		if !now.Before(r.BettingEndsAt) {
			r.phase = Running
			r.startedAt = r.BettingEndsAt
			steps := stepsTo(r.CrashPoint, e.cfg.Step)
			r.crashAt = r.startedAt.Add(time.Duration(steps) * e.cfg.TickInterval)
		}
	case Crashed:
		if !now.Before(r.crashedAt.Add(e.cfg.Cooldown)) {
			r.mu.Unlock()
			next := e.newRound(now)
			e.mu.Lock()
			e.prev = r
			e.round = next
			e.mu.Unlock()
			return e.broadcast(next, now)
		}
	}

	// Из Betting можно сразу попасть в краш, если точка краша 1.00
	crashed := false
	var losers []*bet
	if r.phase == Running && !now.Before(r.crashAt) {
		crashed = true
		r.phase = Crashed
		r.crashedAt = r.crashAt
		for _, b := range r.bets {
			if b.claimed || b.pending {
				continue
			}
			b.claimed = true
			b.multiplier = decimal.Zero
			losers = append(losers, b)
		}
	}
	r.mu.Unlock()

	if crashed {
		for _, b := range losers {
			e.settle(ctx, r, b)
		}
		e.archive(ctx, r)

		log.WithFields(log.Fields{
			"round_id": r.ID,
			"crash":    common.FormatMultiplier(r.CrashPoint),
			"losers":   len(losers),
		}).Info("Раунд эскалатора завершён")
	}
	return e.broadcast(r, now)
}

func (e *Engine) broadcast(r *Round, now time.Time) State {
	r.mu.Lock()
	s := e.stateLocked(r, now)
	r.mu.Unlock()
	e.bc.RoundState(s)
	return s
}

func (e *Engine) archive(ctx context.Context, r *Round) {
	if e.recorder == nil {
		return
	}

	r.mu.Lock()
	a := archivedRound{
		RoundID:    r.ID,
		CrashPoint: r.CrashPoint,
		StartedAt:  r.startedAt,
		CrashedAt:  r.crashedAt,
	}
	for _, b := range r.bets {
		if b.pending {
			continue
		}
		a.Bets = append(a.Bets, archivedBet{
			UserID:     b.userID,
			Amount:     b.amount,
			CashedOut:  b.cashedOut,
			Multiplier: b.multiplier,
		})
	}
	r.mu.Unlock()

	err := e.recorder.ArchiveRound(context.WithoutCancel(ctx), activity.RoundArchive{
		RoundID:   r.ID,
		GameType:  activity.GameEscalator,
		Data:      activity.MarshalRound(a),
		SettledAt: a.CrashedAt,
	})
	if err != nil {
		log.WithError(err).WithField("round_id", r.ID).Warn("Не удалось архивировать раунд")
	}
}

// Run тикает раунды с интервалом TickInterval до отмены ctx.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	log.Info("Эскалатор запущен")
	for {
		select {
		case <-ctx.Done():
			log.Info("Эскалатор остановлен")
			return
		case <-ticker.C:
			e.Tick(ctx, e.now())
		}
	}
}
