// Package ledger — ledger.go: резервирование, расчёт и отмена ставок.
//
// Память — источник истины для балансов. Каждый счёт защищён своим мьютексом,
// поэтому операции разных пользователей не ждут друг друга. Запись в Postgres
// идёт после снятия блокировки; неудачные записи копятся на счёте и
// досылаются задачей Flush.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"serotonyl.ru/wager/internal/common"
)

// Store — постоянное хранилище леджера.
type Store interface {
	// LoadBalance возвращает сохранённый баланс. found=false — счёта ещё нет.
	LoadBalance(ctx context.Context, userID int64) (b Balance, found bool, err error)
	// ListHeld возвращает резервы, оставшиеся в состоянии held (после рестарта).
	ListHeld(ctx context.Context) ([]Reservation, error)
	// Apply атомарно записывает одну мутацию.
	Apply(ctx context.Context, m Mutation) error
}

type account struct {
	userID int64
	points atomic.Int64 // читается без блокировки через View

	mu       sync.Mutex
	version  uint64
	held     map[uuid.UUID]*Reservation
	unsynced []Mutation // записи, которые не дошли до хранилища
}

// snapshot вызывается под acc.mu.
func (a *account) snapshot(now time.Time) Balance {
	return Balance{
		UserID:    a.userID,
		Points:    a.points.Load(),
		Version:   a.version,
		UpdatedAt: now,
	}
}

// Ledger — владелец всех балансов.
type Ledger struct {
	store Store
	retry common.RetryPolicy
	now   func() time.Time

	accounts sync.Map // int64 → *account
	index    sync.Map // uuid.UUID → int64, только открытые резервы
	loads    singleflight.Group
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetry задаёт политику повторов записи в хранилище.
func WithRetry(p common.RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// New создаёт леджер. store может быть nil — тогда балансы живут только в памяти.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		retry: common.DefaultRetryPolicy,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// account возвращает счёт пользователя, загружая его из хранилища один раз
// даже при одновременных запросах.
func (l *Ledger) account(ctx context.Context, userID int64) (*account, error) {
	if v, ok := l.accounts.Load(userID); ok {
		return v.(*account), nil
	}

	v, err, _ := l.loads.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		if v, ok := l.accounts.Load(userID); ok {
			return v, nil
		}

		acc := &account{userID: userID, held: make(map[uuid.UUID]*Reservation)}
		if l.store != nil {
			var (
				b     Balance
				found bool
			)
			err := common.Retry(ctx, l.retry, "ledger.load", func() error {
				var err error
				b, found, err = l.store.LoadBalance(ctx, userID)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("%w: загрузка счёта %d: %w", common.ErrLedgerUnavailable, userID, err)
			}
			if found {
				acc.points.Store(b.Points)
				acc.version = b.Version
			}
		}

		actual, _ := l.accounts.LoadOrStore(userID, acc)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*account), nil
}

// persist записывает мутацию с повторами. При неудаче мутация остаётся
// в очереди счёта до следующего Flush.
func (l *Ledger) persist(ctx context.Context, acc *account, m Mutation) error {
	if l.store == nil {
		return nil
	}

	err := common.Retry(ctx, l.retry, "ledger.apply", func() error {
		return l.store.Apply(ctx, m)
	})
	if err != nil {
		acc.mu.Lock()
		acc.unsynced = append(acc.unsynced, m)
		acc.mu.Unlock()

		log.WithError(err).WithFields(log.Fields{
			"user_id": acc.userID,
			"kind":    m.Journal.Kind,
			"version": m.Balance.Version,
		}).Error("Не удалось записать мутацию леджера, отложено до flush")
		return err
	}
	return nil
}

// Reserve удерживает amount очков под ставку.
// Если запись в хранилище не удалась, удержание снимается и ставка отклоняется.
func (l *Ledger) Reserve(ctx context.Context, userID, amount int64, ref string) (*Reservation, error) {
	if amount <= 0 {
		return nil, common.ErrInvalidAmount
	}

	acc, err := l.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := l.now()

	acc.mu.Lock()
	points := acc.points.Load()
	if points < amount {
		acc.mu.Unlock()
		return nil, fmt.Errorf("%w: нужно %d, есть %d", common.ErrInsufficientFunds, amount, points)
	}

	res := &Reservation{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		State:     Held,
		Ref:       ref,
		CreatedAt: now,
	}
	acc.points.Store(points - amount)
	acc.version++
	acc.held[res.ID] = res
	m := Mutation{
		Balance:     acc.snapshot(now),
		Reservation: res.clone(),
		Journal: JournalEntry{
			UserID:        userID,
			Kind:          JournalReserve,
			Delta:         -amount,
			ReservationID: &res.ID,
			Version:       acc.version,
			Reason:        ref,
			CreatedAt:     now,
		},
	}
	out := res.clone()
	acc.mu.Unlock()

	l.index.Store(res.ID, userID)

	if err := l.persist(ctx, acc, m); err != nil {
		if _, relErr := l.Release(context.WithoutCancel(ctx), res.ID); relErr != nil {
			log.WithError(relErr).WithField("reservation_id", res.ID).Error("Не удалось снять резерв после сбоя записи")
		}
		return nil, fmt.Errorf("%w: %w", common.ErrLedgerUnavailable, err)
	}

	log.WithFields(log.Fields{
		"user_id":        userID,
		"reservation_id": res.ID,
		"amount":         amount,
		"ref":            ref,
	}).Debug("Резерв создан")

	return out, nil
}

// settle закрывает резерв: Committed с netDelta или Released.
func (l *Ledger) settle(ctx context.Context, id uuid.UUID, state ReservationState, netDelta int64) (Balance, error) {
	v, ok := l.index.Load(id)
	if !ok {
		return Balance{}, common.ErrReservationInvalid
	}
	userID := v.(int64)

	acc, err := l.account(ctx, userID)
	if err != nil {
		return Balance{}, err
	}

	now := l.now()

	acc.mu.Lock()
	res, ok := acc.held[id]
	if !ok {
		acc.mu.Unlock()
		return Balance{}, common.ErrReservationInvalid
	}
	if netDelta < -res.Amount {
		acc.mu.Unlock()
		return Balance{}, fmt.Errorf("%w: проигрыш %d больше резерва %d", common.ErrInvalidAmount, -netDelta, res.Amount)
	}

	delete(acc.held, id)
	res.State = state
	res.NetDelta = netDelta
	res.SettledAt = &now

	// Released: возвращаем резерв целиком. Committed: резерв плюс чистый итог.
	credit := res.Amount + netDelta
	kind := JournalCommit
	if state == Released {
		kind = JournalRelease
	}

	acc.points.Add(credit)
	acc.version++
	bal := acc.snapshot(now)
	m := Mutation{
		Balance:     bal,
		Reservation: res.clone(),
		Journal: JournalEntry{
			UserID:        userID,
			Kind:          kind,
			Delta:         credit,
			ReservationID: &res.ID,
			Version:       acc.version,
			Reason:        res.Ref,
			CreatedAt:     now,
		},
	}
	acc.mu.Unlock()

	l.index.Delete(id)

	// Исход уже зафиксирован в памяти: ошибка записи не отменяет расчёт,
	// мутация будет дослана через Flush.
	_ = l.persist(context.WithoutCancel(ctx), acc, m)

	return bal, nil
}

// Commit закрывает резерв с итогом netDelta: +выигрыш или −ставка.
// Баланс меняется на amount + netDelta, то есть итоговое изменение
// относительно баланса до ставки равно netDelta.
func (l *Ledger) Commit(ctx context.Context, id uuid.UUID, netDelta int64) (Balance, error) {
	bal, err := l.settle(ctx, id, Committed, netDelta)
	if err != nil {
		return Balance{}, err
	}
	log.WithFields(log.Fields{
		"user_id":        bal.UserID,
		"reservation_id": id,
		"net":            common.FormatPoints(netDelta),
		"points":         bal.Points,
	}).Debug("Резерв рассчитан")
	return bal, nil
}

// Release возвращает резерв целиком (отмена ставки, выключение движка).
func (l *Ledger) Release(ctx context.Context, id uuid.UUID) (Balance, error) {
	return l.settle(ctx, id, Released, 0)
}

// Adjust напрямую меняет баланс (админское начисление, пул).
// Баланс не может уйти в минус.
func (l *Ledger) Adjust(ctx context.Context, userID, delta int64, reason string) (Balance, error) {
	if delta == 0 {
		return Balance{}, common.ErrInvalidAmount
	}

	acc, err := l.account(ctx, userID)
	if err != nil {
		return Balance{}, err
	}

	now := l.now()

	acc.mu.Lock()
	points := acc.points.Load()
	if points+delta < 0 {
		acc.mu.Unlock()
		return Balance{}, fmt.Errorf("%w: нужно %d, есть %d", common.ErrInsufficientFunds, -delta, points)
	}
	acc.points.Store(points + delta)
	acc.version++
	bal := acc.snapshot(now)
	m := Mutation{
		Balance: bal,
		Journal: JournalEntry{
			UserID:    userID,
			Kind:      JournalAdjust,
			Delta:     delta,
			Version:   acc.version,
			Reason:    reason,
			CreatedAt: now,
		},
	}
	acc.mu.Unlock()

	_ = l.persist(context.WithoutCancel(ctx), acc, m)

	log.WithFields(log.Fields{
		"user_id": userID,
		"delta":   common.FormatPoints(delta),
		"reason":  reason,
	}).Info("Баланс скорректирован")

	return bal, nil
}

// View возвращает последний рассчитанный баланс без блокировок.
// Для ещё не загруженного счёта возвращает 0.
func (l *Ledger) View(userID int64) int64 {
	v, ok := l.accounts.Load(userID)
	if !ok {
		return 0
	}
	return v.(*account).points.Load()
}

// Balance возвращает снимок баланса, при необходимости загружая счёт.
func (l *Ledger) Balance(ctx context.Context, userID int64) (Balance, error) {
	acc, err := l.account(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.snapshot(l.now()), nil
}

// HeldCount возвращает число открытых резервов пользователя.
func (l *Ledger) HeldCount(userID int64) int {
	v, ok := l.accounts.Load(userID)
	if !ok {
		return 0
	}
	acc := v.(*account)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return len(acc.held)
}

// Flush досылает отложенные мутации в хранилище.
// Возвращает число успешно записанных мутаций.
func (l *Ledger) Flush(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}

	var (
		written int
		lastErr error
	)
	l.accounts.Range(func(_, v any) bool {
		acc := v.(*account)

		acc.mu.Lock()
		pending := acc.unsynced
		acc.unsynced = nil
		acc.mu.Unlock()

		for i, m := range pending {
			if err := l.store.Apply(ctx, m); err != nil {
				lastErr = err
				// Возвращаем остаток в начало очереди, порядок сохраняется
				acc.mu.Lock()
				acc.unsynced = append(append([]Mutation(nil), pending[i:]...), acc.unsynced...)
				acc.mu.Unlock()
				break
			}
			written++
		}
		return ctx.Err() == nil
	})

	if written > 0 {
		log.WithField("count", written).Info("Отложенные мутации леджера записаны")
	}
	return written, lastErr
}

// Unsynced возвращает число мутаций, ожидающих записи.
func (l *Ledger) Unsynced() int {
	n := 0
	l.accounts.Range(func(_, v any) bool {
		acc := v.(*account)
		acc.mu.Lock()
		n += len(acc.unsynced)
		acc.mu.Unlock()
		return true
	})
	return n
}

// RecoverHeld возвращает очки по резервам, оставшимся от прошлого запуска.
// Игровое состояние в памяти не переживает рестарт, поэтому такие ставки
// считаются отменёнными.
func (l *Ledger) RecoverHeld(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}

	var held []Reservation
	err := common.Retry(ctx, l.retry, "ledger.list_held", func() error {
		var err error
		held, err = l.store.ListHeld(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrLedgerUnavailable, err)
	}

	released := 0
	for i := range held {
		res := held[i]
		acc, err := l.account(ctx, res.UserID)
		if err != nil {
			return released, err
		}

		acc.mu.Lock()
		acc.held[res.ID] = &res
		acc.mu.Unlock()
		l.index.Store(res.ID, res.UserID)

		if _, err := l.Release(ctx, res.ID); err != nil {
			return released, err
		}
		released++
	}

	if released > 0 {
		log.WithField("count", released).Warn("Висящие резервы прошлого запуска возвращены")
	}
	return released, nil
}

// ReleaseAll возвращает все открытые резервы (остановка движка).
func (l *Ledger) ReleaseAll(ctx context.Context) int {
	var ids []uuid.UUID
	l.index.Range(func(k, _ any) bool {
		ids = append(ids, k.(uuid.UUID))
		return true
	})

	released := 0
	for _, id := range ids {
		if _, err := l.Release(ctx, id); err == nil {
			released++
		}
	}
	return released
}
