// Package fairness — queue.go: приём действий и обработка тиков.
package fairness

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/random"
)

// Config — параметры очереди.
type Config struct {
	MaxPerTick  int
	Capacity    int
	MaxAttempts int
	BucketWidth time.Duration
	MaxWait     time.Duration
}

// Queue — очередь справедливости.
type Queue struct {
	cfg    Config
	store  Store
	seeder random.Seeder
	retry  common.RetryPolicy
	now    func() time.Time

	mu       sync.Mutex
	pending  map[uuid.UUID]*PendingAction
	handlers map[string]Handler
	closed   bool

	// Поля ниже меняются только внутри Tick под tickMu.
	tickMu  sync.Mutex
	loaded  bool
	head    *BlockRecord   // последний построенный блок
	unsaved []*BlockRecord // построены, но ещё не записаны
}

// Option настраивает Queue.
type Option func(*Queue)

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRetry задаёт повторы записи в хранилище внутри одного тика.
func WithRetry(p common.RetryPolicy) Option {
	return func(q *Queue) { q.retry = p }
}

// New создаёт очередь.
func New(cfg Config, store Store, seeder random.Seeder, opts ...Option) *Queue {
	q := &Queue{
		cfg:      cfg,
		store:    store,
		seeder:   seeder,
		retry:    common.RetryPolicy{MaxTries: 2, InitialDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
		now:      time.Now,
		pending:  make(map[uuid.UUID]*PendingAction),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register назначает обработчик типа действия.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue ставит действие в очередь до следующего тика.
func (q *Queue) Enqueue(_ context.Context, userID int64, kind string, payload json.RawMessage) (PendingAction, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return PendingAction{}, common.ErrInvalidPayload
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return PendingAction{}, common.ErrQueueClosed
	}
	if _, ok := q.handlers[kind]; !ok {
		return PendingAction{}, fmt.Errorf("%w: %q", common.ErrUnknownActionKind, kind)
	}
	if len(q.pending) >= q.cfg.Capacity {
		return PendingAction{}, common.ErrQueueOverflow
	}

	a := &PendingAction{
		ID:         uuid.New(),
		UserID:     userID,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	}
	q.pending[a.ID] = a
	return *a, nil
}

// Len возвращает число ожидающих действий.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close перестаёт принимать действия. Уже принятые обрабатываются дальше.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) snapshot() ([]PendingAction, map[string]Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingAction, 0, len(q.pending))
	for _, a := range q.pending {
		out = append(out, *a)
	}
	handlers := make(map[string]Handler, len(q.handlers))
	for k, h := range q.handlers {
		handlers[k] = h
	}
	return out, handlers
}

// loadHead поднимает вершину цепочки из хранилища при первом тике.
func (q *Queue) loadHead(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	var last *BlockRecord
	err := common.Retry(ctx, q.retry, "fairness.last_block", func() error {
		var err error
		last, err = q.store.LastBlock(ctx)
		return err
	})
	if err != nil {
		return err
	}
	q.head = last
	q.loaded = true
	return nil
}

// flushUnsaved дописывает блоки, которые не удалось сохранить раньше. Порядок сохраняется.
func (q *Queue) flushUnsaved(ctx context.Context) {
	for len(q.unsaved) > 0 {
		b := q.unsaved[0]
		err := common.Retry(ctx, q.retry, "fairness.save_block", func() error {
			return q.store.SaveBlock(ctx, b)
		})
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"block":   b.BlockNumber,
				"backlog": len(q.unsaved),
			}).Warn("Блок не сохранён, повторим на следующем тике")
			return
		}
		q.unsaved = q.unsaved[1:]
	}
}

// Tick обрабатывает одну пачку и возвращает построенный блок.
// Блок строится на каждом тике, даже если очередь пуста.
func (q *Queue) Tick(ctx context.Context) (*BlockRecord, error) {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()

	if err := q.loadHead(ctx); err != nil {
		return nil, fmt.Errorf("загрузка вершины цепочки: %w", err)
	}
	q.flushUnsaved(ctx)

	seed, err := q.seeder.NewSeed()
	if err != nil {
		return nil, fmt.Errorf("сид тика: %w", err)
	}

	now := q.now().UTC().Truncate(time.Microsecond)
	snapshot, handlers := q.snapshot()
	order := Permutation(seed, snapshot, now, q.cfg.BucketWidth, q.cfg.MaxWait)

	k := len(order)
	if k > q.cfg.MaxPerTick {
		k = q.cfg.MaxPerTick
	}

	block := &BlockRecord{
		Seed:         hex.EncodeToString(seed[:]),
		ProcessedIDs: make([]uuid.UUID, 0, k),
		Results:      make([]ActionResult, 0, k),
		Timestamp:    now,
	}

	var dead []DeadLetter
	for _, a := range order[:k] {
		res := q.process(ctx, handlers, a)
		block.ProcessedIDs = append(block.ProcessedIDs, a.ID)
		block.Results = append(block.Results, res)

		if res.Status == StatusDead {
			a.Attempts = res.Attempt
			a.LastError = res.Error
			dead = append(dead, DeadLetter{Action: a, Reason: "max_attempts", FailedAt: now})
		}
	}

	block.BlockNumber = 1
	block.PrevHash = GenesisHash
	if q.head != nil {
		block.BlockNumber = q.head.BlockNumber + 1
		block.PrevHash = q.head.Hash
	}
	block.Hash = ComputeHash(block)
	q.head = block
	q.unsaved = append(q.unsaved, block)
	q.flushUnsaved(ctx)

	for _, d := range dead {
		q.saveDeadLetter(ctx, d)
	}

	if k > 0 {
		log.WithFields(log.Fields{
			"block":     block.BlockNumber,
			"processed": k,
			"pending":   q.Len(),
		}).Debug("Тик очереди обработан")
	}
	return block, nil
}

// process применяет одно действие и обновляет его состояние в очереди.
func (q *Queue) process(ctx context.Context, handlers map[string]Handler, a PendingAction) ActionResult {
	res := ActionResult{
		ActionID: a.ID,
		UserID:   a.UserID,
		Kind:     a.Kind,
		Attempt:  a.Attempts + 1,
	}

	var err error
	h, ok := handlers[a.Kind]
	if !ok {
		err = common.ErrUnknownActionKind
	} else {
		err = safeHandle(ctx, h, a)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		delete(q.pending, a.ID)
		res.Status = StatusOK
		return res
	}

	res.Error = err.Error()
	p, ok := q.pending[a.ID]
	if !ok {
		res.Status = StatusFailed
		return res
	}
	p.Attempts++
	p.LastError = res.Error
	if p.Attempts >= q.cfg.MaxAttempts {
		delete(q.pending, a.ID)
		res.Status = StatusDead
		return res
	}
	res.Status = StatusFailed
	return res
}

// safeHandle не даёт панике обработчика уронить тик.
func safeHandle(ctx context.Context, h Handler, a PendingAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в обработчике %s: %v", a.Kind, r)
		}
	}()
	return h.Handle(ctx, a)
}

func (q *Queue) saveDeadLetter(ctx context.Context, d DeadLetter) {
	fields := log.Fields{
		"action_id": d.Action.ID,
		"user_id":   d.Action.UserID,
		"kind":      d.Action.Kind,
		"attempts":  d.Action.Attempts,
		"payload":   string(d.Action.Payload),
	}
	log.WithFields(fields).WithField("error", d.Action.LastError).Error("Действие исчерпало попытки и отправлено в dead letters")

	err := common.Retry(ctx, q.retry, "fairness.dead_letter", func() error {
		return q.store.SaveDeadLetter(ctx, d)
	})
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Не удалось сохранить dead letter")
	}
}

// Block возвращает блок по номеру, включая ещё не сохранённые.
func (q *Queue) Block(ctx context.Context, number uint64) (*BlockRecord, error) {
	q.tickMu.Lock()
	for _, b := range q.unsaved {
		if b.BlockNumber == number {
			out := *b
			q.tickMu.Unlock()
			return &out, nil
		}
	}
	q.tickMu.Unlock()
	return q.store.Block(ctx, number)
}

// Head возвращает номер последнего построенного блока (0 — блоков нет).
func (q *Queue) Head() uint64 {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()
	if q.head == nil {
		return 0
	}
	return q.head.BlockNumber
}

// DeadLetters возвращает последние действия, исчерпавшие попытки.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return q.store.DeadLetters(ctx, limit)
}

// Verify проверяет сохранённую цепочку на отрезке [from, to].
func (q *Queue) Verify(ctx context.Context, from, to uint64) error {
	if from == 0 {
		from = 1
	}
	var prev *BlockRecord
	if from > 1 {
		b, err := q.store.Block(ctx, from-1)
		if err != nil {
			return fmt.Errorf("блок %d: %w", from-1, err)
		}
		prev = b
	}
	blocks, err := q.store.Blocks(ctx, from, to)
	if err != nil {
		return err
	}
	return VerifyChain(prev, blocks)
}
