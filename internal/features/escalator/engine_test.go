package escalator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/random"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fixedU всегда возвращает одно и то же u: точка краша известна заранее.
type fixedU float64

func (f fixedU) Float64() float64 { return float64(f) }
func (f fixedU) IntN(int) int      { return 0 }

type recordingBroadcaster struct {
	mu      sync.Mutex
	states  []State
	settled []Settlement
}

func (b *recordingBroadcaster) RoundState(s State) {
	b.mu.Lock()
	b.states = append(b.states, s)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) Settled(s Settlement) {
	b.mu.Lock()
	b.settled = append(b.settled, s)
	b.mu.Unlock()
}

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	rec    *activity.Memory
	clock  *testClock
	bc     *recordingBroadcaster
}

var testConfig = Config{
	BettingDuration: 10 * time.Second,
	TickInterval:    100 * time.Millisecond,
	Cooldown:        3 * time.Second,
	Step:            decimal.RequireFromString("0.01"),
	HouseEdge:       0,
	MaxCrash:        decimal.NewFromInt(1000),
	MaxBet:          10000,
}

// u = 0.5 при нулевой марже даёт краш ровно на 2.00
func newFixture(t *testing.T, u float64, users ...int64) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.New(nil),
		rec:    activity.NewMemory(),
		clock:  &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		bc:     &recordingBroadcaster{},
	}
	for _, id := range users {
		_, err := f.ledger.Adjust(context.Background(), id, 1000, "seed")
		require.NoError(t, err)
	}
	f.engine = NewEngine(testConfig, f.ledger, f.rec, fixedU(u), WithClock(f.clock.Now), WithBroadcaster(f.bc))
	return f
}

// start закрывает приём ставок и возвращает момент старта.
func (f *fixture) start(t *testing.T) time.Time {
	t.Helper()
	start := f.engine.current().BettingEndsAt
	f.clock.Set(start)
	s := f.engine.Tick(context.Background(), start)
	require.Equal(t, Running, s.Phase)
	return start
}

func TestConcurrentCashoutsSettleOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1)

	_, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), f.ledger.View(1))

	start := f.start(t)
	f.clock.Set(start.Add(5 * time.Second)) // 50 шагов → 1.50

	const callers = 50
	results := make([]*Settlement, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Cashout(ctx, 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, *results[0], *results[i])
	}
	assert.True(t, results[0].Multiplier.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(50), results[0].Delta)
	assert.Equal(t, int64(1050), f.ledger.View(1))
	assert.Len(t, f.rec.Entries(1), 1)
	assert.Len(t, f.bc.settled, 1)
}

func TestCashoutTieBreak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1, 2)

	_, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, 2, 100)
	require.NoError(t, err)

	start := f.start(t)
	crashAt := start.Add(10 * time.Second) // 100 шагов до 2.00

	// На наносекунду раньше краша: 99 шагов → 1.99
	s, err := f.engine.CashoutAt(ctx, 1, crashAt.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, s.Multiplier.Equal(decimal.RequireFromString("1.99")))
	assert.Equal(t, int64(99), s.Delta)

	// Ровно в момент краша побеждает краш
	_, err = f.engine.CashoutAt(ctx, 2, crashAt)
	require.ErrorIs(t, err, common.ErrRoundAlreadySettled)

	state := f.engine.Tick(ctx, crashAt)
	assert.Equal(t, Crashed, state.Phase)
	require.NotNil(t, state.CrashPoint)
	assert.True(t, state.CrashPoint.Equal(decimal.NewFromInt(2)))

	assert.Equal(t, int64(1099), f.ledger.View(1))
	assert.Equal(t, int64(900), f.ledger.View(2))

	entries := f.rec.Entries(2)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-100), entries[0].PointsProfit)
}

func TestCrashSettlesUnclaimedBets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1, 2, 3)

	for _, u := range []int64{1, 2, 3} {
		_, err := f.engine.PlaceBet(ctx, u, 200)
		require.NoError(t, err)
	}
	start := f.start(t)
	roundID := f.engine.current().ID

	f.engine.Tick(ctx, start.Add(time.Minute))

	for _, u := range []int64{1, 2, 3} {
		assert.Equal(t, int64(800), f.ledger.View(u))
		assert.Zero(t, f.ledger.HeldCount(u))
	}

	_, err := f.engine.Cashout(ctx, 1)
	require.ErrorIs(t, err, common.ErrRoundAlreadySettled)

	archived, ok := f.rec.Round(roundID)
	require.True(t, ok)
	assert.Contains(t, string(archived.Data), `"crash_point":"2"`)
}

func TestBettingDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1, 2)

	_, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, 1, 100)
	require.ErrorIs(t, err, common.ErrBetExists)

	_, err = f.engine.Cashout(ctx, 1)
	require.ErrorIs(t, err, common.ErrInvalidPhase)

	// Тик ещё не прошёл, но дедлайн наступил
	f.clock.Set(f.engine.current().BettingEndsAt)
	_, err = f.engine.PlaceBet(ctx, 2, 100)
	require.ErrorIs(t, err, common.ErrInvalidPhase)
	assert.Equal(t, int64(1000), f.ledger.View(2))
}

func TestPlaceBetValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1)

	_, err := f.engine.PlaceBet(ctx, 1, 0)
	require.ErrorIs(t, err, common.ErrInvalidAmount)
	_, err = f.engine.PlaceBet(ctx, 1, testConfig.MaxBet+1)
	require.ErrorIs(t, err, common.ErrInvalidAmount)
	_, err = f.engine.PlaceBet(ctx, 1, 1001)
	require.ErrorIs(t, err, common.ErrInsufficientFunds)

	// Неудачный резерв не оставляет ставку в раунде
	_, err = f.engine.PlaceBet(ctx, 1, 1000)
	require.NoError(t, err)
}

func TestCancelBetOnlyWhileBetting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1, 2)

	_, err := f.engine.PlaceBet(ctx, 1, 300)
	require.NoError(t, err)
	require.NoError(t, f.engine.CancelBet(ctx, 1))
	assert.Equal(t, int64(1000), f.ledger.View(1))
	require.ErrorIs(t, f.engine.CancelBet(ctx, 1), common.ErrNoActiveBet)

	_, err = f.engine.PlaceBet(ctx, 2, 300)
	require.NoError(t, err)
	f.start(t)
	require.ErrorIs(t, f.engine.CancelBet(ctx, 2), common.ErrInvalidPhase)
	assert.Equal(t, int64(700), f.ledger.View(2))
}

func TestInstantCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, 1)

	_, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)

	end := f.engine.current().BettingEndsAt
	state := f.engine.Tick(ctx, end)
	assert.Equal(t, Crashed, state.Phase)
	assert.Equal(t, int64(900), f.ledger.View(1))
}

func TestNextRoundAfterCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5)

	first := f.engine.current().ID
	start := f.start(t)
	crashAt := start.Add(10 * time.Second)

	f.engine.Tick(ctx, crashAt)
	state := f.engine.Tick(ctx, crashAt.Add(time.Second))
	assert.Equal(t, Crashed, state.Phase)
	assert.Equal(t, 2*time.Second, state.TimeRemaining)

	state = f.engine.Tick(ctx, crashAt.Add(testConfig.Cooldown))
	assert.Equal(t, Betting, state.Phase)
	assert.NotEqual(t, first, state.RoundID)
	assert.Equal(t, testConfig.BettingDuration, state.TimeRemaining)
}

func TestCashoutAfterRolloverReportsSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1, 2)

	_, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, 2, 100)
	require.NoError(t, err)

	start := f.start(t)
	f.clock.Set(start.Add(5 * time.Second))
	won, err := f.engine.Cashout(ctx, 2)
	require.NoError(t, err)

	crashAt := start.Add(10 * time.Second) // 2.00
	f.engine.Tick(ctx, crashAt)
	next := crashAt.Add(testConfig.Cooldown)
	state := f.engine.Tick(ctx, next)
	require.Equal(t, Betting, state.Phase)

	_, err = f.engine.CashoutAt(ctx, 1, next)
	assert.ErrorIs(t, err, common.ErrRoundAlreadySettled)

	again, err := f.engine.CashoutAt(ctx, 2, next)
	require.NoError(t, err)
	assert.Equal(t, *won, *again)

	_, err = f.engine.CashoutAt(ctx, 3, next)
	assert.ErrorIs(t, err, common.ErrNoActiveBet)

	assert.Equal(t, int64(900), f.ledger.View(1))
	assert.Equal(t, int64(1050), f.ledger.View(2))
	assert.Len(t, f.rec.Entries(1), 1)
	assert.Len(t, f.rec.Entries(2), 1)
}

func TestLateCashoutIgnoresBetInNewRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1)

	_, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)
	start := f.start(t)
	crashAt := start.Add(10 * time.Second)
	f.engine.Tick(ctx, crashAt)
	next := crashAt.Add(testConfig.Cooldown)
	f.engine.Tick(ctx, next)

	f.clock.Set(next)
	ticket, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, f.engine.State().RoundID, ticket.RoundID)

	// Запрос получен до смены раунда
	_, err = f.engine.CashoutAt(ctx, 1, next.Add(-time.Millisecond))
	assert.ErrorIs(t, err, common.ErrRoundAlreadySettled)

	_, err = f.engine.CashoutAt(ctx, 1, next)
	assert.ErrorIs(t, err, common.ErrInvalidPhase)
	assert.Equal(t, int64(800), f.ledger.View(1))
}

func TestPlaceBetReturnsRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, 1)

	round := f.engine.current().ID
	ticket, err := f.engine.PlaceBet(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, round, ticket.RoundID)
	assert.NotEqual(t, uuid.Nil, ticket.ReservationID)
	assert.Equal(t, 1, f.ledger.HeldCount(1))
}

func TestRunningMultiplierGrows(t *testing.T) {
	f := newFixture(t, 0.5)
	start := f.start(t)

	f.clock.Set(start.Add(250 * time.Millisecond))
	s := f.engine.State()
	assert.Equal(t, Running, s.Phase)
	assert.True(t, s.Multiplier.Equal(decimal.RequireFromString("1.02")))
	assert.Nil(t, s.CrashPoint)
}

func TestCrashPoint(t *testing.T) {
	maxCrash := decimal.NewFromInt(1000)

	assert.True(t, CrashPoint(0.5, 0, maxCrash).Equal(decimal.NewFromInt(2)))
	assert.True(t, CrashPoint(0, 0, maxCrash).Equal(one))
	assert.True(t, CrashPoint(0, 0.01, maxCrash).Equal(one))
	assert.True(t, CrashPoint(0.9999999, 0, maxCrash).Equal(maxCrash))
	assert.True(t, CrashPoint(0.75, 0.04, maxCrash).Equal(decimal.RequireFromString("3.84")))
}

func TestCrashPointDistribution(t *testing.T) {
	rng := random.NewSeeded(random.SeedFromUint64(7))
	maxCrash := decimal.NewFromInt(1000)
	two := decimal.NewFromInt(2)

	const draws = 100000
	above := 0
	for i := 0; i < draws; i++ {
		if CrashPoint(rng.Float64(), 0.01, maxCrash).GreaterThanOrEqual(two) {
			above++
		}
	}
	// P(crash ≥ 2) = 0.99 / 2
	assert.InDelta(t, 0.495, float64(above)/draws, 0.01)
}
