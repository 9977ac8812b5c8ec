package grid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/random"
)

// firstCells кладёт мины в первые клетки поля: IntN всегда 0.
type firstCells struct{}

func (firstCells) Float64() float64 { return 0 }
func (firstCells) IntN(int) int      { return 0 }

var testConfig = Config{
	Rows:        5,
	Cols:        5,
	MaxMines:    24,
	HouseEdge:   decimal.Zero,
	MaxBet:      10000,
	IdleTimeout: 30 * time.Minute,
}

func setup(t *testing.T, rng random.Source) (*Service, *ledger.Ledger, *activity.Memory) {
	t.Helper()
	l := ledger.New(nil)
	_, err := l.Adjust(context.Background(), 1, 1000, "seed")
	require.NoError(t, err)
	rec := activity.NewMemory()
	return NewService(testConfig, l, rec, rng), l, rec
}

func TestMultiplier(t *testing.T) {
	cases := []struct {
		mines, revealed int
		edge            string
		want            string
	}{
		{1, 0, "0", "1"},
		{1, 1, "0", "1.0416"},
		{3, 2, "0", "1.2987"},
		{24, 1, "0", "25"},
		{1, 1, "0.01", "1.0312"},
		{5, 3, "0", "2.0175"},
	}
	for _, c := range cases {
		got := Multiplier(25, c.mines, c.revealed, decimal.RequireFromString(c.edge))
		assert.True(t, got.Equal(decimal.RequireFromString(c.want)), "mines=%d k=%d: %s", c.mines, c.revealed, got)
	}
}

func TestMultiplierIsFair(t *testing.T) {
	const cells = 25
	for mines := 1; mines < cells; mines++ {
		survive := 1.0
		for k := 1; k <= cells-mines; k++ {
			survive *= float64(cells-mines-k+1) / float64(cells-k+1)
			m := Multiplier(cells, mines, k, decimal.Zero).InexactFloat64()
			// Округление вниз до 4 знаков только уменьшает возврат
			ev := survive * m
			assert.LessOrEqual(t, ev, 1.0+1e-9, "mines=%d k=%d", mines, k)
			assert.InDelta(t, 1.0, ev, 1e-4*m*survive+1e-9, "mines=%d k=%d", mines, k)
		}
	}
}

func TestMineBustsGame(t *testing.T) {
	ctx := context.Background()
	svc, l, rec := setup(t, firstCells{})

	v, err := svc.Start(ctx, 1, 100, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(900), l.View(1))
	assert.Equal(t, CellHidden, v.Board[0][0])

	res, err := svc.Reveal(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Mine)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, Busted, res.Settlement.Phase)
	assert.Equal(t, int64(-100), res.Settlement.Delta)
	assert.Equal(t, int64(900), l.View(1))
	assert.Equal(t, CellMine, res.View.Board[0][2])

	entries := rec.Entries(1)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-100), entries[0].PointsProfit)

	_, err = svc.Reveal(ctx, 1, 1, 1)
	require.ErrorIs(t, err, common.ErrRoundAlreadySettled)
	_, err = svc.Cashout(ctx, 1)
	require.ErrorIs(t, err, common.ErrRoundAlreadySettled)
	assert.Equal(t, int64(900), l.View(1))
	assert.Len(t, rec.Entries(1), 1)
}

func TestSettledGameRejectsLateActionsUntilNextStart(t *testing.T) {
	ctx := context.Background()
	svc, l, rec := setup(t, firstCells{})

	_, err := svc.Start(ctx, 1, 100, 3)
	require.NoError(t, err)
	_, err = svc.Reveal(ctx, 1, 4, 4)
	require.NoError(t, err)
	st, err := svc.Cashout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, CashedOut, st.Phase)
	balance := l.View(1)

	_, err = svc.Cashout(ctx, 1)
	require.ErrorIs(t, err, common.ErrRoundAlreadySettled)
	_, err = svc.Reveal(ctx, 1, 3, 3)
	require.ErrorIs(t, err, common.ErrRoundAlreadySettled)
	assert.Equal(t, balance, l.View(1))
	assert.Len(t, rec.Entries(1), 1)
	assert.Zero(t, svc.ActiveGames())

	// Новая игра заменяет рассчитанную
	v, err := svc.Start(ctx, 1, 100, 3)
	require.NoError(t, err)
	assert.NotEqual(t, st.GameID, v.GameID)
	_, err = svc.Start(ctx, 1, 100, 3)
	require.ErrorIs(t, err, common.ErrGameInProgress)
	_, err = svc.Reveal(ctx, 1, 4, 4)
	require.NoError(t, err)
}

func TestCashoutIsDeterministic(t *testing.T) {
	ctx := context.Background()
	svc, l, _ := setup(t, firstCells{})

	_, err := svc.Start(ctx, 1, 100, 3)
	require.NoError(t, err)

	res, err := svc.Reveal(ctx, 1, 4, 4)
	require.NoError(t, err)
	assert.False(t, res.Mine)
	assert.True(t, res.View.Multiplier.Equal(decimal.RequireFromString("1.1363")))
	assert.True(t, res.View.NextMultiplier.Equal(decimal.RequireFromString("1.2987")))

	_, err = svc.Reveal(ctx, 1, 4, 3)
	require.NoError(t, err)

	st, err := svc.Cashout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, CashedOut, st.Phase)
	assert.True(t, st.Multiplier.Equal(decimal.RequireFromString("1.2987")))
	assert.Equal(t, int64(29), st.Delta)
	assert.Equal(t, int64(1029), l.View(1))
}

func TestRevealErrors(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t, firstCells{})

	_, err := svc.Reveal(ctx, 1, 0, 0)
	require.ErrorIs(t, err, common.ErrNoActiveGame)

	_, err = svc.Start(ctx, 1, 100, 1)
	require.NoError(t, err)

	_, err = svc.Reveal(ctx, 1, 5, 0)
	require.ErrorIs(t, err, common.ErrInvalidCellIndex)
	_, err = svc.Reveal(ctx, 1, 0, -1)
	require.ErrorIs(t, err, common.ErrOutOfBounds)

	_, err = svc.Reveal(ctx, 1, 2, 2)
	require.NoError(t, err)
	_, err = svc.Reveal(ctx, 1, 2, 2)
	require.ErrorIs(t, err, common.ErrAlreadyRevealed)
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()
	svc, l, _ := setup(t, firstCells{})

	_, err := svc.Start(ctx, 1, 100, 0)
	require.ErrorIs(t, err, common.ErrInvalidMineCount)
	_, err = svc.Start(ctx, 1, 100, 25)
	require.ErrorIs(t, err, common.ErrInvalidMineCount)
	_, err = svc.Start(ctx, 1, -5, 3)
	require.ErrorIs(t, err, common.ErrInvalidAmount)
	_, err = svc.Start(ctx, 1, 5000, 3)
	require.ErrorIs(t, err, common.ErrInsufficientFunds)
	assert.Zero(t, svc.ActiveGames())

	_, err = svc.Start(ctx, 1, 100, 3)
	require.NoError(t, err)
	_, err = svc.Start(ctx, 1, 100, 3)
	require.ErrorIs(t, err, common.ErrGameInProgress)
	assert.Equal(t, int64(900), l.View(1))
}

func TestRevealingAllSafeCellsCashesOut(t *testing.T) {
	ctx := context.Background()
	svc, l, _ := setup(t, firstCells{})

	// 24 мины в клетках 0..23, безопасна только (4, 4)
	_, err := svc.Start(ctx, 1, 100, 24)
	require.NoError(t, err)

	res, err := svc.Reveal(ctx, 1, 4, 4)
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, CashedOut, res.Settlement.Phase)
	assert.Equal(t, int64(2400), res.Settlement.Delta)
	assert.Equal(t, int64(3400), l.View(1))
	assert.Zero(t, svc.ActiveGames())
}

func TestConcurrentCashoutSettlesOnce(t *testing.T) {
	ctx := context.Background()
	svc, l, rec := setup(t, firstCells{})

	_, err := svc.Start(ctx, 1, 100, 24)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Cashout(ctx, 1)
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, common.ErrRoundAlreadySettled)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Len(t, rec.Entries(1), 1)
	// Кэшаут до первого хода возвращает ставку
	assert.Equal(t, int64(1000), l.View(1))
}

func TestSweepIdle(t *testing.T) {
	ctx := context.Background()
	svc, l, rec := setup(t, firstCells{})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	_, err := svc.Start(ctx, 1, 100, 3)
	require.NoError(t, err)
	_, err = svc.Reveal(ctx, 1, 4, 4)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	assert.Zero(t, svc.SweepIdle(ctx))

	now = now.Add(30 * time.Minute)
	assert.Equal(t, 1, svc.SweepIdle(ctx))
	assert.Equal(t, int64(1013), l.View(1))
	assert.Zero(t, svc.ActiveGames())
	assert.Len(t, rec.Entries(1), 1)

	_, err = svc.Cashout(ctx, 1)
	require.ErrorIs(t, err, common.ErrRoundAlreadySettled)

	// Рассчитанная игра убирается следующим проходом после таймаута
	now = now.Add(31 * time.Minute)
	assert.Zero(t, svc.SweepIdle(ctx))
	_, err = svc.Cashout(ctx, 1)
	require.ErrorIs(t, err, common.ErrNoActiveGame)
}

func TestSeededBoardsAreReproducible(t *testing.T) {
	a := NewService(testConfig, nil, nil, random.NewSeeded(random.SeedFromUint64(11)))
	b := NewService(testConfig, nil, nil, random.NewSeeded(random.SeedFromUint64(11)))

	for i := 0; i < 10; i++ {
		ma := a.placeMines(5)
		mb := b.placeMines(5)
		assert.Equal(t, ma, mb)

		n := 0
		for _, m := range ma {
			if m {
				n++
			}
		}
		assert.Equal(t, 5, n)
	}
}
