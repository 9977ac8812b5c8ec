package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wager/internal/common"
)

// memStore — хранилище в памяти, умеет имитировать отказ БД.
type memStore struct {
	mu           sync.Mutex
	balances     map[int64]Balance
	reservations map[uuid.UUID]Reservation
	archive      map[uuid.UUID]Reservation
	journal      []JournalEntry

	fail  atomic.Bool
	loads atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		balances:     make(map[int64]Balance),
		reservations: make(map[uuid.UUID]Reservation),
		archive:      make(map[uuid.UUID]Reservation),
	}
}

func (s *memStore) LoadBalance(_ context.Context, userID int64) (Balance, bool, error) {
	s.loads.Add(1)
	time.Sleep(5 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	return b, ok, nil
}

func (s *memStore) ListHeld(context.Context) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.reservations {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) Apply(_ context.Context, m Mutation) error {
	if s.fail.Load() {
		return errors.New("connection refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.balances[m.Balance.UserID]; !ok || cur.Version < m.Balance.Version {
		s.balances[m.Balance.UserID] = m.Balance
	}
	if r := m.Reservation; r != nil {
		if r.State == Held {
			if _, archived := s.archive[r.ID]; !archived {
				s.reservations[r.ID] = *r
			}
		} else {
			delete(s.reservations, r.ID)
			s.archive[r.ID] = *r
		}
	}
	s.journal = append(s.journal, m.Journal)
	return nil
}

func (s *memStore) points(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID].Points
}

var fastRetry = common.RetryPolicy{MaxTries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func newFunded(t *testing.T, store Store, userID, points int64) *Ledger {
	t.Helper()
	l := New(store, WithRetry(fastRetry))
	_, err := l.Adjust(context.Background(), userID, points, "seed")
	require.NoError(t, err)
	return l
}

func TestReserveCommitNetChange(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := newFunded(t, store, 1, 1000)

	res, err := l.Reserve(ctx, 1, 100, "flip:test")
	require.NoError(t, err)
	assert.Equal(t, int64(900), l.View(1))
	assert.Equal(t, Held, res.State)

	bal, err := l.Commit(ctx, res.ID, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(1150), bal.Points)
	assert.Equal(t, int64(1150), store.points(1))

	res, err = l.Reserve(ctx, 1, 200, "flip:test")
	require.NoError(t, err)
	bal, err = l.Commit(ctx, res.ID, -200)
	require.NoError(t, err)
	assert.Equal(t, int64(950), bal.Points)
	assert.Equal(t, 0, l.HeldCount(1))
}

func TestReserveInsufficientFunds(t *testing.T) {
	l := newFunded(t, nil, 1, 50)

	_, err := l.Reserve(context.Background(), 1, 51, "grid:test")
	require.ErrorIs(t, err, common.ErrInsufficientFunds)
	assert.Equal(t, int64(50), l.View(1))

	_, err = l.Reserve(context.Background(), 1, 0, "grid:test")
	require.ErrorIs(t, err, common.ErrInvalidAmount)
}

func TestSettleIsSingleShot(t *testing.T) {
	ctx := context.Background()
	l := newFunded(t, nil, 1, 100)

	res, err := l.Reserve(ctx, 1, 40, "escalator:test")
	require.NoError(t, err)

	_, err = l.Commit(ctx, res.ID, -40)
	require.NoError(t, err)

	_, err = l.Commit(ctx, res.ID, 100)
	require.ErrorIs(t, err, common.ErrReservationInvalid)
	_, err = l.Release(ctx, res.ID)
	require.ErrorIs(t, err, common.ErrReservationInvalid)
	assert.Equal(t, int64(60), l.View(1))

	_, err = l.Commit(ctx, uuid.New(), 0)
	require.ErrorIs(t, err, common.ErrReservationInvalid)
}

func TestCommitRejectsLossAboveReservation(t *testing.T) {
	ctx := context.Background()
	l := newFunded(t, nil, 1, 100)

	res, err := l.Reserve(ctx, 1, 40, "flip:test")
	require.NoError(t, err)

	_, err = l.Commit(ctx, res.ID, -41)
	require.ErrorIs(t, err, common.ErrInvalidAmount)

	// Резерв остался открытым
	bal, err := l.Release(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Points)
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := newFunded(t, store, 7, 1000)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		ids      = make(chan uuid.UUID, 200)
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(ctx, 7, 30, "flip:race")
			if err != nil {
				assert.ErrorIs(t, err, common.ErrInsufficientFunds)
				return
			}
			accepted.Add(1)
			ids <- res.ID
			assert.GreaterOrEqual(t, l.View(7), int64(0))
		}()
	}
	wg.Wait()
	close(ids)

	assert.Equal(t, int64(33), accepted.Load())
	assert.Equal(t, int64(1000-33*30), l.View(7))

	// Половину выигрываем, половину проигрываем
	var expected int64 = 1000
	i := 0
	for id := range ids {
		delta := int64(30)
		if i%2 == 1 {
			delta = -30
		}
		expected += delta
		_, err := l.Commit(ctx, id, delta)
		require.NoError(t, err)
		i++
	}
	assert.Equal(t, expected, l.View(7))
	assert.Equal(t, expected, store.points(7))
}

func TestConcurrentMixedSettlementsAcrossUsers(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := New(store, WithRetry(fastRetry))

	const (
		users    = 8
		workers  = 4
		rounds   = 60
		initial  = 500
		maxStake = 120
	)
	tally := make([]atomic.Int64, users+1)
	for u := int64(1); u <= users; u++ {
		_, err := l.Adjust(ctx, u, initial, "seed")
		require.NoError(t, err)
		tally[u].Store(initial)
	}

	stop := make(chan struct{})
	var negative atomic.Int64
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for u := int64(1); u <= users; u++ {
				if l.View(u) < 0 {
					negative.Add(1)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for u := int64(1); u <= users; u++ {
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(u int64, w int) {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					amount := int64(10 + (int(u)*31+w*17+i*7)%maxStake)
					res, err := l.Reserve(ctx, u, amount, "grid:mixed")
					if err != nil {
						assert.ErrorIs(t, err, common.ErrInsufficientFunds)
						continue
					}

					var delta int64
					switch (i + w) % 3 {
					case 0:
						_, err = l.Release(ctx, res.ID)
					case 1:
						delta = amount / 2
						_, err = l.Commit(ctx, res.ID, delta)
					default:
						delta = -amount
						_, err = l.Commit(ctx, res.ID, delta)
					}
					if assert.NoError(t, err) {
						tally[u].Add(delta)
					}
				}
			}(u, w)
		}
	}
	wg.Wait()
	close(stop)
	<-watched

	assert.Zero(t, negative.Load(), "баланс не должен уходить в минус")
	for u := int64(1); u <= users; u++ {
		assert.Equal(t, tally[u].Load(), l.View(u), "user %d", u)
		assert.Equal(t, tally[u].Load(), store.points(u), "user %d", u)
		assert.Zero(t, l.HeldCount(u))
	}
	assert.Zero(t, l.Unsynced())
}

func TestConcurrentLoadHitsStoreOnce(t *testing.T) {
	store := newMemStore()
	store.balances[3] = Balance{UserID: 3, Points: 500, Version: 4}
	l := New(store, WithRetry(fastRetry))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := l.Balance(context.Background(), 3)
			assert.NoError(t, err)
			assert.Equal(t, int64(500), b.Points)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.loads.Load())
}

func TestReserveRefusedWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := newFunded(t, store, 1, 300)

	store.fail.Store(true)
	_, err := l.Reserve(ctx, 1, 100, "flip:test")
	require.ErrorIs(t, err, common.ErrLedgerUnavailable)
	assert.Equal(t, int64(300), l.View(1))
	assert.Equal(t, 0, l.HeldCount(1))
	assert.Equal(t, 2, l.Unsynced())

	store.fail.Store(false)
	written, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 0, l.Unsynced())
	assert.Equal(t, int64(300), store.points(1))
	assert.Empty(t, store.reservations)
}

func TestCommitSurvivesStoreOutage(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := newFunded(t, store, 1, 300)

	res, err := l.Reserve(ctx, 1, 100, "grid:test")
	require.NoError(t, err)

	store.fail.Store(true)
	bal, err := l.Commit(ctx, res.ID, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(550), bal.Points)
	assert.Equal(t, int64(200), store.points(1))

	store.fail.Store(false)
	_, err = l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(550), store.points(1))
	assert.Contains(t, store.archive, res.ID)
}

func TestRecoverHeldReturnsOrphans(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	first := newFunded(t, store, 9, 500)
	_, err := first.Reserve(ctx, 9, 120, "escalator:crashed-process")
	require.NoError(t, err)
	require.Equal(t, int64(380), store.points(9))

	// Новый процесс видит висящий резерв и возвращает очки
	second := New(store, WithRetry(fastRetry))
	n, err := second.RecoverHeld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(500), second.View(9))
	assert.Equal(t, int64(500), store.points(9))
	assert.Empty(t, store.reservations)
}

func TestAdjustCannotGoNegative(t *testing.T) {
	l := newFunded(t, nil, 1, 10)

	_, err := l.Adjust(context.Background(), 1, -11, "pool.stake")
	require.ErrorIs(t, err, common.ErrInsufficientFunds)

	bal, err := l.Adjust(context.Background(), 1, -10, "pool.stake")
	require.NoError(t, err)
	assert.Zero(t, bal.Points)
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	l := newFunded(t, nil, 1, 100)
	_, err := l.Adjust(ctx, 2, 100, "seed")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, 1, 60, "escalator:r1")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 2, 70, "escalator:r1")
	require.NoError(t, err)

	assert.Equal(t, 2, l.ReleaseAll(ctx))
	assert.Equal(t, int64(100), l.View(1))
	assert.Equal(t, int64(100), l.View(2))
}
