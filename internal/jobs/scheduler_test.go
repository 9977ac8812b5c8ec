package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wager/internal/features/fairness"
)

type fakeTicker struct{ n atomic.Int64 }

func (f *fakeTicker) Tick(context.Context) (*fairness.BlockRecord, error) {
	n := f.n.Add(1)
	return &fairness.BlockRecord{BlockNumber: uint64(n)}, nil
}

type fakeFlusher struct{ err error }

func (f fakeFlusher) Flush(context.Context) (int, error) { return 2, f.err }

type fakePurger struct{ before time.Time }

func (f *fakePurger) PurgeAttempts(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 1, nil
}

func TestSchedulerRunsJobs(t *testing.T) {
	tk := &fakeTicker{}
	s := NewScheduler(FairnessTick("@every 1s", tk))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return tk.n.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	after := tk.n.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, tk.n.Load(), "после Stop задачи не запускаются")
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(Job{Name: "broken", Spec: "каждую секунду", Run: func(context.Context) error { return nil }})
	require.Error(t, s.Start(context.Background()))
}

func TestSkipsRunsAfterContextCancelled(t *testing.T) {
	var calls atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler()
	s.wrap(ctx, Job{Name: "noop", Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})()
	assert.Zero(t, calls.Load())
}

func TestJobConstructors(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, LedgerFlush("@every 1m", fakeFlusher{}).Run(ctx))
	boom := errors.New("db down")
	require.ErrorIs(t, LedgerFlush("@every 1m", fakeFlusher{err: boom}).Run(ctx), boom)

	p := &fakePurger{}
	require.NoError(t, AttemptPurge("@daily", p, time.Hour).Run(ctx))
	assert.WithinDuration(t, time.Now().Add(-time.Hour), p.before, time.Second)

	tk := &fakeTicker{}
	require.NoError(t, FairnessTick("@every 1s", tk).Run(ctx))
	assert.Equal(t, int64(1), tk.n.Load())
}
