package activity

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsAddTracksRTP(t *testing.T) {
	var s Stats
	s.Add(Entry{PointsBet: 100, PointsProfit: -100})
	s.Add(Entry{PointsBet: 100, PointsProfit: 150})

	assert.Equal(t, 2, s.TotalRounds)
	assert.Equal(t, int64(200), s.TotalWagered)
	assert.Equal(t, int64(250), s.TotalWon)
	assert.Equal(t, int64(150), s.BiggestWin)
	assert.InDelta(t, 125.0, s.RTP, 1e-9)
}

func TestMemoryIgnoresDuplicateReservation(t *testing.T) {
	m := NewMemory()
	e := Entry{
		UserID:        1,
		GameType:      GameFlip,
		PointsBet:     100,
		PointsProfit:  -100,
		Multiplier:    decimal.Zero,
		RoundID:       uuid.New(),
		ReservationID: uuid.New(),
	}

	require.NoError(t, m.Append(context.Background(), e))
	require.NoError(t, m.Append(context.Background(), e))

	assert.Len(t, m.Entries(1), 1)
	assert.Equal(t, 1, m.Stats(1).TotalRounds)
}

func TestMarshalRound(t *testing.T) {
	raw := MarshalRound(map[string]any{"crash_point": "2.15"})
	assert.JSONEq(t, `{"crash_point":"2.15"}`, string(raw))

	raw = MarshalRound(make(chan int))
	assert.JSONEq(t, `{}`, string(raw))
}
