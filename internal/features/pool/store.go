package pool

import (
	"context"
	"sync"
	"time"
)

// Store хранит вклады в пул.
type Store interface {
	// AddStake меняет вклад на delta и возвращает новый вклад.
	// Если вклад ушёл бы в минус, ничего не меняет и возвращает ErrInsufficientStake.
	AddStake(ctx context.Context, userID, delta int64) (int64, error)
	Stake(ctx context.Context, userID int64) (Stake, error)
	Total(ctx context.Context) (int64, error)
}

// MemoryStore — Store в памяти.
type MemoryStore struct {
	mu     sync.Mutex
	stakes map[int64]Stake
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stakes: make(map[int64]Stake)}
}

func (m *MemoryStore) AddStake(_ context.Context, userID, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stakes[userID]
	if s.Amount+delta < 0 {
		return s.Amount, ErrInsufficientStake
	}
	s.UserID = userID
	s.Amount += delta
	s.UpdatedAt = time.Now()
	m.stakes[userID] = s
	return s.Amount, nil
}

func (m *MemoryStore) Stake(_ context.Context, userID int64) (Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stakes[userID]
	if !ok {
		return Stake{UserID: userID}, nil
	}
	return s, nil
}

func (m *MemoryStore) Total(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, s := range m.stakes {
		total += s.Amount
	}
	return total, nil
}
