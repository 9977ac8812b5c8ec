package activity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory — Recorder в памяти. Используется в тестах игр и при запуске без БД.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	stats   map[int64]*Stats
	rounds  map[uuid.UUID]RoundArchive
	seen    map[uuid.UUID]struct{}
}

// NewMemory создаёт пустой Recorder в памяти.
func NewMemory() *Memory {
	return &Memory{
		stats:  make(map[int64]*Stats),
		rounds: make(map[uuid.UUID]RoundArchive),
		seen:   make(map[uuid.UUID]struct{}),
	}
}

// Append сохраняет запись; повтор той же ставки игнорируется.
func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[e.ReservationID]; dup && e.ReservationID != uuid.Nil {
		return nil
	}
	m.seen[e.ReservationID] = struct{}{}

	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)

	s, ok := m.stats[e.UserID]
	if !ok {
		s = &Stats{UserID: e.UserID}
		m.stats[e.UserID] = s
	}
	s.Add(e)
	return nil
}

// ArchiveRound сохраняет раунд.
func (m *Memory) ArchiveRound(_ context.Context, a RoundArchive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[a.RoundID]; !ok {
		m.rounds[a.RoundID] = a
	}
	return nil
}

// Entries возвращает копию всех записей пользователя.
func (m *Memory) Entries(userID int64) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// Stats возвращает статистику пользователя.
func (m *Memory) Stats(userID int64) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[userID]; ok {
		return *s
	}
	return Stats{UserID: userID}
}

// Round возвращает архив раунда.
func (m *Memory) Round(id uuid.UUID) (RoundArchive, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rounds[id]
	return a, ok
}

// GetStats — то же, что Stats, в форме Service.GetStats.
func (m *Memory) GetStats(_ context.Context, userID int64) (*Stats, error) {
	s := m.Stats(userID)
	return &s, nil
}
