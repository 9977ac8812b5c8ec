package fairness

import (
	"context"
	"errors"
	"sort"
	"sync"

	"serotonyl.ru/wager/internal/common"
)

// Store хранит блоки и dead letters.
type Store interface {
	// LastBlock возвращает последний сохранённый блок или nil.
	LastBlock(ctx context.Context) (*BlockRecord, error)
	SaveBlock(ctx context.Context, b *BlockRecord) error
	// Block возвращает блок по номеру или common.ErrBlockNotFound.
	Block(ctx context.Context, number uint64) (*BlockRecord, error)
	// Blocks возвращает блоки с from по to включительно, по возрастанию номера.
	Blocks(ctx context.Context, from, to uint64) ([]BlockRecord, error)
	SaveDeadLetter(ctx context.Context, d DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

var errStoreDown = errors.New("хранилище блоков недоступно")

// MemoryStore — Store в памяти для тестов и запуска без БД.
type MemoryStore struct {
	mu     sync.Mutex
	blocks map[uint64]BlockRecord
	dead   []DeadLetter
	fail   bool
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[uint64]BlockRecord)}
}

// SetFailing включает имитацию отказа записи блоков.
func (m *MemoryStore) SetFailing(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *MemoryStore) LastBlock(context.Context) (*BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *BlockRecord
	for n := range m.blocks {
		if last == nil || n > last.BlockNumber {
			b := m.blocks[n]
			last = &b
		}
	}
	return last, nil
}

func (m *MemoryStore) SaveBlock(_ context.Context, b *BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	if _, ok := m.blocks[b.BlockNumber]; !ok {
		m.blocks[b.BlockNumber] = *b
	}
	return nil
}

func (m *MemoryStore) Block(_ context.Context, number uint64) (*BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[number]
	if !ok {
		return nil, common.ErrBlockNotFound
	}
	return &b, nil
}

func (m *MemoryStore) Blocks(_ context.Context, from, to uint64) ([]BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BlockRecord
	for n, b := range m.blocks {
		if n >= from && n <= to {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (m *MemoryStore) SaveDeadLetter(_ context.Context, d DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, d)
	return nil
}

func (m *MemoryStore) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, limit)
	for i := len(m.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dead[i])
	}
	return out, nil
}
