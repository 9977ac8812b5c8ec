// Package random даёт играм и очереди единый интерфейс случайности.
//
// В продакшене все розыгрыши идут через crypto/rand. В тестах источник
// подменяется детерминированным ChaCha8 с фиксированным сидом, поэтому
// любой розыгрыш (точка краша, сторона монеты, расстановка мин) воспроизводим.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Seed — 32 байта энтропии для ChaCha8.
type Seed [32]byte

// Source — источник случайных чисел для игровых розыгрышей.
// Реализации обязаны быть безопасными для конкурентного использования.
type Source interface {
	// Float64 возвращает число из [0, 1).
	Float64() float64
	// IntN возвращает число из [0, n). n должно быть > 0.
	IntN(n int) int
}

// Seeder выдаёт свежие сиды для тиков очереди справедливости.
type Seeder interface {
	NewSeed() (Seed, error)
}

// cryptoSource реализует rand.Source поверх crypto/rand.
type cryptoSource struct{}

func (cryptoSource) Uint64() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand.Read не возвращает ошибок на поддерживаемых платформах
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Crypto — криптостойкий источник для продакшена.
type Crypto struct {
	r *rand.Rand
}

// NewCrypto создаёт источник поверх crypto/rand.
func NewCrypto() *Crypto {
	return &Crypto{r: rand.New(cryptoSource{})}
}

func (c *Crypto) Float64() float64 { return c.r.Float64() }
func (c *Crypto) IntN(n int) int    { return c.r.IntN(n) }

// NewSeed читает 32 байта из crypto/rand.
func (c *Crypto) NewSeed() (Seed, error) {
	var s Seed
	if _, err := crand.Read(s[:]); err != nil {
		return s, fmt.Errorf("не удалось получить сид: %w", err)
	}
	return s, nil
}

// Seeded — детерминированный источник (ChaCha8) для тестов и воспроизведения.
type Seeded struct {
	mu   sync.Mutex
	r    *rand.Rand
	next uint64
	base Seed
}

// NewSeeded создаёт детерминированный источник из сида.
func NewSeeded(seed Seed) *Seeded {
	return &Seeded{r: rand.New(rand.NewChaCha8(seed)), base: seed}
}

// SeedFromUint64 удобен в тестах: разворачивает число в Seed.
func SeedFromUint64(v uint64) Seed {
	var s Seed
	binary.LittleEndian.PutUint64(s[:8], v)
	return s
}

func (s *Seeded) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

func (s *Seeded) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

// NewSeed выдаёт предсказуемую последовательность сидов: base с номером в последних байтах.
func (s *Seeded) NewSeed() (Seed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	seed := s.base
	binary.LittleEndian.PutUint64(seed[24:], s.next)
	return seed, nil
}

// Stream возвращает независимый поток ChaCha8 для одного сида.
// Используется очередью: один тик — один сид — одна перестановка.
func Stream(seed Seed) *rand.Rand {
	return rand.New(rand.NewChaCha8(seed))
}
