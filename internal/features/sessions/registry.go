// Package sessions — реестр сессий: токен соединения → пользователь.
//
// Токен живёт TTL с момента последнего использования. Выдавать токены может
// только владелец Issuer, который возвращает конструктор; остальные модули
// видят реестр через Resolver.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
)

// Resolver сопоставляет токен пользователю.
type Resolver interface {
	Resolve(ctx context.Context, token string) (int64, error)
}

// Session — выданная сессия.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type entry struct {
	userID    int64
	expiresAt time.Time
}

// Registry хранит сессии в памяти.
type Registry struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Issuer выдаёт и отзывает токены.
type Issuer struct {
	r *Registry
}

// Option настраивает Registry.
type Option func(*Registry)

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New создаёт реестр и право на выдачу токенов.
func New(ttl time.Duration, opts ...Option) (*Registry, *Issuer) {
	r := &Registry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, &Issuer{r: r}
}

// Resolve возвращает пользователя по токену и продлевает сессию.
func (r *Registry) Resolve(_ context.Context, token string) (int64, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return 0, common.ErrSessionNotFound
	}
	if !now.Before(e.expiresAt) {
		delete(r.entries, token)
		return 0, common.ErrSessionExpired
	}
	e.expiresAt = now.Add(r.ttl)
	return e.userID, nil
}

// Sweep удаляет истёкшие сессии и возвращает их число.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	removed := 0
	for token, e := range r.entries {
		if !now.Before(e.expiresAt) {
			delete(r.entries, token)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		log.WithField("count", removed).Debug("Истёкшие сессии удалены")
	}
	return removed
}

// Len возвращает число живых и ещё не вычищенных сессий.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Issue выдаёт новый токен пользователю.
func (i *Issuer) Issue(_ context.Context, userID int64) (Session, error) {
	if userID <= 0 {
		return Session{}, common.ErrUnauthorized
	}
	token, err := uuid.NewRandom()
	if err != nil {
		return Session{}, err
	}

	s := Session{
		Token:     token.String(),
		UserID:    userID,
		ExpiresAt: i.r.now().Add(i.r.ttl),
	}

	i.r.mu.Lock()
	i.r.entries[s.Token] = &entry{userID: userID, expiresAt: s.ExpiresAt}
	i.r.mu.Unlock()

	log.WithField("user_id", userID).Info("Сессия выдана")
	return s, nil
}

// Revoke отзывает токен. Отзыв неизвестного токена не ошибка.
func (i *Issuer) Revoke(token string) {
	i.r.mu.Lock()
	delete(i.r.entries, token)
	i.r.mu.Unlock()
}
