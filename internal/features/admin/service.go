// Package admin — service.go проверяет админ-ключ.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"serotonyl.ru/wager/internal/common"
)

// Параметры Argon2id для новых хешей.
const (
	argonMemory      uint32 = 65536 // 64 MB
	argonIterations  uint32 = 3
	argonParallelism uint8  = 2
	argonKeyLength   uint32 = 32
)

// Service проверяет ключ администратора.
type Service struct {
	attempts AttemptStore
	keyHash  string
	now      func() time.Time
}

// NewService создаёт сервис. Пустой keyHash отключает админ-доступ.
func NewService(attempts AttemptStore, keyHash string) *Service {
	return &Service{attempts: attempts, keyHash: keyHash, now: time.Now}
}

// VerifyKey проверяет ключ с адреса remote.
// 3 неудачные попытки за час блокируют адрес на час.
func (s *Service) VerifyKey(ctx context.Context, remote, key string) error {
	if s.keyHash == "" {
		return common.ErrUnauthorized
	}

	failures, err := s.attempts.RecentFailures(ctx, remote, s.now().Add(-lockoutPeriod))
	if err != nil {
		return fmt.Errorf("проверка попыток входа: %w", err)
	}
	if failures >= maxFailures {
		return common.ErrTooManyAttempts
	}

	match := verifyArgon2id(key, s.keyHash)
	if err := s.attempts.LogAttempt(ctx, remote, match); err != nil {
		log.WithError(err).WithField("remote", remote).Warn("Не удалось записать попытку входа")
	}

	if !match {
		log.WithField("remote", remote).Warn("Неверный админ-ключ")
		return common.ErrUnauthorized
	}
	return nil
}

// HashKey возвращает хеш ключа в формате
// $argon2id$v=19$m=65536,t=3,p=2$<salt_base64>$<hash_base64>
func HashKey(key string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("ошибка генерации соли: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyArgon2id проверяет ключ по хешу Argon2id.
func verifyArgon2id(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("Некорректный формат хеша Argon2id")
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		log.WithError(err).Error("Ошибка парсинга параметров Argon2id")
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования соли")
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования хеша")
		return false
	}

	computed := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, uint32(len(expected)))

	// Сравнение в постоянном времени
	return subtle.ConstantTimeCompare(computed, expected) == 1
}
