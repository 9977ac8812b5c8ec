// Package common — retry.go повторяет операции ввода-вывода с экспоненциальной задержкой.
package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// RetryPolicy описывает ограниченный повтор: число попыток и границы задержки.
type RetryPolicy struct {
	MaxTries     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy — 4 попытки, 50ms → 1s.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:     4,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
}

// Permanent помечает ошибку как неповторяемую: Retry вернёт её сразу.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry выполняет op, пока она не завершится успешно, не вернёт Permanent-ошибку
// или не кончатся попытки. what попадает в лог для каждой неудачной попытки.
func Retry(ctx context.Context, policy RetryPolicy, what string, op func() error) error {
	if policy.MaxTries == 0 {
		policy = DefaultRetryPolicy
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithFields(log.Fields{
				"op":   what,
				"next": next,
			}).Warn("Операция не удалась, повторяем")
		}),
	)
	return err
}
