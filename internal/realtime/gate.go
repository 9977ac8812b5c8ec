package realtime

import (
	"context"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/sessions"
)

// Gate пускает соединение в канал: игра должна быть включена, токен — живым.
type Gate struct {
	resolver sessions.Resolver
	enabled  map[string]bool
}

// NewGate создаёт проверку доступа. enabled — включённые каналы.
func NewGate(resolver sessions.Resolver, enabled map[string]bool) *Gate {
	return &Gate{resolver: resolver, enabled: enabled}
}

// Enabled сообщает, открыт ли канал.
func (g *Gate) Enabled(channel string) bool {
	return g.enabled[channel]
}

// Admit возвращает пользователя для токена join.
func (g *Gate) Admit(ctx context.Context, channel, remote, token string) (int64, error) {
	logger := log.WithFields(log.Fields{
		"component": "Gate",
		"channel":   channel,
		"remote":    remote,
	})

	if !g.Enabled(channel) {
		logger.Debug("deny: channel disabled")
		return 0, common.ErrFeatureDisabled
	}
	if token == "" {
		logger.Debug("deny: empty token")
		return 0, common.ErrUnauthorized
	}

	userID, err := g.resolver.Resolve(ctx, token)
	if err != nil {
		logger.WithError(err).Info("deny: session")
		return 0, err
	}

	logger.WithField("user_id", userID).Debug("allow")
	return userID, nil
}
