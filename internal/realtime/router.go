package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/escalator"
	"serotonyl.ru/wager/internal/features/fairness"
	"serotonyl.ru/wager/internal/features/flip"
	"serotonyl.ru/wager/internal/features/grid"
	"serotonyl.ru/wager/internal/features/ledger"
)

// Games — игровые сервисы, которыми управляет роутер.
type Games struct {
	Escalator *escalator.Engine
	Flip      *flip.Service
	Grid      *grid.Service
	Queue     *fairness.Queue
	Ledger    *ledger.Ledger
}

// Router разбирает сообщения клиентов и вызывает игры.
// Ошибки игры уходят только в соединение, которое прислало сообщение.
type Router struct {
	games Games
	gate  *Gate
	hub   *Hub
}

// NewRouter создаёт роутер.
func NewRouter(games Games, gate *Gate, hub *Hub) *Router {
	return &Router{games: games, gate: gate, hub: hub}
}

type cancelled struct {
	Cancelled bool  `json:"cancelled"`
	Delta     int64 `json:"delta"`
	Balance   int64 `json:"new_balance"`
}

func unsupported(msgType, channel string) error {
	return fmt.Errorf("%w: %s недоступно в канале %s", common.ErrInvalidPayload, msgType, channel)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidPayload, err)
	}
	return nil
}

// dispatch обрабатывает одно сообщение. receivedAt — момент чтения из сокета.
func (rt *Router) dispatch(ctx context.Context, c *client, env Envelope, receivedAt time.Time) {
	err := rt.route(ctx, c, env, receivedAt)
	if err == nil {
		return
	}

	kind := common.Kind(err)
	fields := log.Fields{
		"channel": c.channel,
		"user_id": c.userID.Load(),
		"type":    env.Type,
		"kind":    kind,
	}
	if kind == "internal" || kind == "ledger_unavailable" {
		log.WithError(err).WithFields(fields).Error("Ошибка обработки сообщения")
	} else {
		log.WithError(err).WithFields(fields).Debug("Сообщение отклонено")
	}
	c.deliver(encode(MsgError, errorMessage{Kind: kind, Message: err.Error()}))
}

func (rt *Router) route(ctx context.Context, c *client, env Envelope, receivedAt time.Time) error {
	if env.Type == MsgJoin {
		return rt.join(ctx, c, env.Data)
	}

	userID := c.userID.Load()
	if userID == 0 {
		return common.ErrUnauthorized
	}

	if env.Type == MsgEnqueue {
		return rt.enqueue(ctx, c, userID, env.Data)
	}

	switch c.channel {
	case ChannelEscalator:
		return rt.escalator(ctx, c, userID, env, receivedAt)
	case ChannelFlip:
		return rt.flip(ctx, c, userID, env)
	case ChannelGrid:
		return rt.grid(ctx, c, userID, env)
	}
	return unsupported(env.Type, c.channel)
}

func (rt *Router) join(ctx context.Context, c *client, data json.RawMessage) error {
	var req joinRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	userID, err := rt.gate.Admit(ctx, c.channel, c.remote, req.Token)
	if err != nil {
		return err
	}
	c.userID.Store(userID)

	bal, err := rt.games.Ledger.Balance(ctx, userID)
	if err != nil {
		return err
	}
	c.deliver(encode(MsgJoined, joinedMessage{UserID: userID, Balance: bal.Points}))

	switch c.channel {
	case ChannelEscalator:
		c.deliver(encode(MsgRoundState, newEscalatorState(rt.games.Escalator.State())))
	case ChannelGrid:
		if v, err := rt.games.Grid.Current(userID); err == nil {
			c.deliver(encode(MsgRoundState, v))
		}
	}
	return nil
}

func (rt *Router) enqueue(ctx context.Context, c *client, userID int64, data json.RawMessage) error {
	var req enqueueRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	a, err := rt.games.Queue.Enqueue(ctx, userID, req.Kind, req.Payload)
	if err != nil {
		return err
	}
	c.deliver(encode(MsgQueued, queuedMessage{ActionID: a.ID, Kind: a.Kind}))
	return nil
}

func (rt *Router) escalator(ctx context.Context, c *client, userID int64, env Envelope, receivedAt time.Time) error {
	e := rt.games.Escalator

	switch env.Type {
	case MsgPlaceBet:
		var req placeBetRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		ticket, err := e.PlaceBet(ctx, userID, req.Amount)
		if err != nil {
			return err
		}
		c.deliver(encode(MsgBetAccepted, betAccepted{ReservationID: ticket.ReservationID, RoundID: ticket.RoundID, Amount: req.Amount}))
		return nil

	case MsgCancelBet:
		if err := e.CancelBet(ctx, userID); err != nil {
			return err
		}
		c.deliver(encode(MsgSettlement, cancelled{Cancelled: true, Balance: rt.games.Ledger.View(userID)}))
		return nil

	case MsgCashout:
		// Итог придёт через Hub.Settled всем соединениям пользователя
		_, err := e.CashoutAt(ctx, userID, receivedAt)
		return err
	}
	return unsupported(env.Type, c.channel)
}

func (rt *Router) flip(ctx context.Context, c *client, userID int64, env Envelope) error {
	if env.Type != MsgPlaceBet {
		return unsupported(env.Type, c.channel)
	}

	var req placeBetRequest
	if err := decode(env.Data, &req); err != nil {
		return err
	}
	side, err := flip.ParseSide(req.Side)
	if err != nil {
		return err
	}

	res, err := rt.games.Flip.Play(ctx, userID, side, req.Amount)
	if err != nil {
		return err
	}
	c.deliver(encode(MsgBetAccepted, betAccepted{ReservationID: res.ReservationID, RoundID: res.RoundID, Amount: res.Amount}))
	c.deliver(encode(MsgSettlement, res))
	return nil
}

func (rt *Router) grid(ctx context.Context, c *client, userID int64, env Envelope) error {
	g := rt.games.Grid

	switch env.Type {
	case MsgPlaceBet:
		var req placeBetRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		v, err := g.Start(ctx, userID, req.Amount, req.MineCount)
		if err != nil {
			return err
		}
		c.deliver(encode(MsgBetAccepted, betAccepted{ReservationID: v.ReservationID, RoundID: v.GameID, Amount: v.Amount}))
		c.deliver(encode(MsgRoundState, v))
		return nil

	case MsgRevealCell:
		var req revealRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		res, err := g.Reveal(ctx, userID, req.Row, req.Col)
		if err != nil {
			return err
		}
		c.deliver(encode(MsgRoundState, res.View))
		if res.Settlement != nil {
			c.deliver(encode(MsgSettlement, res.Settlement))
		}
		return nil

	case MsgCashout:
		st, err := g.Cashout(ctx, userID)
		if err != nil {
			return err
		}
		c.deliver(encode(MsgSettlement, st))
		return nil
	}
	return unsupported(env.Type, c.channel)
}
