// Package grid — service.go ведёт игры: старт, открытие клеток, кэшаут, авто-кэшаут простаивающих.
package grid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/random"
)

// Config — параметры поля.
type Config struct {
	Rows        int
	Cols        int
	MaxMines    int
	HouseEdge   decimal.Decimal
	MaxBet      int64
	IdleTimeout time.Duration
}

// Service управляет играми. У пользователя не больше одной активной игры.
// Завершённая игра остаётся в games до следующего Start: поздние ходы по ней
// получают ErrRoundAlreadySettled.
type Service struct {
	cfg      Config
	ledger   *ledger.Ledger
	recorder activity.Recorder
	rng      random.Source
	now      func() time.Time

	mu    sync.Mutex
	games map[int64]*Game
}

// NewService создаёт сервис игры.
func NewService(cfg Config, l *ledger.Ledger, rec activity.Recorder, rng random.Source) *Service {
	return &Service{
		cfg:      cfg,
		ledger:   l,
		recorder: rec,
		rng:      rng,
		now:      time.Now,
		games:    make(map[int64]*Game),
	}
}

// SetClock подменяет часы (для тестов).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) cells() int { return s.cfg.Rows * s.cfg.Cols }

// Start резервирует ставку и расставляет мины.
func (s *Service) Start(ctx context.Context, userID, amount int64, mineCount int) (*View, error) {
	if mineCount < 1 || mineCount > s.cfg.MaxMines || mineCount >= s.cells() {
		return nil, fmt.Errorf("%w: допустимо от 1 до %d", common.ErrInvalidMineCount, s.cfg.MaxMines)
	}
	if amount <= 0 || (s.cfg.MaxBet > 0 && amount > s.cfg.MaxBet) {
		return nil, common.ErrInvalidAmount
	}

	now := s.now()
	g := &Game{
		ID:         uuid.New(),
		UserID:     userID,
		Amount:     amount,
		MineCount:  mineCount,
		Rows:       s.cfg.Rows,
		Cols:       s.cfg.Cols,
		StartedAt:  now,
		pending:    true,
		mines:      s.placeMines(mineCount),
		revealed:   make([]bool, s.cells()),
		multiplier: decimal.NewFromInt(1),
		phase:      Active,
		lastAction: now,
	}

	s.mu.Lock()
	if prev, ok := s.games[userID]; ok && !prev.terminal() {
		s.mu.Unlock()
		return nil, common.ErrGameInProgress
	}
	s.games[userID] = g
	s.mu.Unlock()

	res, err := s.ledger.Reserve(ctx, userID, amount, "grid:"+g.ID.String())
	if err != nil {
		s.remove(g)
		return nil, err
	}

	g.mu.Lock()
	g.ReservationID = res.ID
	g.pending = false
	v := s.viewLocked(g)
	g.mu.Unlock()

	log.WithFields(log.Fields{
		"user_id": userID,
		"game_id": g.ID,
		"amount":  amount,
		"mines":   mineCount,
	}).Debug("Игра в мины начата")

	return &v, nil
}

// placeMines выбирает mineCount клеток частичной перетасовкой Фишера–Йетса.
func (s *Service) placeMines(mineCount int) []bool {
	n := s.cells()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	mines := make([]bool, n)
	for i := 0; i < mineCount; i++ {
		j := i + s.rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
		mines[idx[i]] = true
	}
	return mines
}

func (s *Service) active(userID int64) (*Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[userID]
	if !ok {
		return nil, common.ErrNoActiveGame
	}
	return g, nil
}

// terminal сообщает, что игра рассчитана или рассчитывается.
func (g *Game) terminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.pending && g.phase != Active
}

func (s *Service) remove(g *Game) {
	s.mu.Lock()
	if cur, ok := s.games[g.UserID]; ok && cur == g {
		delete(s.games, g.UserID)
	}
	s.mu.Unlock()
}

// Reveal открывает клетку. Мина — проигрыш; открыты все безопасные клетки — авто-кэшаут.
func (s *Service) Reveal(ctx context.Context, userID int64, row, col int) (*RevealResult, error) {
	g, err := s.active(userID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.pending {
		g.mu.Unlock()
		return nil, common.ErrNoActiveGame
	}
	if g.phase != Active {
		g.mu.Unlock()
		return nil, common.ErrRoundAlreadySettled
	}
	if row < 0 || row >= g.Rows || col < 0 || col >= g.Cols {
		g.mu.Unlock()
		return nil, common.ErrInvalidCellIndex
	}
	i := row*g.Cols + col
	if g.revealed[i] {
		g.mu.Unlock()
		return nil, common.ErrAlreadyRevealed
	}

	g.revealed[i] = true
	g.lastAction = s.now()
	mine := g.mines[i]
	if mine {
		g.phase = Busted
	} else {
		g.safe++
		g.multiplier = Multiplier(len(g.mines), g.MineCount, g.safe, s.cfg.HouseEdge)
		if g.safe == len(g.mines)-g.MineCount {
			g.phase = CashedOut
		}
	}
	terminal := g.phase != Active
	g.mu.Unlock()

	out := &RevealResult{Mine: mine}
	if terminal {
		st, err := s.finish(ctx, g)
		if err != nil {
			return nil, err
		}
		out.Settlement = st
	}

	g.mu.Lock()
	out.View = s.viewLocked(g)
	g.mu.Unlock()
	return out, nil
}

// Cashout забирает выигрыш по текущему множителю.
func (s *Service) Cashout(ctx context.Context, userID int64) (*Settlement, error) {
	g, err := s.active(userID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.pending {
		g.mu.Unlock()
		return nil, common.ErrNoActiveGame
	}
	if g.phase != Active {
		g.mu.Unlock()
		return nil, common.ErrRoundAlreadySettled
	}
	g.phase = CashedOut
	g.mu.Unlock()

	return s.finish(ctx, g)
}

// finish рассчитывает игру, уже переведённую в терминальную фазу.
// Только один вызов доходит сюда для каждой игры: фаза меняется под g.mu.
func (s *Service) finish(ctx context.Context, g *Game) (*Settlement, error) {
	ctx = context.WithoutCancel(ctx)

	g.mu.Lock()
	phase := g.phase
	m := g.multiplier
	g.lastAction = s.now()
	g.mu.Unlock()

	delta := -g.Amount
	if phase == CashedOut {
		delta = common.Payout(g.Amount, m)
	} else {
		m = decimal.Zero
	}

	bal, err := s.ledger.Commit(ctx, g.ReservationID, delta)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":        g.UserID,
			"reservation_id": g.ReservationID,
			"round_id":       g.ID,
		}).Error("Не удалось рассчитать игру в мины")
		return nil, fmt.Errorf("расчёт игры: %w", err)
	}

	st := &Settlement{
		GameID:        g.ID,
		ReservationID: g.ReservationID,
		UserID:        g.UserID,
		Amount:        g.Amount,
		Multiplier:    m,
		Delta:         delta,
		Balance:       bal.Points,
		Phase:         phase,
	}
	s.record(ctx, g, st)
	return st, nil
}

func (s *Service) record(ctx context.Context, g *Game, st *Settlement) {
	if s.recorder == nil {
		return
	}

	err := s.recorder.Append(ctx, activity.Entry{
		UserID:        g.UserID,
		GameType:      activity.GameGrid,
		PointsBet:     g.Amount,
		PointsProfit:  st.Delta,
		Multiplier:    st.Multiplier,
		RoundID:       g.ID,
		ReservationID: g.ReservationID,
	})
	if err != nil {
		log.WithError(err).WithField("round_id", g.ID).Error("Не удалось записать активность игры в мины")
	}

	g.mu.Lock()
	mines := make([]int, 0, g.MineCount)
	for i, m := range g.mines {
		if m {
			mines = append(mines, i)
		}
	}
	data := map[string]any{
		"rows":       g.Rows,
		"cols":       g.Cols,
		"mines":      mines,
		"revealed":   g.safe,
		"phase":      g.phase,
		"multiplier": st.Multiplier,
	}
	g.mu.Unlock()

	err = s.recorder.ArchiveRound(ctx, activity.RoundArchive{
		RoundID:  g.ID,
		GameType: activity.GameGrid,
		Data:     activity.MarshalRound(data),
	})
	if err != nil {
		log.WithError(err).WithField("round_id", g.ID).Warn("Не удалось архивировать раунд")
	}
}

// Current возвращает снимок последней игры пользователя, в том числе завершённой.
func (s *Service) Current(userID int64) (*View, error) {
	g, err := s.active(userID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending {
		return nil, common.ErrNoActiveGame
	}
	v := s.viewLocked(g)
	return &v, nil
}

func (s *Service) viewLocked(g *Game) View {
	over := g.phase != Active
	board := make([][]string, g.Rows)
	for r := 0; r < g.Rows; r++ {
		board[r] = make([]string, g.Cols)
		for c := 0; c < g.Cols; c++ {
			i := r*g.Cols + c
			switch {
			case g.mines[i] && (over || g.revealed[i]):
				board[r][c] = CellMine
			case g.revealed[i]:
				board[r][c] = CellRevealed
			default:
				board[r][c] = CellHidden
			}
		}
	}

	next := g.multiplier
	if g.safe < len(g.mines)-g.MineCount {
		next = Multiplier(len(g.mines), g.MineCount, g.safe+1, s.cfg.HouseEdge)
	}

	return View{
		GameID:         g.ID,
		ReservationID:  g.ReservationID,
		Phase:          g.phase,
		Board:          board,
		MineCount:      g.MineCount,
		Revealed:       g.safe,
		Multiplier:     g.multiplier,
		NextMultiplier: next,
		Amount:         g.Amount,
	}
}

// SweepIdle кэширует игры, в которых не было ходов дольше IdleTimeout.
// Возвращает число рассчитанных игр.
func (s *Service) SweepIdle(ctx context.Context) int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	var idle []*Game
	for _, g := range s.games {
		idle = append(idle, g)
	}
	s.mu.Unlock()

	settled := 0
	for _, g := range idle {
		g.mu.Lock()
		if g.pending || g.lastAction.After(cutoff) {
			g.mu.Unlock()
			continue
		}
		if g.phase != Active {
			// Давно завершённая игра больше не нужна для ответа на поздние ходы
			g.mu.Unlock()
			s.remove(g)
			continue
		}
		g.phase = CashedOut
		g.mu.Unlock()

		if _, err := s.finish(ctx, g); err == nil {
			settled++
		}
	}

	if settled > 0 {
		log.WithField("count", settled).Info("Простаивающие игры в мины закрыты")
	}
	return settled
}

// ActiveGames возвращает число идущих игр.
func (s *Service) ActiveGames() int {
	s.mu.Lock()
	games := make([]*Game, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, g)
	}
	s.mu.Unlock()

	n := 0
	for _, g := range games {
		if !g.terminal() {
			n++
		}
	}
	return n
}
