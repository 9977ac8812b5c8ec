// Package common — errors.go определяет ошибки, которые используются во всех модулях движка.
// Эти ошибки позволяют обработчикам различать типы проблем
// и отправлять клиенту стабильный код ошибки (kind) вместе с сообщением.
package common

import "errors"

// Ошибки леджера (очки, резервы)
var (
	// ErrInsufficientFunds — очков на счёте меньше, чем ставка
	ErrInsufficientFunds = errors.New("недостаточно очков на счёте")
	// ErrInvalidAmount — некорректная сумма (ноль, отрицательная или больше лимита)
	ErrInvalidAmount = errors.New("некорректная сумма")
	// ErrReservationInvalid — резерв уже закрыт (committed/released) или не существует
	ErrReservationInvalid = errors.New("резерв недействителен")
	// ErrLedgerUnavailable — хранилище леджера недоступно после всех повторов
	ErrLedgerUnavailable = errors.New("леджер временно недоступен")
)

// Ошибки игровых автоматов состояний
var (
	// ErrInvalidPhase — действие пришло в фазе, которая его не допускает
	ErrInvalidPhase = errors.New("действие недоступно в текущей фазе раунда")
	// ErrRoundAlreadySettled — раунд уже рассчитан (дубликат или опоздавшее действие)
	ErrRoundAlreadySettled = errors.New("раунд уже рассчитан")
	// ErrBetExists — ставка в этом раунде уже сделана
	ErrBetExists = errors.New("ставка в этом раунде уже сделана")
	// ErrNoActiveBet — у пользователя нет ставки в текущем раунде
	ErrNoActiveBet = errors.New("нет активной ставки")
	// ErrInvalidSide — сторона монеты не heads/tails
	ErrInvalidSide = errors.New("сторона должна быть heads или tails")
	// ErrInvalidCellIndex — координаты клетки вне поля
	ErrInvalidCellIndex = errors.New("клетка вне поля")
	// ErrOutOfBounds — синоним ErrInvalidCellIndex
	ErrOutOfBounds = ErrInvalidCellIndex
	// ErrAlreadyRevealed — клетка уже открыта
	ErrAlreadyRevealed = errors.New("клетка уже открыта")
	// ErrInvalidMineCount — количество мин вне допустимого диапазона
	ErrInvalidMineCount = errors.New("недопустимое количество мин")
	// ErrGameInProgress — у пользователя уже есть незавершённая игра
	ErrGameInProgress = errors.New("предыдущая игра ещё не завершена")
	// ErrNoActiveGame — нет активной игры
	ErrNoActiveGame = errors.New("нет активной игры")
)

// Ошибки очереди справедливости
var (
	// ErrQueueOverflow — очередь переполнена, новые действия отклоняются
	ErrQueueOverflow = errors.New("очередь переполнена")
	// ErrQueueClosed — очередь остановлена (shutdown)
	ErrQueueClosed = errors.New("очередь остановлена")
	// ErrUnknownActionKind — для типа действия не зарегистрирован обработчик
	ErrUnknownActionKind = errors.New("неизвестный тип действия")
	// ErrInvalidPayload — данные действия не являются JSON
	ErrInvalidPayload = errors.New("некорректные данные действия")
	// ErrBlockNotFound — блока с таким номером нет
	ErrBlockNotFound = errors.New("блок не найден")
)

// Ошибки сессий и доступа
var (
	// ErrSessionNotFound — токен не выдавался
	ErrSessionNotFound = errors.New("сессия не найдена")
	// ErrSessionExpired — сессия истекла
	ErrSessionExpired = errors.New("сессия истекла, авторизуйтесь заново")
	// ErrUnauthorized — действие до join или неверный ключ
	ErrUnauthorized = errors.New("требуется авторизация")
	// ErrTooManyAttempts — слишком много неудачных попыток входа
	ErrTooManyAttempts = errors.New("слишком много попыток, подождите 1 час")
	// ErrRateLimited — слишком много сообщений за окно
	ErrRateLimited = errors.New("слишком много запросов, подождите")
	// ErrFeatureDisabled — игра отключена в настройках
	ErrFeatureDisabled = errors.New("игра временно отключена")
)

// kinds — стабильные коды ошибок для клиента.
// Порядок важен: ErrOutOfBounds совпадает с ErrInvalidCellIndex.
var kinds = []struct {
	err  error
	kind string
}{
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrReservationInvalid, "reservation_invalid"},
	{ErrLedgerUnavailable, "ledger_unavailable"},
	{ErrInvalidPhase, "invalid_phase"},
	{ErrRoundAlreadySettled, "round_already_settled"},
	{ErrBetExists, "bet_exists"},
	{ErrNoActiveBet, "no_active_bet"},
	{ErrInvalidSide, "invalid_side"},
	{ErrInvalidCellIndex, "invalid_cell_index"},
	{ErrAlreadyRevealed, "already_revealed"},
	{ErrInvalidMineCount, "invalid_mine_count"},
	{ErrGameInProgress, "game_in_progress"},
	{ErrNoActiveGame, "no_active_game"},
	{ErrQueueOverflow, "queue_overflow"},
	{ErrQueueClosed, "queue_closed"},
	{ErrUnknownActionKind, "unknown_action_kind"},
	{ErrInvalidPayload, "invalid_payload"},
	{ErrBlockNotFound, "block_not_found"},
	{ErrSessionNotFound, "session_not_found"},
	{ErrSessionExpired, "session_expired"},
	{ErrUnauthorized, "unauthorized"},
	{ErrTooManyAttempts, "too_many_attempts"},
	{ErrRateLimited, "rate_limited"},
	{ErrFeatureDisabled, "feature_disabled"},
}

// Kind возвращает стабильный код ошибки для протокола.
// Неизвестные ошибки отдаются как "internal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
