// Package admin — handlers.go обслуживает админ-API.
// Все маршруты требуют заголовок X-Admin-Key.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/fairness"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/features/pool"
	"serotonyl.ru/wager/internal/features/sessions"
)

// KeyHeader — заголовок с админ-ключом.
const KeyHeader = "X-Admin-Key"

// StatsSource отдаёт игровую статистику пользователя.
type StatsSource interface {
	GetStats(ctx context.Context, userID int64) (*activity.Stats, error)
}

// JournalSource отдаёт журнал движений по счёту.
type JournalSource interface {
	Journal(ctx context.Context, userID int64, limit int) ([]ledger.JournalEntry, error)
}

// Deps — зависимости админ-API. Stats, Journal и Pool необязательны.
type Deps struct {
	Service *Service
	Issuer  *sessions.Issuer
	Ledger  *ledger.Ledger
	Queue   *fairness.Queue
	Stats   StatsSource
	Journal JournalSource
	Pool    *pool.Service
}

// Handler обрабатывает админ-запросы.
type Handler struct {
	deps Deps
}

// NewHandler создаёт обработчик админ-API.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Register вешает маршруты на mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/sessions", h.authorize(h.issueSession))
	mux.HandleFunc("POST /admin/credit", h.authorize(h.credit))
	mux.HandleFunc("GET /admin/dead-letters", h.authorize(h.deadLetters))
	mux.HandleFunc("GET /admin/users/{id}", h.authorize(h.user))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(KeyHeader))
		if err := h.deps.Service.VerifyKey(r.Context(), remoteHost(r), key); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (h *Handler) issueSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.ErrInvalidPayload)
		return
	}

	s, err := h.deps.Issuer.Issue(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.ErrInvalidPayload)
		return
	}
	if req.UserID <= 0 {
		writeError(w, common.ErrInvalidPayload)
		return
	}

	reason := "admin"
	if req.Reason != "" {
		reason += ":" + req.Reason
	}
	bal, err := h.deps.Ledger.Adjust(r.Context(), req.UserID, req.Amount, reason)
	if err != nil {
		writeError(w, err)
		return
	}

	log.WithFields(log.Fields{
		"user_id": req.UserID,
		"amount":  req.Amount,
		"remote":  remoteHost(r),
	}).Info("Админ изменил баланс")
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	dead, err := h.deps.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if dead == nil {
		dead = []fairness.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, common.ErrInvalidPayload)
		return
	}

	bal, err := h.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	report := UserReport{
		Balance: bal,
		Held:    h.deps.Ledger.HeldCount(userID),
	}

	if h.deps.Stats != nil {
		if report.Stats, err = h.deps.Stats.GetStats(ctx, userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("Статистика недоступна")
		}
	}
	if h.deps.Pool != nil {
		if st, err := h.deps.Pool.Stake(ctx, userID); err == nil {
			report.Stake = &st
		}
	}
	if h.deps.Journal != nil {
		if report.Journal, err = h.deps.Journal.Journal(ctx, userID, 50); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("Журнал недоступен")
		}
	}
	writeJSON(w, http.StatusOK, report)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, common.ErrBlockNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, common.ErrInvalidAmount), errors.Is(err, common.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Kind: common.Kind(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Не удалось отправить ответ")
	}
}
