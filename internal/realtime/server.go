package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/fairness"
	"serotonyl.ru/wager/internal/realtime/middleware"
)

// Config — лимиты соединений.
type Config struct {
	MaxInflight    int // одновременно обрабатываемых сообщений на соединение
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// Server принимает WebSocket-соединения и обслуживает аудит.
type Server struct {
	cfg      Config
	hub      *Hub
	router   *Router
	gate     *Gate
	queue    *fairness.Queue
	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader
	ping     func(ctx context.Context) error

	// ctx обработки сообщений: живёт дольше отдельного соединения
	ctx context.Context
}

// NewServer создаёт сервер. ping проверяет БД для /healthz и может быть nil.
func NewServer(ctx context.Context, cfg Config, hub *Hub, router *Router, gate *Gate, queue *fairness.Queue,
	limiter *middleware.RateLimiter, ping func(context.Context) error) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		router:  router,
		gate:    gate,
		queue:   queue,
		limiter: limiter,
		ping:    ping,
		ctx:     ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Клиенты ходят с разных доменов, доступ проверяет join
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register вешает маршруты на mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{channel}", s.serveWS)
	mux.HandleFunc("GET /audit/blocks/{number}", s.block)
	mux.HandleFunc("GET /audit/verify", s.verify)
	mux.HandleFunc("GET /healthz", s.health)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	switch channel {
	case ChannelEscalator, ChannelFlip, ChannelGrid:
	default:
		http.NotFound(w, r)
		return
	}
	if !s.gate.Enabled(channel) {
		writeJSON(w, http.StatusServiceUnavailable, errorMessage{
			Kind:    common.Kind(common.ErrFeatureDisabled),
			Message: common.ErrFeatureDisabled.Error(),
		})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("remote", r.RemoteAddr).Debug("Апгрейд до WebSocket не удался")
		return
	}

	c := newClient(conn, channel, remoteHost(r), s.cfg.SendBuffer)
	s.hub.add(c)
	log.WithFields(log.Fields{"channel": channel, "remote": c.remote}).Debug("Соединение открыто")

	go c.writePump(s.cfg.WriteTimeout, s.cfg.PongTimeout*9/10)
	s.readPump(c)
}

// readPump читает сообщения и раздаёт их роутеру. Возвращается, когда
// соединение закрыто и все начатые обработки завершились.
func (s *Server) readPump(c *client) {
	var wg sync.WaitGroup
	defer func() {
		s.hub.remove(c)
		c.close()
		wg.Wait()
		log.WithFields(log.Fields{
			"channel": c.channel,
			"user_id": c.userID.Load(),
			"remote":  c.remote,
		}).Debug("Соединение закрыто")
	}()

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	inflight := make(chan struct{}, s.cfg.MaxInflight)
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("remote", c.remote).Debug("Соединение оборвано")
			}
			return
		}
		_ = c.conn.SetReadDeadline(receivedAt.Add(s.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.deliver(encode(MsgError, errorMessage{
				Kind:    common.Kind(common.ErrInvalidPayload),
				Message: common.ErrInvalidPayload.Error(),
			}))
			continue
		}
		middleware.LogMessage(c.channel, c.userID.Load(), env.Type, len(data))

		if !s.limiter.Allow(limitKey(c)) {
			c.deliver(encode(MsgError, errorMessage{
				Kind:    common.Kind(common.ErrRateLimited),
				Message: common.ErrRateLimited.Error(),
			}))
			continue
		}

		select {
		case inflight <- struct{}{}:
		case <-c.done:
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-inflight }()
			defer middleware.RecoverFromPanic("realtime", log.Fields{
				"channel": c.channel,
				"user_id": c.userID.Load(),
				"type":    env.Type,
			})
			s.router.dispatch(s.ctx, c, env, receivedAt)
		}()
	}
}

func limitKey(c *client) string {
	if id := c.userID.Load(); id != 0 {
		return "user:" + strconv.FormatInt(id, 10)
	}
	return "remote:" + c.remote
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.PathValue("number"), 10, 64)
	if err != nil || n == 0 {
		writeJSON(w, http.StatusBadRequest, errorMessage{Kind: "invalid_payload", Message: "номер блока должен быть положительным"})
		return
	}

	b, err := s.queue.Block(r.Context(), n)
	if errors.Is(err, common.ErrBlockNotFound) {
		writeJSON(w, http.StatusNotFound, errorMessage{Kind: common.Kind(err), Message: err.Error()})
		return
	}
	if err != nil {
		log.WithError(err).WithField("block", n).Error("Не удалось прочитать блок")
		writeJSON(w, http.StatusInternalServerError, errorMessage{Kind: "internal", Message: "хранилище блоков недоступно"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type verifyResult struct {
	From  uint64 `json:"from"`
	To    uint64 `json:"to"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// verify проверяет цепочку блоков; по умолчанию последние 100.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	head := s.queue.Head()
	to, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if err != nil || to == 0 || to > head {
		to = head
	}
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil || from == 0 || from > to {
		from = 1
		if to > 100 {
			from = to - 99
		}
	}

	res := verifyResult{From: from, To: to, Valid: true}
	if to > 0 {
		if err := s.queue.Verify(r.Context(), from, to); err != nil {
			res.Valid = false
			res.Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, res)
}

type healthStatus struct {
	Status      string         `json:"status"`
	Block       uint64         `json:"block"`
	Pending     int            `json:"pending_actions"`
	Connections map[string]int `json:"connections"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := healthStatus{
		Status:  "ok",
		Block:   s.queue.Head(),
		Pending: s.queue.Len(),
		Connections: map[string]int{
			ChannelEscalator: s.hub.Count(ChannelEscalator),
			ChannelFlip:      s.hub.Count(ChannelFlip),
			ChannelGrid:      s.hub.Count(ChannelGrid),
		},
	}
	code := http.StatusOK
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			st.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Не удалось отправить ответ")
	}
}
