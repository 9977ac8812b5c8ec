package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wager/internal/features/escalator"
)

// client — одно WebSocket-соединение.
type client struct {
	conn    *websocket.Conn
	channel string
	remote  string
	send    chan []byte
	userID  atomic.Int64 // 0 до join

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, channel, remote string, buffer int) *client {
	return &client{
		conn:    conn,
		channel: channel,
		remote:  remote,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// deliver ставит сообщение в очередь отправки. Клиент, который не успевает
// читать и переполнил буфер, отключается.
func (c *client) deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.WithFields(log.Fields{
			"channel": c.channel,
			"user_id": c.userID.Load(),
			"remote":  c.remote,
		}).Warn("Клиент не успевает читать, отключаем")
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump единственный пишет в соединение.
func (c *client) writePump(writeTimeout, pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub хранит соединения по каналам и рассылает сообщения.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub создаёт пустой хаб.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.channel]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.channel] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[c.channel], c)
}

// snapshot копирует соединения канала, чтобы не держать лок во время отправки.
func (h *Hub) snapshot(channel string, userID int64) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients[channel]))
	for c := range h.clients[channel] {
		if userID != 0 && c.userID.Load() != userID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Broadcast отправляет сообщение всем соединениям канала, прошедшим join.
func (h *Hub) Broadcast(channel, msgType string, data any) int {
	msg := encode(msgType, data)
	sent := 0
	for _, c := range h.snapshot(channel, 0) {
		if c.userID.Load() == 0 {
			continue
		}
		if c.deliver(msg) {
			sent++
		}
	}
	return sent
}

// SendTo отправляет сообщение всем соединениям пользователя в канале.
func (h *Hub) SendTo(channel string, userID int64, msgType string, data any) int {
	if userID == 0 {
		return 0
	}
	msg := encode(msgType, data)
	sent := 0
	for _, c := range h.snapshot(channel, userID) {
		if c.deliver(msg) {
			sent++
		}
	}
	return sent
}

// Count возвращает число соединений канала.
func (h *Hub) Count(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// CloseAll закрывает все соединения. Вызывается на shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.close()
	}
}

// RoundState рассылает снимок раунда escalator.
func (h *Hub) RoundState(s escalator.State) {
	h.Broadcast(ChannelEscalator, MsgRoundState, newEscalatorState(s))
}

// Settled отправляет итог ставки escalator её владельцу.
func (h *Hub) Settled(s escalator.Settlement) {
	h.SendTo(ChannelEscalator, s.UserID, MsgSettlement, s)
}
