// Package middleware содержит промежуточные обработчики для логирования,
// восстановления после паники и rate-limiting.
package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogMessage логирует входящее сообщение соединения.
func LogMessage(channel string, userID int64, msgType string, size int) {
	log.WithFields(log.Fields{
		"channel": channel,
		"user_id": userID,
		"type":    msgType,
		"bytes":   size,
	}).Debug("Входящее сообщение")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack нужен для апгрейда соединения до WebSocket.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("соединение не поддерживает hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logging логирует HTTP-запросы.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).Round(time.Microsecond),
			"remote":   r.RemoteAddr,
		}).Debug("HTTP-запрос")
	})
}
