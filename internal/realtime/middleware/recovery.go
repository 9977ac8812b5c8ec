package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// RecoverFromPanic гасит панику и логирует её со стеком.
// Вызывать только через defer.
func RecoverFromPanic(component string, fields log.Fields) {
	if r := recover(); r != nil {
		log.WithFields(fields).WithFields(log.Fields{
			"component": component,
			"panic":     fmt.Sprintf("%v", r),
			"stack":     string(debug.Stack()),
		}).Error("ПАНИКА в обработчике — восстановлено")
	}
}

// Recovery — то же для HTTP: клиент получает 500, сервер продолжает работу.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(log.Fields{
					"component": "http",
					"path":      r.URL.Path,
					"panic":     fmt.Sprintf("%v", rec),
					"stack":     string(debug.Stack()),
				}).Error("ПАНИКА в обработчике — восстановлено")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
