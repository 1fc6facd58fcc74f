package middleware

import (
	"net/http"
	"time"

	"github.com/convsync/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения (асинхронно, не блокирует).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		logger.Debugf("http %s %s status=%d took=%s", r.Method, r.URL.Path, wrap.status, time.Since(start))
	})
}
