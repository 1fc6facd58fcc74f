package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/convsync/internal/logger"
)

// InternalOnly закрывает служебные маршруты (/metrics relay). Пропускает
// loopback и приватные сети либо запрос с X-Internal-Secret. Адрес берётся из
// RemoteAddr, поэтому перед ним должен стоять chimw.RealIP.
func InternalOnly(secret string, next http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		host := remoteHost(r)
		if internalAddr(host) {
			next.ServeHTTP(w, r)
			return
		}
		logger.Debugf("internal route %s denied for %s", r.URL.Path, host)
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func internalAddr(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}
