package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/convsync/internal/auth"
	"github.com/convsync/internal/logger"
)

// BearerToken достаёт токен из Authorization: Bearer или из ?token= (браузерный WebSocket не умеет заголовки).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// BearerAuth проверяет токен и кладёт участника в контекст. Истёкший или неверный токен — 401.
func BearerAuth(v auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := BearerToken(r)
			if tok == "" {
				writeUnauthorized(w, "unauthorized")
				return
			}
			claims, err := v.Verify(tok)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					writeUnauthorized(w, "token expired")
					return
				}
				logger.Errorf("auth: reject token=%s: %v", MaskToken(tok), err)
				writeUnauthorized(w, "unauthorized")
				return
			}
			ctx := WithParticipant(r.Context(), claims.Participant())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
