package relay

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/middleware"
)

type Handler struct {
	hub            *Hub
	allowedOrigins string
}

// NewHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
// Участник берётся из контекста, поэтому обработчик монтируется за middleware.BearerAuth.
func NewHandler(hub *Hub, allowedOrigins string) *Handler {
	return &Handler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("relay upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(h.hub, conn, userID)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
