package middleware

import (
	"context"

	"github.com/convsync/internal/model"
)

type contextKey string

const (
	UserIDKey      contextKey = "user_id"
	ParticipantKey contextKey = "participant"
)

// GetUserID возвращает user_id из контекста (устанавливается BearerAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetParticipant возвращает снапшот участника из claims токена.
func GetParticipant(ctx context.Context) model.Participant {
	if p, ok := ctx.Value(ParticipantKey).(model.Participant); ok {
		return p
	}
	return model.Participant{ID: GetUserID(ctx)}
}

// WithParticipant кладёт участника в контекст; используется BearerAuth и тестами хендлеров.
func WithParticipant(ctx context.Context, p model.Participant) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, p.ID)
	return context.WithValue(ctx, ParticipantKey, p)
}
