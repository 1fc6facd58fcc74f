package storage

import (
	"context"
	"fmt"
	"time"
)

// ConversationCache — кеш страниц списка диалогов пользователя.
// Ключи версионированы: Invalidate поднимает версию, старые страницы истекают сами по TTL.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type ConversationCache interface {
	GetConversations(ctx context.Context, userID string, page, limit int) (data []byte, ok bool, err error)
	SetConversations(ctx context.Context, userID string, page, limit int, data []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, userIDs ...string) error
	Close() error
}

// VersionKey — счётчик версии списка userID.
func VersionKey(userID string) string { return "conv:ver:" + userID }

// PageKey — ключ страницы списка для версии version.
func PageKey(userID string, version int64, page, limit int) string {
	return fmt.Sprintf("conv:%s:v%d:%d:%d", userID, version, page, limit)
}
