package startup

import (
	"context"
	"time"

	redisstorage "github.com/convsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// logPrefix добавляется к сообщениям лога (например "relay: ").
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	return withRetry(maxWait, logPrefix, "redis connect", func() (*redisstorage.Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisstorage.New(ctx, redisURL)
	})
}
