package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convsync/internal/storage"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Raw возвращает go-redis клиент для pub/sub (broadcast-транспорт, fan-out relay).
func (c *Client) Raw() *redis.Client { return c.cli }

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) version(ctx context.Context, userID string) (int64, error) {
	v, err := c.cli.Get(ctx, storage.VersionKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// GetConversations читает страницу текущей версии. Промах — ok=false без ошибки.
func (c *Client) GetConversations(ctx context.Context, userID string, page, limit int) ([]byte, bool, error) {
	v, err := c.version(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("redis get version: %w", err)
	}
	data, err := c.cli.Get(ctx, storage.PageKey(userID, v, page, limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get page: %w", err)
	}
	return data, true, nil
}

func (c *Client) SetConversations(ctx context.Context, userID string, page, limit int, data []byte, ttl time.Duration) error {
	v, err := c.version(ctx, userID)
	if err != nil {
		return fmt.Errorf("redis get version: %w", err)
	}
	return c.cli.Set(ctx, storage.PageKey(userID, v, page, limit), data, ttl).Err()
}

// Invalidate поднимает версию списка каждого userID одним pipeline.
func (c *Client) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := c.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range userIDs {
			p.Incr(ctx, storage.VersionKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}
