package memory

import (
	"context"
	"sync"
	"time"

	"github.com/convsync/internal/storage"
)

type item struct {
	val []byte
	exp time.Time
}

// Client — ConversationCache в памяти процесса, те же ключи что у Redis.
type Client struct {
	mu       sync.Mutex
	versions map[string]int64
	pages    map[string]item
	now      func() time.Time
}

func New() *Client {
	return &Client{
		versions: make(map[string]int64),
		pages:    make(map[string]item),
		now:      time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetConversations(ctx context.Context, userID string, page, limit int) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := storage.PageKey(userID, c.versions[userID], page, limit)
	v, ok := c.pages[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(v.exp) {
		delete(c.pages, key)
		return nil, false, nil
	}
	return v.val, true, nil
}

func (c *Client) SetConversations(ctx context.Context, userID string, page, limit int, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[storage.PageKey(userID, c.versions[userID], page, limit)] = item{val: data, exp: c.now().Add(ttl)}
	return nil
}

// Invalidate поднимает версию и сразу удаляет истёкшие записи.
func (c *Client) Invalidate(ctx context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		c.versions[id]++
	}
	now := c.now()
	for k, v := range c.pages {
		if now.After(v.exp) {
			delete(c.pages, k)
		}
	}
	return nil
}

// Len — число хранимых страниц.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}
