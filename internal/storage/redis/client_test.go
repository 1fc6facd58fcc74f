package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/storage"
)

var _ storage.ConversationCache = (*Client)(nil)

func TestClient_VersionedInvalidate(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := New(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	user := "test-" + uuid.NewString()
	t.Cleanup(func() { c.Raw().Del(ctx, storage.VersionKey(user)) })

	require.NoError(t, c.SetConversations(ctx, user, 1, 20, []byte("page"), time.Minute))
	data, ok, err := c.GetConversations(ctx, user, 1, 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "page", string(data))

	require.NoError(t, c.Invalidate(ctx, user))
	_, ok, err = c.GetConversations(ctx, user, 1, 20)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), "not a url")
	assert.Error(t, err)
}
