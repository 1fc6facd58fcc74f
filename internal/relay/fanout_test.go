package relay_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/relay"
)

func TestFanout_AcrossInstances(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	cli := redis.NewClient(opts)
	t.Cleanup(func() { _ = cli.Close() })
	require.NoError(t, cli.Ping(context.Background()).Err())

	withFanout := func(h *relay.Hub) {
		f, err := relay.NewRedisFanout(context.Background(), cli, h)
		require.NoError(t, err)
		t.Cleanup(func() { _ = f.Close() })
		h.SetFanout(f)
	}
	one := startRelayWith(t, withFanout)
	two := startRelayWith(t, withFanout)

	a, _, _ := one.dial(t, "alice")
	_, bmsgs, _ := two.dial(t, "bob")
	_, local, _ := one.dial(t, "bob")
	require.Eventually(t, func() bool { return one.hub.Total() == 2 && two.hub.Total() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), broadcast.KindNewMessage, message("alice", "bob")))
	require.Eventually(t, func() bool { return bmsgs.len() == 1 && local.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, local.len(), "own fanout frames are skipped")
	assert.Equal(t, float64(1), testutil.ToFloat64(two.metrics.Envelopes.WithLabelValues("new-message", "fanout")))
}
