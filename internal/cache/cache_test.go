package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Agents []string `json:"agents"`
	Fee    float64  `json:"fee"`
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocal(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, c, "discover:a", payload{Agents: []string{"a1", "a2"}, Fee: 0.06}, time.Minute))
	var got payload
	ok, err = GetJSON(ctx, c, "discover:a", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a1", "a2"}, got.Agents)

	require.NoError(t, c.Delete(ctx, "discover:a"))
	ok, err = GetJSON(ctx, c, "discover:a", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetJSONTreatsGarbageAsMiss(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocal(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("{not json"), time.Minute))
	var got payload
	ok, err := GetJSON(ctx, c, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("AGX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGX_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	c := NewRedis(client, "agx-test:")
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
