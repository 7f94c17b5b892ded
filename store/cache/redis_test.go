package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestRedis(t *testing.T) *Redis {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	container, err := tcredis.Run(context.Background(), "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(context.Background())
	require.NoError(t, err)

	r, err := NewRedis(context.Background(), RedisConfig{URL: url, KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedis_Operations(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	require.True(t, r.Set(ctx, "synthr:agent:id:1", []byte(`{"id":1}`), time.Minute))
	val, ok := r.Get(ctx, "synthr:agent:id:1")
	require.True(t, ok)
	assert.Equal(t, `{"id":1}`, string(val))
	assert.True(t, r.Exists(ctx, "synthr:agent:id:1"))

	_, ok = r.Get(ctx, "synthr:agent:id:404")
	assert.False(t, ok)

	assert.True(t, r.Delete(ctx, "synthr:agent:id:1"))
	assert.False(t, r.Delete(ctx, "synthr:agent:id:1"))
}

func TestRedis_DeleteByPatternBatches(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	// More keys than one SCAN batch.
	for i := 0; i < 250; i++ {
		r.Set(ctx, fmt.Sprintf("synthr:agent:list:%d", i), []byte("x"), time.Minute)
	}
	r.Set(ctx, "synthr:agent:id:1", []byte("x"), time.Minute)

	assert.True(t, r.DeleteByPattern(ctx, "synthr:agent:list:*"))
	assert.False(t, r.Exists(ctx, "synthr:agent:list:0"))
	assert.False(t, r.Exists(ctx, "synthr:agent:list:249"))
	assert.True(t, r.Exists(ctx, "synthr:agent:id:1"))
	assert.False(t, r.DeleteByPattern(ctx, "synthr:agent:list:*"))
}

func TestRedis_FailuresDegradeToMiss(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, r.Close())

	assert.False(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok := r.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, r.Exists(ctx, "k"))
	assert.False(t, r.Delete(ctx, "k"))
	assert.False(t, r.DeleteByPattern(ctx, "*"))
}
