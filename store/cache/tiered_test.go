package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTiered_PromotesL2Hits(t *testing.T) {
	ctx := context.Background()
	l2 := newTestMemory(t, 100)
	tiered := NewTiered(TieredConfig{L1MaxItems: 10, L1TTL: time.Minute}, l2)
	t.Cleanup(func() { _ = tiered.l1.Close() })

	// Written by another instance straight into the shared tier.
	l2.Set(ctx, "shared", []byte("v"), time.Hour)
	assert.False(t, tiered.l1.Exists(ctx, "shared"))

	val, ok := tiered.Get(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
	assert.True(t, tiered.l1.Exists(ctx, "shared"))
}

func TestTiered_WritesAndDeletesBothTiers(t *testing.T) {
	ctx := context.Background()
	l2 := newTestMemory(t, 100)
	tiered := NewTiered(DefaultTieredConfig(), l2)
	t.Cleanup(func() { _ = tiered.l1.Close() })

	require.True(t, tiered.Set(ctx, "synthr:agent:list:a", []byte("1"), time.Hour))
	assert.True(t, tiered.l1.Exists(ctx, "synthr:agent:list:a"))
	assert.True(t, l2.Exists(ctx, "synthr:agent:list:a"))

	assert.True(t, tiered.DeleteByPattern(ctx, "synthr:agent:list:*"))
	assert.False(t, tiered.Exists(ctx, "synthr:agent:list:a"))

	tiered.Set(ctx, "k", []byte("v"), time.Hour)
	assert.True(t, tiered.Delete(ctx, "k"))
	_, ok := l2.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTiered_ClampsL1TTL(t *testing.T) {
	ctx := context.Background()
	l2 := newTestMemory(t, 100)
	tiered := NewTiered(TieredConfig{L1TTL: 20 * time.Millisecond}, l2)
	t.Cleanup(func() { _ = tiered.l1.Close() })

	tiered.Set(ctx, "k", []byte("v"), time.Hour)
	time.Sleep(30 * time.Millisecond)

	assert.False(t, tiered.l1.Exists(ctx, "k"))
	assert.True(t, l2.Exists(ctx, "k"))
}

func TestMetered_CountsByNamespace(t *testing.T) {
	ctx := context.Background()
	requests := NewRequestsCounter()
	m := WithMetrics(newTestMemory(t, 10), requests)

	m.Set(ctx, "synthr:agent:id:1", []byte("v"), time.Minute)
	_, _ = m.Get(ctx, "synthr:agent:id:1")
	_, _ = m.Get(ctx, "synthr:agent:id:2")
	_ = m.Exists(ctx, "synthr:user:exists:1")

	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("agent", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("agent", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("user", "miss")))
}
