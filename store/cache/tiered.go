package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Tiered implements a two-tier caching strategy:
// - L1: in-memory cache (fast, small, per process)
// - L2: shared cache, normally Redis
//
// Writes and deletes go to both tiers. L2 hits are promoted into L1 with the
// L1 TTL, which bounds how long one instance can serve a value another
// instance already replaced.
type Tiered struct {
	l1    *Memory
	l2    Store
	l1TTL time.Duration
}

// TieredConfig holds the configuration for the tiered cache.
type TieredConfig struct {
	L1MaxItems int           // Max items in L1 memory cache
	L1TTL      time.Duration // Upper bound on L1 entry lifetime
}

// DefaultTieredConfig returns the default tiered cache configuration.
func DefaultTieredConfig() TieredConfig {
	return TieredConfig{
		L1MaxItems: 1000,
		L1TTL:      30 * time.Second,
	}
}

// NewTiered puts a fresh memory cache in front of l2.
func NewTiered(cfg TieredConfig, l2 Store) *Tiered {
	if cfg.L1MaxItems <= 0 {
		cfg.L1MaxItems = 1000
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = 30 * time.Second
	}
	return &Tiered{
		l1: NewMemory(MemoryConfig{
			Capacity:        cfg.L1MaxItems,
			DefaultTTL:      cfg.L1TTL,
			CleanupInterval: time.Minute,
		}),
		l2:    l2,
		l1TTL: cfg.L1TTL,
	}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, found := t.l1.Get(ctx, key); found {
		return value, true
	}
	value, found := t.l2.Get(ctx, key)
	if !found {
		return nil, false
	}
	t.l1.Set(ctx, key, value, t.l1TTL)
	return value, true
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	t.l1.Set(ctx, key, value, t.clampL1(ttl))
	return t.l2.Set(ctx, key, value, ttl)
}

func (t *Tiered) Delete(ctx context.Context, key string) bool {
	l1 := t.l1.Delete(ctx, key)
	l2 := t.l2.Delete(ctx, key)
	return l1 || l2
}

func (t *Tiered) Exists(ctx context.Context, key string) bool {
	return t.l1.Exists(ctx, key) || t.l2.Exists(ctx, key)
}

func (t *Tiered) DeleteByPattern(ctx context.Context, pattern string) bool {
	l1 := t.l1.DeleteByPattern(ctx, pattern)
	l2 := t.l2.DeleteByPattern(ctx, pattern)
	return l1 || l2
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	var errs []error
	if err := t.l2.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.l1.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Errorf("multiple errors: %v", errs)
	}
	return nil
}

func (t *Tiered) clampL1(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > t.l1TTL {
		return t.l1TTL
	}
	return ttl
}

var _ Store = (*Tiered)(nil)
