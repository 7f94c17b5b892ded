package cache

import (
	"container/list"
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig configures the in-process cache.
type MemoryConfig struct {
	Capacity        int           // Maximum number of entries (default: 10000)
	DefaultTTL      time.Duration // TTL used when Set is called with ttl <= 0 (default: 1 hour)
	CleanupInterval time.Duration // Interval for expired entry sweep (default: 1 minute)
}

// DefaultMemoryConfig returns default memory cache configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:        10000,
		DefaultTTL:      time.Hour,
		CleanupInterval: time.Minute,
	}
}

// Memory is an LRU cache with per-entry TTL.
type Memory struct {
	capacity   int
	defaultTTL time.Duration

	mu    sync.Mutex
	items map[string]*memoryEntry
	order *list.List // front is most recently used

	hits   atomic.Int64
	misses atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// NewMemory creates a memory cache and starts its expiry sweep.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		capacity:   cfg.Capacity,
		defaultTTL: cfg.DefaultTTL,
		items:      make(map[string]*memoryEntry),
		order:      list.New(),
		cancel:     cancel,
	}

	m.wg.Add(1)
	go m.cleanupLoop(ctx, cfg.CleanupInterval)

	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	m.order.MoveToFront(e.element)
	m.hits.Add(1)

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok {
		e.value = stored
		e.expiresAt = time.Now().Add(ttl)
		m.order.MoveToFront(e.element)
		return true
	}

	for len(m.items) >= m.capacity {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.remove(oldest.Value.(*memoryEntry))
	}

	e := &memoryEntry{
		key:       key,
		value:     stored,
		expiresAt: time.Now().Add(ttl),
	}
	e.element = m.order.PushFront(e)
	m.items[key] = e
	return true
}

func (m *Memory) Delete(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return false
	}
	m.remove(e)
	return true
}

func (m *Memory) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key)
	return ok
}

// DeleteByPattern removes every live key matching the glob pattern.
// Supports *, ? and [...] like Redis KEYS. Keys never contain '/'.
func (m *Memory) DeleteByPattern(_ context.Context, pattern string) bool {
	if _, err := path.Match(pattern, ""); err != nil {
		slog.Warn("invalid cache pattern", slog.String("pattern", pattern), slog.String("error", err.Error()))
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Exact key, no wildcard.
	if !strings.ContainsAny(pattern, "*?[\\") {
		e, ok := m.lookup(pattern)
		if ok {
			m.remove(e)
		}
		return ok
	}

	var matched []*memoryEntry
	now := time.Now()
	for key, e := range m.items {
		if ok, _ := path.Match(pattern, key); ok && now.Before(e.expiresAt) {
			matched = append(matched, e)
		}
	}
	for _, e := range matched {
		m.remove(e)
	}
	return len(matched) > 0
}

// Close stops the expiry sweep.
func (m *Memory) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// Size returns the number of entries, expired ones included until swept.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Clear removes all entries.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*memoryEntry)
	m.order.Init()
}

// Stats returns the hit and miss counts since creation.
func (m *Memory) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// CleanupExpired removes all expired entries and returns how many were removed.
func (m *Memory) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*memoryEntry
	now := time.Now()
	for _, e := range m.items {
		if !now.Before(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		m.remove(e)
	}
	return len(expired)
}

// lookup returns the live entry for key, dropping it if expired.
// Must be called with lock held.
func (m *Memory) lookup(key string) (*memoryEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(e.expiresAt) {
		m.remove(e)
		return nil, false
	}
	return e, true
}

// Must be called with lock held.
func (m *Memory) remove(e *memoryEntry) {
	m.order.Remove(e.element)
	delete(m.items, e.key)
}

func (m *Memory) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupExpired(); n > 0 {
				slog.Debug("memory cache sweep", slog.Int("expired", n))
			}
		}
	}
}

var _ Store = (*Memory)(nil)
