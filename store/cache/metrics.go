package cache

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metered counts hits and misses of the wrapped store per key namespace.
type Metered struct {
	Store
	requests *prometheus.CounterVec
}

// NewRequestsCounter builds the counter a Metered store reports into.
func NewRequestsCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthr",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by entity namespace and result",
		},
		[]string{"namespace", "result"},
	)
}

// WithMetrics wraps s so that Get and Exists are counted in requests.
func WithMetrics(s Store, requests *prometheus.CounterVec) *Metered {
	return &Metered{Store: s, requests: requests}
}

func (m *Metered) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok := m.Store.Get(ctx, key)
	m.observe(key, ok)
	return value, ok
}

func (m *Metered) Exists(ctx context.Context, key string) bool {
	ok := m.Store.Exists(ctx, key)
	m.observe(key, ok)
	return ok
}

func (m *Metered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	return m.Store.Set(ctx, key, value, ttl)
}

func (m *Metered) observe(key string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.requests.WithLabelValues(namespaceOf(key), result).Inc()
}

// namespaceOf returns the entity segment of an "app:entity:..." key.
func namespaceOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return "other"
	}
	return parts[1]
}

var _ Store = (*Metered)(nil)
