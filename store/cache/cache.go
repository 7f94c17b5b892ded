// Package cache provides the best-effort key/value stores that sit in front of
// the relational store. A cache never owns data: every failure is logged and
// reported as a miss or a no-op, never returned to the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Store is the contract every cache backend implements.
type Store interface {
	// Get returns the stored bytes and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key for ttl. Returns false when the write failed.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	// Delete removes key. Returns true if a key was removed.
	Delete(ctx context.Context, key string) bool
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) bool
	// DeleteByPattern removes every key matching the glob pattern.
	// Returns true if at least one key was removed.
	DeleteByPattern(ctx context.Context, pattern string) bool
	Close() error
}

// Key joins the parts into a colon separated cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// KeyHash generates a short SHA256 digest, used to turn arbitrary filter
// encodings into bounded key segments.
func KeyHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])[:16]
}

// Nop is a Store that never holds anything. It is used when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) bool { return true }
func (Nop) Delete(context.Context, string) bool { return false }
func (Nop) Exists(context.Context, string) bool { return false }
func (Nop) DeleteByPattern(context.Context, string) bool { return false }
func (Nop) Close() error { return nil }

var _ Store = Nop{}
