package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/hrygo/synthr/store/cache"
)

const (
	// KeyPrefix scopes every cache key written by this service.
	KeyPrefix = "synthr"

	// DefaultTTL bounds how long a cached copy may outlive a write that failed to refresh it.
	DefaultTTL = time.Hour
	// DerivedTTL is used for per-owner lists and aggregate statistics.
	DerivedTTL = 30 * time.Minute
	// SearchTTL is used for free text search results and short-lived work queues.
	SearchTTL = 5 * time.Minute

	lockStripes = 64
)

// Entity is a row owned by the relational store.
type Entity interface {
	comparable
	PrimaryKey() int32
}

// Backend binds a Repository to the driver methods of one entity type.
type Backend[T Entity, F any, U any] struct {
	Create func(ctx context.Context, create T) (T, error)
	List   func(ctx context.Context, find *F) ([]T, error)
	Count  func(ctx context.Context, find *F) (int64, error)
	Update func(ctx context.Context, id int32, update *U) (T, error)
	Delete func(ctx context.Context, id int32) error

	// ByID and ByIDs build the find conditions for primary key lookups.
	ByID  func(id int32) *F
	ByIDs func(ids []int32) *F
}

// SyncFunc keeps the domain-specific cache keys of an entity in step with a write.
// prev is the zero value on create.
type SyncFunc[T Entity] func(ctx context.Context, prev, cur T)

// Change pairs a stored row with the partial update to apply to it.
type Change[T Entity, U any] struct {
	Existing T
	Update   *U
}

// Repository is a cache-aside wrapper around the relational CRUD of one entity type.
//
// Reads consult the cache under "synthr:<entity>:<segment>" keys and populate on miss.
// Writes refresh the entity's own key and wipe the list and count segments. Writes to the
// same row, including the refresh of its secondary lookup keys, are serialized within the
// process so that the store and the cache settle on the same last writer.
type Repository[T Entity, F any, U any] struct {
	cache   cache.Store
	ns      string
	ttl     time.Duration
	backend Backend[T, F, U]
	sync    SyncFunc[T]

	stripes [lockStripes]sync.Mutex
}

// NewRepository creates a repository for the entity named entity.
func NewRepository[T Entity, F any, U any](c cache.Store, entity string, ttl time.Duration, backend Backend[T, F, U]) *Repository[T, F, U] {
	if c == nil {
		c = cache.Nop{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repository[T, F, U]{
		cache:   c,
		ns:      cache.Key(KeyPrefix, entity) + ":",
		ttl:     ttl,
		backend: backend,
	}
}

// WithSync registers the domain cache routine run after every create and update.
func (r *Repository[T, F, U]) WithSync(fn SyncFunc[T]) *Repository[T, F, U] {
	r.sync = fn
	return r
}

// Namespace returns the key prefix, e.g. "synthr:agent:".
func (r *Repository[T, F, U]) Namespace() string {
	return r.ns
}

// Key builds a key inside the namespace from its segments.
func (r *Repository[T, F, U]) Key(segments ...string) string {
	return r.ns + cache.Key(segments...)
}

// Cache returns the cache handle shared with the domain repository.
func (r *Repository[T, F, U]) Cache() cache.Store {
	return r.cache
}

// TTL returns the lifetime of direct-lookup keys.
func (r *Repository[T, F, U]) TTL() time.Duration {
	return r.ttl
}

// Invalidate wipes every key under the given segment, e.g. Invalidate("search").
func (r *Repository[T, F, U]) Invalidate(ctx context.Context, segment string) {
	r.cache.DeleteByPattern(ctx, r.ns+segment+":*")
}

// Get returns the entity with the given id, or nil if no such row exists.
func (r *Repository[T, F, U]) Get(ctx context.Context, id int32) (T, error) {
	return cachedOne(ctx, r.cache, r.idKey(id), r.ttl, func() (T, error) {
		return r.fetchOne(ctx, id)
	})
}

// List returns the rows matching find.
func (r *Repository[T, F, U]) List(ctx context.Context, find *F) ([]T, error) {
	key, err := r.findKey("list", find)
	if err != nil {
		return nil, err
	}
	return cachedValue(ctx, r.cache, key, r.ttl, func() ([]T, error) {
		return r.backend.List(ctx, find)
	})
}

// Count returns the number of rows matching find.
func (r *Repository[T, F, U]) Count(ctx context.Context, find *F) (int64, error) {
	key, err := r.findKey("count", find)
	if err != nil {
		return 0, err
	}
	return cachedValue(ctx, r.cache, key, r.ttl, func() (int64, error) {
		return r.backend.Count(ctx, find)
	})
}

// Exists reports whether a row with the given id exists.
func (r *Repository[T, F, U]) Exists(ctx context.Context, id int32) (bool, error) {
	return cachedValue(ctx, r.cache, r.Key("exists", itoa(id)), r.ttl, func() (bool, error) {
		n, err := r.backend.Count(ctx, r.backend.ByID(id))
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
}

// GetByIDs returns the entities for ids in input order. Ids without a row are skipped.
// Uncached ids are loaded with a single query.
func (r *Repository[T, F, U]) GetByIDs(ctx context.Context, ids []int32) ([]T, error) {
	found := make(map[int32]T, len(ids))
	var missing []int32
	for _, id := range ids {
		if _, seen := found[id]; seen {
			continue
		}
		if v, ok := decodeCached[T](ctx, r.cache, r.idKey(id)); ok {
			found[id] = v
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		list, err := r.backend.List(ctx, r.backend.ByIDs(missing))
		if err != nil {
			return nil, err
		}
		for _, v := range list {
			found[v.PrimaryKey()] = v
			setCached(ctx, r.cache, r.idKey(v.PrimaryKey()), v, r.ttl)
		}
	}

	result := make([]T, 0, len(ids))
	for _, id := range ids {
		if v, ok := found[id]; ok {
			result = append(result, v)
		}
	}
	return result, nil
}

// Create inserts the entity and caches the stored row.
func (r *Repository[T, F, U]) Create(ctx context.Context, create T) (T, error) {
	created, err := r.create(ctx, create)
	if err != nil {
		var zero T
		return zero, err
	}
	r.invalidateCollections(ctx)
	return created, nil
}

// BulkCreate inserts every entity. List and count keys are wiped once for the batch,
// including when the batch fails halfway.
func (r *Repository[T, F, U]) BulkCreate(ctx context.Context, creates []T) ([]T, error) {
	result := make([]T, 0, len(creates))
	defer func() {
		if len(result) > 0 {
			r.invalidateCollections(ctx)
		}
	}()

	for _, c := range creates {
		created, err := r.create(ctx, c)
		if err != nil {
			return result, err
		}
		result = append(result, created)
	}
	return result, nil
}

// Update applies the non-nil fields of update to existing and refreshes its cache key.
func (r *Repository[T, F, U]) Update(ctx context.Context, existing T, update *U) (T, error) {
	updated, err := r.update(ctx, existing, update)
	if err != nil {
		var zero T
		return zero, err
	}
	r.Invalidate(ctx, "list")
	return updated, nil
}

// BulkUpdate applies each change. List keys are wiped once for the batch.
func (r *Repository[T, F, U]) BulkUpdate(ctx context.Context, changes []Change[T, U]) ([]T, error) {
	result := make([]T, 0, len(changes))
	defer func() {
		if len(result) > 0 {
			r.Invalidate(ctx, "list")
		}
	}()

	for _, c := range changes {
		updated, err := r.update(ctx, c.Existing, c.Update)
		if err != nil {
			return result, err
		}
		result = append(result, updated)
	}
	return result, nil
}

// Mutate loads the current row from the store, bypassing the cache, and applies the
// update computed from it. The read and the write happen under the row lock, so fn sees
// the state its update will be applied to. Returns ErrNotFound if the row is missing.
func (r *Repository[T, F, U]) Mutate(ctx context.Context, id int32, fn func(current T) (*U, error)) (T, error) {
	var zero T
	mu := r.lock(id)
	mu.Lock()
	current, err := r.fetchOne(ctx, id)
	if err != nil {
		mu.Unlock()
		return zero, err
	}
	if current == zero {
		mu.Unlock()
		return zero, errors.Wrapf(ErrNotFound, "%s%d", r.ns, id)
	}
	update, err := fn(current)
	if err != nil {
		mu.Unlock()
		return zero, err
	}
	updated, err := r.backend.Update(ctx, id, update)
	if err != nil {
		mu.Unlock()
		return zero, err
	}
	setCached(ctx, r.cache, r.idKey(id), updated, r.ttl)
	if r.sync != nil {
		r.sync(ctx, current, updated)
	}
	mu.Unlock()

	r.Invalidate(ctx, "list")
	return updated, nil
}

// Remove deletes the row and wipes every key of the entity type.
func (r *Repository[T, F, U]) Remove(ctx context.Context, id int32) error {
	mu := r.lock(id)
	mu.Lock()
	err := r.backend.Delete(ctx, id)
	mu.Unlock()
	if err != nil {
		return err
	}
	r.cache.DeleteByPattern(ctx, r.ns+"*")
	return nil
}

// Refresh rewrites the cached copy of entity under its primary key.
func (r *Repository[T, F, U]) Refresh(ctx context.Context, entity T) {
	setCached(ctx, r.cache, r.idKey(entity.PrimaryKey()), entity, r.ttl)
}

func (r *Repository[T, F, U]) create(ctx context.Context, create T) (T, error) {
	created, err := r.backend.Create(ctx, create)
	if err != nil {
		var zero T
		return zero, err
	}
	id := created.PrimaryKey()
	setCached(ctx, r.cache, r.idKey(id), created, r.ttl)
	r.cache.Delete(ctx, r.Key("exists", itoa(id)))
	if r.sync != nil {
		var zero T
		r.sync(ctx, zero, created)
	}
	return created, nil
}

func (r *Repository[T, F, U]) update(ctx context.Context, existing T, update *U) (T, error) {
	var zero T
	if existing == zero {
		return zero, errors.Wrapf(ErrNotFound, "%supdate", r.ns)
	}
	id := existing.PrimaryKey()

	mu := r.lock(id)
	mu.Lock()
	updated, err := r.backend.Update(ctx, id, update)
	if err != nil {
		mu.Unlock()
		return zero, err
	}
	setCached(ctx, r.cache, r.idKey(id), updated, r.ttl)
	if r.sync != nil {
		r.sync(ctx, existing, updated)
	}
	mu.Unlock()
	return updated, nil
}

func (r *Repository[T, F, U]) fetchOne(ctx context.Context, id int32) (T, error) {
	var zero T
	list, err := r.backend.List(ctx, r.backend.ByID(id))
	if err != nil {
		return zero, err
	}
	if len(list) == 0 {
		return zero, nil
	}
	return list[0], nil
}

func (r *Repository[T, F, U]) invalidateCollections(ctx context.Context) {
	r.Invalidate(ctx, "list")
	r.Invalidate(ctx, "count")
}

func (r *Repository[T, F, U]) idKey(id int32) string {
	return r.Key("id", itoa(id))
}

// findKey hashes the JSON encoding of find into a bounded key segment.
func (r *Repository[T, F, U]) findKey(segment string, find *F) (string, error) {
	return hashedKey(r.Key(segment), find)
}

func (r *Repository[T, F, U]) lock(id int32) *sync.Mutex {
	return &r.stripes[uint32(id)%lockStripes]
}

func hashedKey(prefix string, params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode cache key parameters")
	}
	return prefix + ":" + cache.KeyHash(string(raw)), nil
}

// cachedOne returns the cached entity under key, or fetches and caches it.
// A nil fetch result is not cached.
func cachedOne[T Entity](ctx context.Context, c cache.Store, key string, ttl time.Duration, fetch func() (T, error)) (T, error) {
	if v, ok := decodeCached[T](ctx, c, key); ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	var zero T
	if v != zero {
		setCached(ctx, c, key, v, ttl)
	}
	return v, nil
}

// cachedValue returns the cached value under key, or fetches and caches it.
func cachedValue[V any](ctx context.Context, c cache.Store, key string, ttl time.Duration, fetch func() (V, error)) (V, error) {
	if v, ok := decodeCached[V](ctx, c, key); ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	setCached(ctx, c, key, v, ttl)
	return v, nil
}

// decodeCached reads key and decodes it. A value that fails to decode is dropped and
// reported as a miss.
func decodeCached[V any](ctx context.Context, c cache.Store, key string) (V, bool) {
	var v V
	raw, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("dropping undecodable cache value", slog.String("key", key), slog.String("error", err.Error()))
		c.Delete(ctx, key)
		var zero V
		return zero, false
	}
	return v, true
}

func setCached(ctx context.Context, c cache.Store, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode cache value", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	c.Set(ctx, key, raw, ttl)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func itoa(id int32) string {
	return strconv.FormatInt(int64(id), 10)
}

// optSegment renders an optional id filter as a key segment.
func optSegment(id *int32, none string) string {
	if id == nil {
		return none
	}
	return itoa(*id)
}
