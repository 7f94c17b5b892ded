package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/synthr/store/cache"
)

type counter struct {
	ID    int32 `json:"id"`
	Value int   `json:"value"`
}

func (c *counter) PrimaryKey() int32 { return c.ID }

type findCounter struct {
	ID  *int32  `json:"id,omitempty"`
	IDs []int32 `json:"ids,omitempty"`
}

type updateCounter struct {
	Value *int
}

// counterTable is an in-memory backend that records how often it is queried.
type counterTable struct {
	mu     sync.Mutex
	rows   map[int32]counter
	nextID int32
	lists  atomic.Int32
}

func newCounterRepository(t *testing.T) (*Repository[*counter, findCounter, updateCounter], *counterTable, *cache.Memory) {
	t.Helper()
	memory := cache.NewMemory(cache.DefaultMemoryConfig())
	t.Cleanup(func() { _ = memory.Close() })
	repo, table := newCounterRepositoryOn(memory)
	return repo, table, memory
}

func newCounterRepositoryOn(c cache.Store) (*Repository[*counter, findCounter, updateCounter], *counterTable) {
	table := &counterTable{rows: map[int32]counter{}}
	repo := NewRepository(c, "counter", DefaultTTL, Backend[*counter, findCounter, updateCounter]{
		Create: func(_ context.Context, create *counter) (*counter, error) {
			table.mu.Lock()
			defer table.mu.Unlock()
			table.nextID++
			row := counter{ID: table.nextID, Value: create.Value}
			table.rows[row.ID] = row
			return &row, nil
		},
		List: func(_ context.Context, find *findCounter) ([]*counter, error) {
			table.lists.Add(1)
			table.mu.Lock()
			defer table.mu.Unlock()
			ids := find.IDs
			if find.ID != nil {
				ids = []int32{*find.ID}
			}
			if ids == nil {
				for id := int32(1); id <= table.nextID; id++ {
					ids = append(ids, id)
				}
			}
			list := []*counter{}
			for _, id := range ids {
				if row, ok := table.rows[id]; ok {
					list = append(list, &row)
				}
			}
			return list, nil
		},
		Count: func(_ context.Context, find *findCounter) (int64, error) {
			table.mu.Lock()
			defer table.mu.Unlock()
			if find.ID != nil {
				if _, ok := table.rows[*find.ID]; ok {
					return 1, nil
				}
				return 0, nil
			}
			return int64(len(table.rows)), nil
		},
		Update: func(_ context.Context, id int32, update *updateCounter) (*counter, error) {
			table.mu.Lock()
			defer table.mu.Unlock()
			row, ok := table.rows[id]
			if !ok {
				return nil, ErrNotFound
			}
			if update.Value != nil {
				row.Value = *update.Value
			}
			table.rows[id] = row
			return &row, nil
		},
		Delete: func(_ context.Context, id int32) error {
			table.mu.Lock()
			defer table.mu.Unlock()
			if _, ok := table.rows[id]; !ok {
				return ErrNotFound
			}
			delete(table.rows, id)
			return nil
		},
		ByID:  func(id int32) *findCounter { return &findCounter{ID: &id} },
		ByIDs: func(ids []int32) *findCounter { return &findCounter{IDs: ids} },
	})
	return repo, table
}

// patternCache records the patterns passed to DeleteByPattern.
type patternCache struct {
	*cache.Memory
	mu       sync.Mutex
	patterns []string
}

func (c *patternCache) DeleteByPattern(ctx context.Context, pattern string) bool {
	c.mu.Lock()
	c.patterns = append(c.patterns, pattern)
	c.mu.Unlock()
	return c.Memory.DeleteByPattern(ctx, pattern)
}

func (c *patternCache) wiped(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.patterns {
		if p == pattern {
			n++
		}
	}
	return n
}

func TestRepositoryGetServesFromCache(t *testing.T) {
	ctx := context.Background()
	repo, table, _ := newCounterRepository(t)

	created, err := repo.Create(ctx, &counter{Value: 7})
	require.NoError(t, err)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
	assert.EqualValues(t, 0, table.lists.Load())

	missing, err := repo.Get(ctx, 404)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.EqualValues(t, 1, table.lists.Load())
}

func TestRepositoryGetByIDsBatchesMisses(t *testing.T) {
	ctx := context.Background()
	repo, table, memory := newCounterRepository(t)

	var ids []int32
	for i := 0; i < 4; i++ {
		created, err := repo.Create(ctx, &counter{Value: i})
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	memory.Delete(ctx, repo.Key("id", itoa(ids[1])))
	memory.Delete(ctx, repo.Key("id", itoa(ids[3])))

	list, err := repo.GetByIDs(ctx, []int32{ids[3], ids[0], 99, ids[1], ids[3]})
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, []int32{ids[3], ids[0], ids[1], ids[3]}, []int32{list[0].ID, list[1].ID, list[2].ID, list[3].ID})
	assert.EqualValues(t, 1, table.lists.Load())
	assert.True(t, memory.Exists(ctx, repo.Key("id", itoa(ids[3]))))
}

func TestRepositoryCollectionsInvalidated(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newCounterRepository(t)

	_, err := repo.Create(ctx, &counter{Value: 1})
	require.NoError(t, err)
	list, err := repo.List(ctx, &findCounter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	count, err := repo.Count(ctx, &findCounter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	created, err := repo.BulkCreate(ctx, []*counter{{Value: 2}, {Value: 3}})
	require.NoError(t, err)
	require.Len(t, created, 2)

	list, err = repo.List(ctx, &findCounter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	count, err = repo.Count(ctx, &findCounter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	value := 42
	_, err = repo.Update(ctx, created[0], &updateCounter{Value: &value})
	require.NoError(t, err)
	list, err = repo.List(ctx, &findCounter{})
	require.NoError(t, err)
	assert.Equal(t, 42, list[1].Value)

	require.NoError(t, repo.Remove(ctx, created[1].ID))
	list, err = repo.List(ctx, &findCounter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	exists, err := repo.Exists(ctx, created[1].ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepositoryMutateSerializesWriters(t *testing.T) {
	ctx := context.Background()
	repo, table, _ := newCounterRepository(t)

	created, err := repo.Create(ctx, &counter{})
	require.NoError(t, err)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Mutate(ctx, created.ID, func(current *counter) (*updateCounter, error) {
				next := current.Value + 1
				return &updateCounter{Value: &next}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.Value)
	assert.Equal(t, writers, table.rows[created.ID].Value)

	_, err = repo.Mutate(ctx, 404, func(*counter) (*updateCounter, error) { return &updateCounter{}, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepositoryUndecodableValueIsAMiss(t *testing.T) {
	ctx := context.Background()
	repo, table, memory := newCounterRepository(t)

	created, err := repo.Create(ctx, &counter{Value: 3})
	require.NoError(t, err)
	memory.Set(ctx, repo.Key("id", itoa(created.ID)), []byte("{not json"), DefaultTTL)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Value)
	assert.EqualValues(t, 1, table.lists.Load())
}

func TestRepositoryBulkUpdate(t *testing.T) {
	ctx := context.Background()
	memory := cache.NewMemory(cache.DefaultMemoryConfig())
	t.Cleanup(func() { _ = memory.Close() })
	c := &patternCache{Memory: memory}
	repo, table := newCounterRepositoryOn(c)

	created, err := repo.BulkCreate(ctx, []*counter{{Value: 1}, {Value: 2}, {Value: 3}})
	require.NoError(t, err)
	_, err = repo.List(ctx, &findCounter{})
	require.NoError(t, err)
	count, err := repo.Count(ctx, &findCounter{})
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
	listKey, err := repo.findKey("list", &findCounter{})
	require.NoError(t, err)
	countKey, err := repo.findKey("count", &findCounter{})
	require.NoError(t, err)
	require.True(t, c.Exists(ctx, listKey))
	require.True(t, c.Exists(ctx, countKey))
	listWipes := c.wiped(repo.Key("list") + ":*")

	changes := make([]Change[*counter, updateCounter], 0, len(created))
	for i, row := range created {
		value := 10 * (i + 1)
		changes = append(changes, Change[*counter, updateCounter]{Existing: row, Update: &updateCounter{Value: &value}})
	}
	updated, err := repo.BulkUpdate(ctx, changes)
	require.NoError(t, err)
	require.Len(t, updated, 3)

	lists := table.lists.Load()
	for i, row := range created {
		got, err := repo.Get(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, 10*(i+1), got.Value)
	}
	// Every id key was refreshed by the batch, so no read reached the table.
	assert.Equal(t, lists, table.lists.Load())

	assert.Equal(t, listWipes+1, c.wiped(repo.Key("list")+":*"))
	assert.False(t, c.Exists(ctx, listKey))
	// Updates do not change how many rows match.
	assert.True(t, c.Exists(ctx, countKey))

	list, err := repo.List(ctx, &findCounter{})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30}, []int{list[0].Value, list[1].Value, list[2].Value})

	// A failing change stops the batch. The rows already written stay written
	// and the list keys are still wiped.
	value := 99
	updated, err = repo.BulkUpdate(ctx, []Change[*counter, updateCounter]{
		{Existing: created[0], Update: &updateCounter{Value: &value}},
		{Existing: &counter{ID: 404}, Update: &updateCounter{Value: &value}},
		{Existing: created[2], Update: &updateCounter{Value: &value}},
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, updated, 1)
	assert.Equal(t, listWipes+2, c.wiped(repo.Key("list")+":*"))
	got, err := repo.Get(ctx, created[2].ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Value)
}
