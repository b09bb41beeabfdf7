package datacache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/datacache/internal/cache"
	"github.com/objectfs/datacache/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRepository() *types.StaticRepository {
	return types.NewStaticRepository(
		&types.TypeMeta{Name: "Person"},
		&types.TypeMeta{Name: "Employee", Super: "Person"},
		&types.TypeMeta{Name: "Manager", Super: "Employee"},
		&types.TypeMeta{Name: "Address", CacheTimeout: time.Minute},
		&types.TypeMeta{Name: "Invoice", CacheName: "billing"},
	)
}

func newTestCache(t *testing.T, mutate func(cfg *Config), opts ...Option) (*Cache, *testClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithRepository(testRepository())}, opts...)
	c, err := NewCache(cfg, opts...)
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c.SetClock(clock.Now)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func person(key string, version int, name string) *PCData {
	return NewPCData(types.NewOID("Person", key), version, map[string]interface{}{"name": name})
}

func TestCache_PutGetReturnsCopies(t *testing.T) {
	c, _ := newTestCache(t, nil)
	in := person("1", 1, "alice")
	in.Fields["tags"] = []string{"a", "b"}

	_, had := c.Put(in)
	assert.False(t, had)

	in.Fields["name"] = "mallory"
	got, ok := c.Get(in.OID)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Fields["name"])

	got.Fields["tags"].([]string)[0] = "z"
	again, _ := c.Get(in.OID)
	assert.Equal(t, []string{"a", "b"}, again.Fields["tags"])

	prev, had := c.Put(person("1", 2, "alicia"))
	require.True(t, had)
	assert.Equal(t, 1, prev.Version)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, nil)
	addr := NewPCData(types.NewOID("Address", "home"), 1, nil)
	c.Put(addr)
	c.Put(person("1", 1, "alice"))

	clock.Advance(59 * time.Second)
	assert.True(t, c.Contains(addr.OID))

	clock.Advance(2 * time.Second)
	_, ok := c.Get(addr.OID)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entry is removed on access")

	_, ok = c.Get(types.NewOID("Person", "1"))
	assert.True(t, ok, "types without timeout never expire")
}

func TestCache_TypeTimeoutResolution(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) { cfg.Timeout = time.Hour })

	assert.Equal(t, time.Minute, c.TypeTimeout("Address"))
	assert.Equal(t, time.Hour, c.TypeTimeout("Person"))

	c.SetTypeTimeout("Address", types.NoTimeout)
	assert.Equal(t, types.NoTimeout, c.TypeTimeout("Address"))
}

func TestCache_CommitOrdering(t *testing.T) {
	c, _ := newTestCache(t, nil)
	stale := person("1", 1, "old")
	c.Put(stale)
	c.Put(person("2", 1, "bob"))

	c.Commit(
		[]*PCData{person("1", 2, "new")},
		[]*PCData{person("3", 1, "carol")},
		[]*PCData{person("2", 2, "robert")},
		[]types.OID{stale.OID, types.NewOID("Person", "2")},
	)

	got, ok := c.Get(stale.OID)
	require.True(t, ok, "deleted and re-added in one commit")
	assert.Equal(t, "new", got.Fields["name"])

	got, ok = c.Get(types.NewOID("Person", "2"))
	require.True(t, ok, "existing update applied after the delete")
	assert.Equal(t, "robert", got.Fields["name"])

	assert.True(t, c.Contains(types.NewOID("Person", "3")))
}

func TestCache_BatchExcludesOthers(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Put(person("1", 1, "alice"))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Batch(context.Background(), func(tx *Tx) {
			close(entered)
			<-release
			d, ok := tx.Get(types.NewOID("Person", "1"))
			if ok {
				d.Fields["name"] = "batched"
				tx.Put(d)
			}
		})
	}()

	<-entered
	read := make(chan *PCData)
	go func() {
		d, _ := c.Get(types.NewOID("Person", "1"))
		read <- d
	}()

	select {
	case <-read:
		t.Fatal("read completed while batch held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	assert.Equal(t, "batched", (<-read).Fields["name"])
}

func TestCache_RemoveAllOfType(t *testing.T) {
	tests := []struct {
		name       string
		typeName   string
		subclasses bool
		removed    int
		left       []string
	}{
		{name: "exact type", typeName: "Person", removed: 1, left: []string{"Employee", "Manager", "Address"}},
		{name: "with subclasses", typeName: "Person", subclasses: true, removed: 3, left: []string{"Address"}},
		{name: "middle of hierarchy", typeName: "Employee", subclasses: true, removed: 2, left: []string{"Person", "Address"}},
		{name: "unknown type", typeName: "Ghost", subclasses: true, removed: 0, left: []string{"Person", "Employee", "Manager", "Address"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t, func(cfg *Config) { cfg.EnableStatistics = true })
			for _, typeName := range []string{"Person", "Employee", "Manager", "Address"} {
				c.Put(NewPCData(types.NewOID(typeName, "1"), 1, nil))
			}

			assert.Equal(t, tt.removed, c.RemoveAllOfType(tt.typeName, tt.subclasses))
			for _, typeName := range tt.left {
				assert.True(t, c.Contains(types.NewOID(typeName, "1")), typeName)
			}
			assert.Equal(t, int64(tt.removed), c.Statistics().Total().Evictions)
		})
	}
}

func TestCache_AfterCommit(t *testing.T) {
	tests := []struct {
		name  string
		event *types.RemoteCommitEvent
		left  []string
	}{
		{
			name: "object ids",
			event: &types.RemoteCommitEvent{
				Payload:     types.PayloadOIDs,
				UpdatedOIDs: []types.OID{types.NewOID("Person", "1")},
				DeletedOIDs: []types.OID{types.NewOID("Employee", "1")},
				// type names are ignored for this payload
				UpdatedTypes: []string{"Address"},
			},
			left: []string{"Manager", "Address"},
		},
		{
			name:  "extents",
			event: &types.RemoteCommitEvent{Payload: types.PayloadExtents, UpdatedTypes: []string{"Address"}, DeletedTypes: []string{"Manager"}},
			left:  []string{"Person", "Employee"},
		},
		{
			name: "both",
			event: &types.RemoteCommitEvent{
				Payload:      types.PayloadOIDsAndExtents,
				UpdatedOIDs:  []types.OID{types.NewOID("Person", "1")},
				DeletedTypes: []string{"Address"},
			},
			left: []string{"Employee", "Manager"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t, nil)
			for _, typeName := range []string{"Person", "Employee", "Manager", "Address"} {
				c.Put(NewPCData(types.NewOID(typeName, "1"), 1, nil))
			}

			c.AfterCommit(tt.event)
			assert.Equal(t, len(tt.left), c.Len())
			for _, typeName := range tt.left {
				assert.True(t, c.Contains(types.NewOID(typeName, "1")), typeName)
			}
		})
	}
}

func TestCache_ClearTwice(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Put(person("1", 1, "alice"))

	c.Clear()
	assert.Zero(t, c.Len())
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestCache_PinsAndContainsAll(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.Store = cache.StoreConfig{CacheSize: 1, SoftReferenceSize: 0, EvictionPolicy: "lru"}
	})
	one, two, three := person("1", 1, "a"), person("2", 1, "b"), person("3", 1, "c")

	c.Put(one)
	require.True(t, c.Pin(one.OID))
	c.Put(two)
	c.Put(three)

	assert.Equal(t, []bool{true, false, true}, c.ContainsAll([]types.OID{one.OID, two.OID, three.OID}))
	assert.Equal(t, []types.OID{one.OID}, c.PinnedKeys())
	assert.True(t, c.Unpin(one.OID))
}

func TestCache_Statistics(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) { cfg.EnableStatistics = true })
	c.Put(person("1", 1, "alice"))
	c.Get(types.NewOID("Person", "1"))
	c.Get(types.NewOID("Person", "2"))
	c.Remove(types.NewOID("Person", "1"))

	counts := c.Statistics().TotalFor("Person")
	assert.Equal(t, int64(2), counts.Reads)
	assert.Equal(t, int64(1), counts.Hits)
	assert.Equal(t, int64(1), counts.Writes)
	assert.Equal(t, int64(1), counts.Evictions)
}

func TestCache_Closed(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Put(person("1", 1, "alice"))

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	_, ok := c.Get(types.NewOID("Person", "1"))
	assert.False(t, ok)
	_, had := c.Put(person("2", 1, "bob"))
	assert.False(t, had)
	assert.Equal(t, []bool{false}, c.ContainsAll([]types.OID{types.NewOID("Person", "1")}))
	require.NoError(t, c.Close())
}

func TestCache_DurableReadThrough(t *testing.T) {
	dir := t.TempDir()
	backend, err := cache.NewFileBackend(dir)
	require.NoError(t, err)

	mutate := func(cfg *Config) {
		cfg.Durable.Backend = "file"
		cfg.Durable.Directory = dir
		cfg.Durable.ConsumeErrors = false
	}
	first, _ := newTestCache(t, mutate, WithBackend(backend))
	in := NewPCData(types.NewOID("Person", "1"), "v1", map[string]interface{}{"name": "alice"})
	require.NoError(t, first.CommitContext(context.Background(), []*PCData{in}, nil, nil, nil))

	second, _ := newTestCache(t, mutate, WithBackend(backend))
	got, ok, err := second.GetContext(context.Background(), in.OID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", got.Version)
	assert.Equal(t, "alice", got.Fields["name"])
	assert.Equal(t, 1, second.Len(), "read-through populates memory")

	second.Remove(in.OID)
	_, ok, err = first.GetContext(context.Background(), types.NewOID("Person", "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}
