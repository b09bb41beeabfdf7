package querycache

import (
	"fmt"
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

func newTestCache(t *testing.T, mutate func(cfg *Config)) (*Cache, *testClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c.SetClock(clock.Now)
	t.Cleanup(c.Close)
	return c, clock
}

func mustKey(t *testing.T, q *QueryContext) *QueryKey {
	t.Helper()
	key, ok := NewQueryKey(q, testRepository(), newFakeStore())
	require.True(t, ok)
	return key
}

func addressQuery() *QueryContext {
	return &QueryContext{
		Language:      "jpql",
		Query:         "SELECT a FROM Address a",
		CandidateType: "Address",
		AccessPath:    []string{"Address"},
	}
}

func oidRows(keys ...string) []interface{} {
	rows := make([]interface{}, len(keys))
	for i, k := range keys {
		rows[i] = types.NewOID("Person", k)
	}
	return rows
}

func TestParseEvictPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    EvictPolicy
		wantErr bool
	}{
		{in: "", want: EvictDefault},
		{in: "default", want: EvictDefault},
		{in: "TIMESTAMP", want: EvictTimestamp},
		{in: "lazy", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEvictPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := New(&Config{EvictPolicy: "lazy"}, nil)
	assert.Error(t, err)
}

func TestCache_ParamsDoNotShareResults(t *testing.T) {
	c, clock := newTestCache(t, nil)

	joined := personQuery()
	joined.Params = []interface{}{[]string{"a b"}}
	split := personQuery()
	split.Params = []interface{}{[]string{"a", "b"}}

	jk := mustKey(t, joined)
	c.Put(jk, NewQueryResult(jk, oidRows("1"), clock.Now()))

	_, ok := c.Get(mustKey(t, split))
	assert.False(t, ok)
	_, ok = c.Get(mustKey(t, joined))
	assert.True(t, ok)
}

func TestCache_PutGetRemove(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) { cfg.EnableStatistics = true })
	key := mustKey(t, personQuery())

	_, ok := c.Get(key)
	assert.False(t, ok)

	_, had := c.Put(key, NewQueryResult(key, oidRows("1", "2"), clock.Now()))
	assert.False(t, had)

	res, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, 2, res.Len())
	assert.Equal(t, types.NewOID("Person", "1"), res.Row(0))
	assert.Equal(t, 1, c.Count())
	require.Len(t, c.Keys(), 1)
	assert.True(t, c.Keys()[0].Equal(key))

	_, ok = c.Remove(key)
	assert.True(t, ok)
	_, ok = c.Get(key)
	assert.False(t, ok)

	counts := c.Statistics().TotalFor(key.ID())
	assert.Equal(t, int64(3), counts.Executions)
	assert.Equal(t, int64(1), counts.Hits)
	assert.Equal(t, int64(1), counts.Evictions)

	c.Put(key, NewQueryResult(key, nil, clock.Now()))
	c.Clear()
	assert.Zero(t, c.Count())
	assert.Zero(t, c.Statistics().Total().Executions)
}

func TestCache_StatisticsDisabledByDefault(t *testing.T) {
	c, clock := newTestCache(t, nil)
	key := mustKey(t, personQuery())
	c.Put(key, NewQueryResult(key, nil, clock.Now()))
	c.Get(key)

	assert.False(t, c.StatisticsEnabled())
	assert.Zero(t, c.Statistics().Total().Executions)
}

func TestCache_Timeout(t *testing.T) {
	c, clock := newTestCache(t, nil)
	q := personQuery()
	q.AccessPath = []string{"Person", "Session"}
	key := mustKey(t, q)

	c.Put(key, NewQueryResult(key, oidRows("1"), clock.Now()))
	_, ok := c.Get(key)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestCache_DefaultPolicyInvalidation(t *testing.T) {
	c, clock := newTestCache(t, nil)
	people := mustKey(t, personQuery())
	addresses := mustKey(t, addressQuery())
	c.Put(people, NewQueryResult(people, oidRows("1"), clock.Now()))
	c.Put(addresses, NewQueryResult(addresses, nil, clock.Now()))

	var seen []types.TypesChangedEvent
	c.AddTypesChangedListener(types.TypesChangedFunc(func(ev types.TypesChangedEvent) {
		seen = append(seen, ev)
	}))

	c.OnTypesChanged(types.NewTypesChangedEvent("Employee"))
	_, ok := c.Get(people)
	assert.False(t, ok)
	_, ok = c.Get(addresses)
	assert.True(t, ok)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Contains("Employee"))

	c.OnTypesChanged(types.TypesChangedEvent{})
	assert.Len(t, seen, 1)
}

func TestCache_TimestampPolicy(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) { cfg.EvictPolicy = "timestamp" })
	key := mustKey(t, personQuery())

	c.Put(key, NewQueryResult(key, oidRows("1"), clock.Now()))
	clock.Advance(time.Second)

	c.OnTypesChanged(types.NewTypesChangedEvent("Address"))
	_, ok := c.Get(key)
	assert.True(t, ok)

	c.OnTypesChanged(types.NewTypesChangedEvent("Person"))
	assert.Equal(t, 1, c.Count(), "timestamp policy evicts lazily")
	assert.Equal(t, []int64{clock.Now().UnixMilli()}, c.EntityTimestamps([]string{"Person", "Employee"}))

	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Zero(t, c.Count())

	// Materialised in the same millisecond as the change: still stale.
	c.Put(key, NewQueryResult(key, oidRows("1"), clock.Now()))
	_, ok = c.Get(key)
	assert.False(t, ok)

	clock.Advance(time.Millisecond)
	c.Put(key, NewQueryResult(key, oidRows("1"), clock.Now()))
	_, ok = c.Get(key)
	assert.True(t, ok)
}

func TestCache_AfterCommit(t *testing.T) {
	tests := []struct {
		name        string
		event       *types.RemoteCommitEvent
		invalidates bool
	}{
		{
			name:        "updated oid",
			event:       &types.RemoteCommitEvent{Payload: types.PayloadOIDs, UpdatedOIDs: []types.OID{types.NewOID("Person", "9")}},
			invalidates: true,
		},
		{
			name:        "deleted subtype oid",
			event:       &types.RemoteCommitEvent{Payload: types.PayloadOIDs, DeletedOIDs: []types.OID{types.NewOID("Employee", "9")}},
			invalidates: true,
		},
		{
			name:        "persisted type",
			event:       &types.RemoteCommitEvent{Payload: types.PayloadOIDs, PersistedTypes: []string{"Person"}},
			invalidates: true,
		},
		{
			name:        "extent names",
			event:       &types.RemoteCommitEvent{Payload: types.PayloadExtents, UpdatedTypes: []string{"Person"}},
			invalidates: true,
		},
		{
			name:  "type names ignored for oid payload",
			event: &types.RemoteCommitEvent{Payload: types.PayloadOIDs, UpdatedTypes: []string{"Person"}},
		},
		{
			name:  "unrelated type",
			event: &types.RemoteCommitEvent{Payload: types.PayloadExtents, DeletedTypes: []string{"Address"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clock := newTestCache(t, nil)
			key := mustKey(t, personQuery())
			c.Put(key, NewQueryResult(key, oidRows("1"), clock.Now()))

			c.AfterCommit(tt.event)
			_, ok := c.Get(key)
			assert.Equal(t, !tt.invalidates, ok)
		})
	}
}

func TestCache_Closed(t *testing.T) {
	c, clock := newTestCache(t, nil)
	key := mustKey(t, personQuery())
	c.Put(key, NewQueryResult(key, oidRows("1"), clock.Now()))

	c.Close()
	assert.True(t, c.Closed())
	_, ok := c.Get(key)
	assert.False(t, ok)
	_, had := c.Put(key, NewQueryResult(key, nil, clock.Now()))
	assert.False(t, had)
	c.AfterCommit(&types.RemoteCommitEvent{PersistedTypes: []string{"Person"}})
	c.Close()
}

type recordingListener struct {
	events int
}

func (l *recordingListener) OnTypesChanged(ev types.TypesChangedEvent) { l.events++ }

func TestCache_Listeners(t *testing.T) {
	c, _ := newTestCache(t, nil)
	l := &recordingListener{}

	c.AddTypesChangedListener(types.TypesChangedFunc(func(ev types.TypesChangedEvent) {
		panic("listener failure")
	}))
	c.AddTypesChangedListener(l)

	c.OnTypesChanged(types.NewTypesChangedEvent("Person"))
	assert.Equal(t, 1, l.events)

	assert.True(t, c.RemoveTypesChangedListener(l))
	assert.False(t, c.RemoveTypesChangedListener(l))
	assert.False(t, c.RemoveTypesChangedListener(types.TypesChangedFunc(func(types.TypesChangedEvent) {})))

	c.OnTypesChanged(types.NewTypesChangedEvent("Person"))
	assert.Equal(t, 1, l.events)
}

func TestCache_PinSurvivesCapacity(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) {
		cfg.Store = cache.StoreConfig{CacheSize: 1, SoftReferenceSize: 0}
	})

	keys := make([]*QueryKey, 3)
	for i := range keys {
		q := personQuery()
		q.Params = []interface{}{fmt.Sprintf("p%d", i)}
		keys[i] = mustKey(t, q)
	}

	c.Put(keys[0], NewQueryResult(keys[0], nil, clock.Now()))
	assert.True(t, c.Pin(keys[0]))
	c.Put(keys[1], NewQueryResult(keys[1], nil, clock.Now()))
	c.Put(keys[2], NewQueryResult(keys[2], nil, clock.Now()))

	_, ok := c.Get(keys[0])
	assert.True(t, ok)
	_, ok = c.Get(keys[1])
	assert.False(t, ok)
	assert.Equal(t, 2, c.Count())

	assert.True(t, c.Unpin(keys[0]))
}
