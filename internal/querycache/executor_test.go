package querycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/datacache/pkg/types"
)

func testNow() time.Time {
	return time.Unix(1_700_000_000, 0)
}

type fakeDelegate struct {
	rows      []interface{}
	queries   int
	updates   int
	deletes   int
	updateErr error
}

func (d *fakeDelegate) ExecuteQuery(ctx context.Context, qctx *QueryContext) (ResultProvider, error) {
	d.queries++
	return newSliceProvider(d.rows...), nil
}

func (d *fakeDelegate) ExecuteUpdate(ctx context.Context, qctx *QueryContext) (int64, error) {
	d.updates++
	return int64(len(d.rows)), d.updateErr
}

func (d *fakeDelegate) ExecuteDelete(ctx context.Context, qctx *QueryContext) (int64, error) {
	d.deletes++
	return int64(len(d.rows)), nil
}

type fakeEvictor struct {
	evict   bool
	removed []string
}

func (e *fakeEvictor) RemoveAllOfType(typeName string, subclasses bool) int {
	e.removed = append(e.removed, typeName)
	return 1
}

func (e *fakeEvictor) EvictOnBulkUpdate() bool { return e.evict }

type fakeEntityCaches map[string]*fakeEvictor

func (f fakeEntityCaches) CacheFor(typeName string) (EntityEvictor, bool) {
	e, ok := f[typeName]
	if !ok {
		return nil, false
	}
	return e, true
}

type executorFixture struct {
	cache    *Cache
	delegate *fakeDelegate
	store    *fakeStore
	evictors fakeEntityCaches
	exec     *Executor
	alice    *entity
	bob      *entity
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	c, _ := newTestCache(t, nil)
	alice, bob := newEntity("Person", "alice"), newEntity("Person", "bob")
	f := &executorFixture{
		cache:    c,
		delegate: &fakeDelegate{rows: []interface{}{alice, bob}},
		store:    newFakeStore(alice, bob),
		evictors: fakeEntityCaches{"Person": {evict: true}, "Address": {evict: false}},
		alice:    alice,
		bob:      bob,
	}
	f.exec = NewExecutor(ExecutorConfig{
		Cache:      c,
		Delegate:   f.delegate,
		Repository: testRepository(),
		Store:      f.store,
		Entities:   f.evictors,
	})
	return f
}

func (f *executorFixture) run(t *testing.T, q *QueryContext) []interface{} {
	t.Helper()
	rp, err := f.exec.ExecuteQuery(context.Background(), q)
	require.NoError(t, err)
	defer rp.Close()
	return drain(t, rp)
}

func TestExecutor_HitAfterMiss(t *testing.T) {
	f := newExecutorFixture(t)

	first := f.run(t, personQuery())
	second := f.run(t, personQuery())

	assert.Equal(t, []interface{}{f.alice, f.bob}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.delegate.queries)
}

func TestExecutor_Bypass(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *executorFixture, q *QueryContext)
	}{
		{name: "read lock", mutate: func(f *executorFixture, q *QueryContext) { q.ReadLock = true }},
		{name: "dirty type", mutate: func(f *executorFixture, q *QueryContext) { q.DirtyTypes = []string{"Person"} }},
		{name: "instances not cached", mutate: func(f *executorFixture, q *QueryContext) {
			f.store.uncached[f.bob.oid] = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecutorFixture(t)
			f.run(t, personQuery())

			q := personQuery()
			tt.mutate(f, q)
			rows := f.run(t, q)
			assert.Len(t, rows, 2)
			assert.Equal(t, 2, f.delegate.queries)
		})
	}
}

func TestExecutor_Disabled(t *testing.T) {
	f := newExecutorFixture(t)
	exec := NewExecutor(ExecutorConfig{Cache: f.cache, Delegate: f.delegate, Repository: testRepository(), Store: f.store, Disabled: true})

	for i := 0; i < 2; i++ {
		rp, err := exec.ExecuteQuery(context.Background(), personQuery())
		require.NoError(t, err)
		drain(t, rp)
	}
	assert.Equal(t, 2, f.delegate.queries)
	assert.Zero(t, f.cache.Count())
}

func TestExecutor_BulkStatementsClearAccessPath(t *testing.T) {
	f := newExecutorFixture(t)
	f.run(t, personQuery())
	f.run(t, addressQuery())
	require.Equal(t, 2, f.cache.Count())

	update := &QueryContext{Query: "UPDATE Person p SET p.name = 'x'", CandidateType: "Person", AccessPath: []string{"Person"}}
	n, err := f.exec.ExecuteUpdate(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, 1, f.cache.Count())
	assert.Equal(t, []string{"Person"}, f.evictors["Person"].removed)

	del := &QueryContext{Query: "DELETE FROM Address a", CandidateType: "Address", AccessPath: []string{"Address"}}
	_, err = f.exec.ExecuteDelete(context.Background(), del)
	require.NoError(t, err)
	assert.Zero(t, f.cache.Count())
	assert.Empty(t, f.evictors["Address"].removed, "evict on bulk update disabled")
}

func TestExecutor_FailedUpdateStillInvalidates(t *testing.T) {
	f := newExecutorFixture(t)
	f.run(t, personQuery())
	f.delegate.updateErr = errors.New("constraint violation")

	_, err := f.exec.ExecuteUpdate(context.Background(), &QueryContext{CandidateType: "Employee", AccessPath: []string{"Employee"}})
	require.Error(t, err)
	assert.Zero(t, f.cache.Count())

	var listened []types.TypesChangedEvent
	f.cache.AddTypesChangedListener(types.TypesChangedFunc(func(ev types.TypesChangedEvent) {
		listened = append(listened, ev)
	}))
	_, _ = f.exec.ExecuteDelete(context.Background(), &QueryContext{CandidateType: "Person"})
	assert.Empty(t, listened)
}
