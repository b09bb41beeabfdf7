package querycache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/datacache/pkg/types"
)

type entity struct {
	oid  types.OID
	name string
}

func newEntity(typeName, key string) *entity {
	return &entity{oid: types.NewOID(typeName, key), name: key}
}

// fakeStore is an in-memory unit of work.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[types.OID]*entity
	uncached map[types.OID]bool
}

func newFakeStore(entities ...*entity) *fakeStore {
	s := &fakeStore{
		objects:  make(map[types.OID]*entity),
		uncached: make(map[types.OID]bool),
	}
	for _, e := range entities {
		s.objects[e.oid] = e
	}
	return s
}

func (s *fakeStore) ObjectID(v interface{}) (types.OID, bool) {
	e, ok := v.(*entity)
	if !ok || e == nil {
		return types.OID{}, false
	}
	return e.oid, true
}

func (s *fakeStore) Find(ctx context.Context, oid types.OID) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.objects[oid]; ok {
		return e, nil
	}
	return nil, nil
}

func (s *fakeStore) IsCached(oids []types.OID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, oid := range oids {
		if _, ok := s.objects[oid]; !ok || s.uncached[oid] {
			return false
		}
	}
	return true
}

func testRepository() *types.StaticRepository {
	return types.NewStaticRepository(
		&types.TypeMeta{Name: "Person"},
		&types.TypeMeta{Name: "Employee", Super: "Person"},
		&types.TypeMeta{Name: "Address"},
		&types.TypeMeta{Name: "Named", Interface: true},
		&types.TypeMeta{Name: "Session", CacheTimeout: time.Minute},
	)
}

func personQuery() *QueryContext {
	return &QueryContext{
		Language:      "jpql",
		Query:         "SELECT p FROM Person p WHERE p.name = ?1",
		CandidateType: "Person",
		Subclasses:    true,
		AccessPath:    []string{"Person"},
		Params:        []interface{}{"alice"},
	}
}

func TestNewQueryKey(t *testing.T) {
	repo := testRepository()
	store := newFakeStore()

	tests := []struct {
		name   string
		mutate func(q *QueryContext)
		wantOK bool
	}{
		{name: "plain entity query", mutate: func(q *QueryContext) {}, wantOK: true},
		{name: "no candidate", mutate: func(q *QueryContext) { q.CandidateType = "" }},
		{name: "candidate collection", mutate: func(q *QueryContext) { q.CandidateCollection = true }},
		{name: "unmanaged candidate", mutate: func(q *QueryContext) { q.CandidateType = "Widget" }},
		{name: "interface candidate", mutate: func(q *QueryContext) { q.CandidateType = "Named" }},
		{name: "array projection", mutate: func(q *QueryContext) {
			q.Projections = []Projection{{Kind: ProjectionArray, Type: "Person"}}
		}},
		{name: "unmanaged map projection", mutate: func(q *QueryContext) {
			q.Projections = []Projection{{Kind: ProjectionMap, Type: "HashMap"}}
		}},
		{name: "managed object projection", mutate: func(q *QueryContext) {
			q.Projections = []Projection{{Kind: ProjectionObject, Type: "Address"}, {Kind: ProjectionValue, Type: "string"}}
		}, wantOK: true},
		{name: "unknown access path", mutate: func(q *QueryContext) { q.AccessPath = nil }},
		{name: "dirty access path type", mutate: func(q *QueryContext) { q.DirtyTypes = []string{"Person"} }},
		{name: "dirty subtype", mutate: func(q *QueryContext) { q.DirtyTypes = []string{"Employee"} }},
		{name: "unrelated dirty type", mutate: func(q *QueryContext) { q.DirtyTypes = []string{"Address"} }, wantOK: true},
		{name: "func parameter", mutate: func(q *QueryContext) { q.Params = []interface{}{func() {}} }},
		{name: "channel parameter", mutate: func(q *QueryContext) { q.NamedParams = map[string]interface{}{"c": make(chan int)} }},
		{name: "unmanaged pointer parameter", mutate: func(q *QueryContext) { q.Params = []interface{}{&struct{}{}} }},
		{name: "entity parameter", mutate: func(q *QueryContext) { q.Params = []interface{}{newEntity("Address", "a1")} }, wantOK: true},
		{name: "collection parameter", mutate: func(q *QueryContext) { q.Params = []interface{}{[]string{"a", "b"}} }, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := personQuery()
			tt.mutate(q)
			key, ok := NewQueryKey(q, repo, store)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.NotNil(t, key)
				assert.NotEmpty(t, key.ID())
			}
		})
	}
}

func TestQueryKey_Equality(t *testing.T) {
	repo := testRepository()

	base, ok := NewQueryKey(personQuery(), repo, nil)
	require.True(t, ok)

	otherPath := personQuery()
	otherPath.AccessPath = []string{"Person", "Address"}
	k2, ok := NewQueryKey(otherPath, repo, nil)
	require.True(t, ok)
	assert.True(t, base.Equal(k2))
	assert.Equal(t, base.Hash(), k2.Hash())

	otherParam := personQuery()
	otherParam.Params = []interface{}{"bob"}
	k3, ok := NewQueryKey(otherParam, repo, nil)
	require.True(t, ok)
	assert.False(t, base.Equal(k3))

	otherRange := personQuery()
	otherRange.Start, otherRange.End = 10, 20
	k4, ok := NewQueryKey(otherRange, repo, nil)
	require.True(t, ok)
	assert.False(t, base.Equal(k4))

	named := personQuery()
	named.NamedParams = map[string]interface{}{"b": 2, "a": 1}
	k5, ok := NewQueryKey(named, repo, nil)
	require.True(t, ok)
	named.NamedParams = map[string]interface{}{"a": 1, "b": 2}
	k6, ok := NewQueryKey(named, repo, nil)
	require.True(t, ok)
	assert.True(t, k5.Equal(k6))
	assert.False(t, base.Equal(nil))
}

func TestQueryKey_DistinctParams(t *testing.T) {
	repo := testRepository()

	tests := []struct {
		name string
		a, b func(q *QueryContext)
	}{
		{
			name: "space in element vs two elements",
			a:    func(q *QueryContext) { q.Params = []interface{}{[]string{"a b"}} },
			b:    func(q *QueryContext) { q.Params = []interface{}{[]string{"a", "b"}} },
		},
		{
			name: "separator inside string vs two params",
			a:    func(q *QueryContext) { q.Params = []interface{}{"x;string:y"} },
			b:    func(q *QueryContext) { q.Params = []interface{}{"x", "y"} },
		},
		{
			name: "length prefix lookalike",
			a:    func(q *QueryContext) { q.Params = []interface{}{"1:a", "b"} },
			b:    func(q *QueryContext) { q.Params = []interface{}{"1", "a1:b"} },
		},
		{
			name: "nested maps",
			a: func(q *QueryContext) {
				q.Params = []interface{}{map[string]interface{}{"k": map[string]string{"a": "b c"}}}
			},
			b: func(q *QueryContext) {
				q.Params = []interface{}{map[string]interface{}{"k": map[string]string{"a b": "c"}}}
			},
		},
		{
			name: "empty slice vs nil",
			a:    func(q *QueryContext) { q.Params = []interface{}{[]string{}} },
			b:    func(q *QueryContext) { q.Params = []interface{}{nil} },
		},
		{
			name: "string vs number",
			a:    func(q *QueryContext) { q.Params = []interface{}{"1"} },
			b:    func(q *QueryContext) { q.Params = []interface{}{1} },
		},
		{
			name: "positional vs named",
			a:    func(q *QueryContext) { q.Params = []interface{}{"alice"} },
			b: func(q *QueryContext) {
				q.Params = nil
				q.NamedParams = map[string]interface{}{"alice": nil}
			},
		},
		{
			name: "pipe in query text",
			a: func(q *QueryContext) {
				q.Query = "a|b"
				q.ResultType = "c"
			},
			b: func(q *QueryContext) {
				q.Query = "a"
				q.ResultType = "b|c"
			},
		},
		{
			name: "entity ids with colliding halves",
			a:    func(q *QueryContext) { q.Params = []interface{}{types.NewOID("Address", "a:1")} },
			b:    func(q *QueryContext) { q.Params = []interface{}{types.NewOID("Address:a", "1")} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qa, qb := personQuery(), personQuery()
			tt.a(qa)
			tt.b(qb)
			ka, ok := NewQueryKey(qa, repo, nil)
			require.True(t, ok)
			kb, ok := NewQueryKey(qb, repo, nil)
			require.True(t, ok)
			assert.False(t, ka.Equal(kb), "%q and %q", ka.ID(), kb.ID())
		})
	}
}

func TestQueryKey_ParamsDetached(t *testing.T) {
	names := []string{"alice", "bob"}
	q := personQuery()
	q.Params = []interface{}{names, newEntity("Address", "a1")}

	key, ok := NewQueryKey(q, testRepository(), newFakeStore())
	require.True(t, ok)
	id := key.ID()

	names[0] = "mallory"
	assert.Equal(t, []interface{}{"alice", "bob"}, key.Params()[0])
	assert.Equal(t, types.NewOID("Address", "a1"), key.Params()[1])
	assert.Equal(t, id, key.ID())
}

func TestQueryKey_AccessPathAndTimeout(t *testing.T) {
	repo := testRepository()

	key, ok := NewQueryKey(personQuery(), repo, nil)
	require.True(t, ok)
	assert.Equal(t, []string{"Employee", "Person"}, key.AccessPath())
	assert.Equal(t, types.NoTimeout, key.Timeout())
	assert.False(t, key.Projection())

	assert.True(t, key.ChangeInvalidates(map[string]struct{}{"Employee": {}}))
	assert.True(t, key.ChangeInvalidates(map[string]struct{}{"Person": {}, "Address": {}, "Session": {}}))
	assert.False(t, key.ChangeInvalidates(map[string]struct{}{"Address": {}}))
	assert.False(t, key.ChangeInvalidates(nil))

	q := personQuery()
	q.AccessPath = []string{"Person", "Session"}
	key, ok = NewQueryKey(q, repo, nil)
	require.True(t, ok)
	assert.Equal(t, time.Minute, key.Timeout())
}
