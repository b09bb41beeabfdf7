package querycache

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/types"
)

// ResultProvider iterates query results. Positions are zero based.
type ResultProvider interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (bool, error)
	// Result returns the row at the current position
	Result() (interface{}, error)
	Absolute(ctx context.Context, pos int) (bool, error)
	Size(ctx context.Context) (int, error)
	Reset() error
	Close() error
}

// Finder loads managed instances by object id.
type Finder interface {
	Find(ctx context.Context, oid types.OID) (interface{}, error)
}

// StoreContext is the unit of work a query runs in.
type StoreContext interface {
	IdentityResolver
	Finder
	// IsCached reports whether every oid can be served without a datastore trip
	IsCached(oids []types.OID) bool
}

// cachedOID marks a managed instance inside a cached projection row.
type cachedOID struct {
	oid types.OID
}

// CachingProvider wraps a provider and records each consumed row. Once every
// row has been seen the result is put into the cache. A change to any type on
// the key's access path abandons caching; iteration itself is unaffected.
type CachingProvider struct {
	delegate ResultProvider
	cache    *Cache
	key      *QueryKey
	resolver IdentityResolver

	mu       sync.Mutex
	data     map[int]interface{}
	maintain bool

	pos int
	max int
	// size is -1 until the row count is known
	size int
}

// NewCachingProvider wraps delegate and registers for type changes
func NewCachingProvider(delegate ResultProvider, c *Cache, key *QueryKey, resolver IdentityResolver) *CachingProvider {
	p := &CachingProvider{
		delegate: delegate,
		cache:    c,
		key:      key,
		resolver: resolver,
		data:     make(map[int]interface{}),
		maintain: true,
		pos:      -1,
		max:      -1,
		size:     -1,
	}
	c.AddTypesChangedListener(p)
	return p
}

// Caching reports whether the provider is still collecting rows
func (p *CachingProvider) Caching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maintain
}

// OnTypesChanged implements types.TypesChangedListener
func (p *CachingProvider) OnTypesChanged(ev types.TypesChangedEvent) {
	if p.key.ChangeInvalidates(ev.Types) {
		p.abort()
	}
}

func (p *CachingProvider) abort() {
	p.mu.Lock()
	if !p.maintain {
		p.mu.Unlock()
		return
	}
	p.maintain = false
	p.data = nil
	p.mu.Unlock()

	p.cache.RemoveTypesChangedListener(p)
}

// Open implements ResultProvider
func (p *CachingProvider) Open(ctx context.Context) error {
	return p.delegate.Open(ctx)
}

// Result implements ResultProvider
func (p *CachingProvider) Result() (interface{}, error) {
	obj, err := p.delegate.Result()
	if err != nil {
		return nil, err
	}
	p.checkFinished(obj, true)
	return obj, nil
}

// Next implements ResultProvider
func (p *CachingProvider) Next(ctx context.Context) (bool, error) {
	p.pos++
	next, err := p.delegate.Next(ctx)
	if err != nil {
		return false, err
	}
	p.track(next)
	return next, nil
}

// Absolute implements ResultProvider
func (p *CachingProvider) Absolute(ctx context.Context, pos int) (bool, error) {
	p.pos = pos
	valid, err := p.delegate.Absolute(ctx, pos)
	if err != nil {
		return false, err
	}
	p.track(valid)
	return valid, nil
}

func (p *CachingProvider) track(valid bool) {
	if !valid && p.pos == p.max+1 {
		p.setSize(p.pos)
		p.checkFinished(nil, false)
	} else if valid && p.pos > p.max {
		p.max = p.pos
	}
}

func (p *CachingProvider) setSize(n int) {
	p.mu.Lock()
	p.size = n
	p.mu.Unlock()
}

// Size implements ResultProvider
func (p *CachingProvider) Size(ctx context.Context) (int, error) {
	p.mu.Lock()
	size := p.size
	p.mu.Unlock()
	if size >= 0 {
		return size, nil
	}

	size, err := p.delegate.Size(ctx)
	if err != nil {
		return 0, err
	}
	p.setSize(size)
	p.checkFinished(nil, false)
	return size, nil
}

// Reset implements ResultProvider
func (p *CachingProvider) Reset() error {
	if err := p.delegate.Reset(); err != nil {
		return err
	}
	p.pos = -1
	return nil
}

// Close abandons caching and closes the delegate
func (p *CachingProvider) Close() error {
	p.abort()
	return p.delegate.Close()
}

func (p *CachingProvider) checkFinished(obj interface{}, result bool) {
	finished := false
	p.mu.Lock()
	if p.maintain {
		if result {
			if _, seen := p.data[p.pos]; !seen {
				if cached := p.detach(obj); cached != nil {
					p.data[p.pos] = cached
				}
			}
		}
		finished = p.size >= 0 && p.size == len(p.data)
	}
	p.mu.Unlock()

	if !finished {
		return
	}

	// Holding the cache write lock orders the put against any concurrent
	// types changed event, which fires under the same lock.
	p.cache.WriteLock()
	defer p.cache.WriteUnlock()

	p.mu.Lock()
	if !p.maintain {
		p.mu.Unlock()
		return
	}
	positions := make([]int, 0, len(p.data))
	for pos := range p.data {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	rows := make([]interface{}, len(positions))
	for i, pos := range positions {
		rows[i] = p.data[pos]
	}
	p.mu.Unlock()

	p.cache.putLocked(p.key, NewQueryResult(p.key, rows, p.cache.now()))
	p.abort()
}

func (p *CachingProvider) detach(obj interface{}) interface{} {
	if obj == nil {
		return nil
	}
	if !p.key.Projection() {
		if p.resolver == nil {
			return nil
		}
		oid, ok := p.resolver.ObjectID(obj)
		if !ok {
			return nil
		}
		return oid
	}

	row, ok := obj.([]interface{})
	if !ok {
		row = []interface{}{obj}
	}
	cp := make([]interface{}, len(row))
	for i, v := range row {
		cp[i] = p.copyProjection(v)
	}
	return cp
}

func (p *CachingProvider) copyProjection(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64,
		time.Time, time.Duration, types.OID:
		return x
	case []byte:
		return append([]byte(nil), x...)
	}
	if p.resolver != nil {
		if oid, ok := p.resolver.ObjectID(v); ok {
			return cachedOID{oid: oid}
		}
	}
	return cloneValue(v)
}

// cloneValue returns a copy of v that shares no slices, maps, arrays or
// pointed-to values with it. Unexported struct fields are copied shallowly.
func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64,
		time.Time, time.Duration, types.OID, cachedOID:
		return x
	case []byte:
		return append([]byte(nil), x...)
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i)))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value()))
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(cloneReflect(rv.Elem()))
		return out
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(cloneReflect(rv.Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		for i := 0; i < out.NumField(); i++ {
			if f := out.Field(i); f.CanSet() {
				f.Set(cloneReflect(rv.Field(i)))
			}
		}
		return out
	}
	return rv
}

// CachedList turns a cached result back into rows, loading instances
// through a Finder. Projection rows are copied on every read.
type CachedList struct {
	res    *QueryResult
	finder Finder
}

// NewCachedList creates a list over res
func NewCachedList(res *QueryResult, finder Finder) *CachedList {
	return &CachedList{res: res, finder: finder}
}

// Len returns the number of rows
func (l *CachedList) Len() int {
	return l.res.Len()
}

// Get returns row i
func (l *CachedList) Get(ctx context.Context, i int) (interface{}, error) {
	if i < 0 || i >= l.res.Len() {
		return nil, errors.Newf(errors.ErrCodeOperationFailed, "row %d out of range [0,%d)", i, l.res.Len())
	}

	stored := l.res.Row(i)
	if !l.res.Key().Projection() {
		oid, _ := stored.(types.OID)
		return l.find(ctx, oid)
	}

	cached, ok := stored.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]interface{}, len(cached))
	for j, v := range cached {
		switch x := v.(type) {
		case cachedOID:
			obj, err := l.find(ctx, x.oid)
			if err != nil {
				return nil, err
			}
			out[j] = obj
		default:
			out[j] = cloneValue(x)
		}
	}
	return out, nil
}

func (l *CachedList) find(ctx context.Context, oid types.OID) (interface{}, error) {
	obj, err := l.finder.Find(ctx, oid)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.NewError(errors.ErrCodeCacheNotFound, "cached query row no longer exists").
			WithComponent("querycache").
			WithOperation("find").
			WithContext("oid", oid.String())
	}
	return obj, nil
}

// All materialises every row
func (l *CachedList) All(ctx context.Context) ([]interface{}, error) {
	out := make([]interface{}, l.Len())
	for i := range out {
		row, err := l.Get(ctx, i)
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// ListProvider serves a CachedList through the ResultProvider interface.
type ListProvider struct {
	list *CachedList
	pos  int
}

// NewListProvider creates a provider over list
func NewListProvider(list *CachedList) *ListProvider {
	return &ListProvider{list: list, pos: -1}
}

// Open implements ResultProvider
func (p *ListProvider) Open(ctx context.Context) error { return nil }

// Next implements ResultProvider
func (p *ListProvider) Next(ctx context.Context) (bool, error) {
	p.pos++
	return p.pos < p.list.Len(), nil
}

// Absolute implements ResultProvider
func (p *ListProvider) Absolute(ctx context.Context, pos int) (bool, error) {
	p.pos = pos
	return pos >= 0 && pos < p.list.Len(), nil
}

// Result implements ResultProvider
func (p *ListProvider) Result() (interface{}, error) {
	return p.list.Get(context.Background(), p.pos)
}

// Size implements ResultProvider
func (p *ListProvider) Size(ctx context.Context) (int, error) { return p.list.Len(), nil }

// Reset implements ResultProvider
func (p *ListProvider) Reset() error {
	p.pos = -1
	return nil
}

// Close implements ResultProvider
func (p *ListProvider) Close() error { return nil }
