package querycache

import (
	"context"

	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

// Delegate executes queries against the datastore.
type Delegate interface {
	ExecuteQuery(ctx context.Context, qctx *QueryContext) (ResultProvider, error)
	ExecuteUpdate(ctx context.Context, qctx *QueryContext) (int64, error)
	ExecuteDelete(ctx context.Context, qctx *QueryContext) (int64, error)
}

// EntityEvictor is the part of an entity cache bulk statements evict from.
type EntityEvictor interface {
	RemoveAllOfType(typeName string, subclasses bool) int
	EvictOnBulkUpdate() bool
}

// EntityCaches resolves the entity cache a type is stored in.
type EntityCaches interface {
	CacheFor(typeName string) (EntityEvictor, bool)
}

// ExecutorConfig wires an Executor
type ExecutorConfig struct {
	Cache      *Cache
	Delegate   Delegate
	Repository types.MetaDataRepository
	Store      StoreContext
	Entities   EntityCaches
	Logger     *utils.StructuredLogger

	// Disabled bypasses the cache for reads and writes
	Disabled bool
}

// Executor answers queries from the cache when it can and populates it
// otherwise. Bulk updates and deletes invalidate everything on their access
// path.
type Executor struct {
	cache    *Cache
	delegate Delegate
	repo     types.MetaDataRepository
	store    StoreContext
	entities EntityCaches
	logger   *utils.StructuredLogger
	disabled bool
}

// NewExecutor creates an executor
func NewExecutor(config ExecutorConfig) *Executor {
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Executor{
		cache:    config.Cache,
		delegate: config.Delegate,
		repo:     config.Repository,
		store:    config.Store,
		entities: config.Entities,
		logger:   logger.WithComponent("querycache"),
		disabled: config.Disabled || config.Cache == nil,
	}
}

// ExecuteQuery returns cached rows on a hit, otherwise the delegate's
// provider wrapped to populate the cache.
func (e *Executor) ExecuteQuery(ctx context.Context, qctx *QueryContext) (ResultProvider, error) {
	var key *QueryKey
	cacheable := false
	if !e.disabled {
		key, cacheable = NewQueryKey(qctx, e.repo, e.store)
	}

	if cacheable && !qctx.ReadLock {
		if list, ok := e.checkCache(key); ok {
			return NewListProvider(list), nil
		}
	}

	rp, err := e.delegate.ExecuteQuery(ctx, qctx)
	if err != nil {
		return nil, err
	}
	if !cacheable {
		return rp, nil
	}
	return NewCachingProvider(rp, e.cache, key, e.store), nil
}

func (e *Executor) checkCache(key *QueryKey) (*CachedList, bool) {
	res, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}

	// Entity results are only served when every instance is cached too.
	if !key.Projection() && res.Len() > 0 {
		oids := make([]types.OID, 0, res.Len())
		for i := 0; i < res.Len(); i++ {
			if oid, ok := res.Row(i).(types.OID); ok {
				oids = append(oids, oid)
			}
		}
		if e.store == nil || !e.store.IsCached(oids) {
			return nil, false
		}
	}
	return NewCachedList(res, e.store), true
}

// ExecuteUpdate runs a bulk update and clears its access path
func (e *Executor) ExecuteUpdate(ctx context.Context, qctx *QueryContext) (int64, error) {
	defer e.clearAccessPath(qctx)
	return e.delegate.ExecuteUpdate(ctx, qctx)
}

// ExecuteDelete runs a bulk delete and clears its access path
func (e *Executor) ExecuteDelete(ctx context.Context, qctx *QueryContext) (int64, error) {
	defer e.clearAccessPath(qctx)
	return e.delegate.ExecuteDelete(ctx, qctx)
}

func (e *Executor) clearAccessPath(qctx *QueryContext) {
	if qctx == nil || len(qctx.AccessPath) == 0 {
		return
	}

	changed := make(map[string]struct{})
	for _, t := range qctx.AccessPath {
		changed[t] = struct{}{}
		if e.repo != nil {
			for _, sub := range e.repo.Subtypes(t) {
				changed[sub] = struct{}{}
			}
		}
	}

	if e.cache != nil {
		e.cache.OnTypesChanged(types.TypesChangedEvent{Types: changed})
	}

	if e.entities == nil {
		return
	}
	for _, t := range qctx.AccessPath {
		ec, ok := e.entities.CacheFor(t)
		if !ok || !ec.EvictOnBulkUpdate() {
			continue
		}
		n := ec.RemoveAllOfType(t, true)
		e.logger.Debug("Bulk statement evicted entities", map[string]interface{}{
			"type":    t,
			"evicted": n,
		})
	}
}
