package datacache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

// Selector resolves the cache of an instance, or nil when it is not cached.
type Selector interface {
	SelectCache(meta *types.TypeMeta, instance interface{}) DataCache
}

// SelectorFunc adapts a function to Selector
type SelectorFunc func(meta *types.TypeMeta, instance interface{}) DataCache

// SelectCache implements Selector
func (f SelectorFunc) SelectCache(meta *types.TypeMeta, instance interface{}) DataCache {
	return f(meta, instance)
}

// ChangeKind is the kind of a flushed state change
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// String returns the kind name
func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is one flushed state change. Data is the new state and is unused
// for deletes; DirtyFields limits an update of cached data to those fields.
type Change struct {
	Kind        ChangeKind
	OID         types.OID
	Data        *PCData
	DirtyFields []string
	Instance    interface{}
}

// CoordinatorConfig configures a StoreCoordinator
type CoordinatorConfig struct {
	Selector   Selector
	Repository types.MetaDataRepository
	Compare    types.VersionComparator

	// LargeTransaction evicts the touched types instead of caching instances
	LargeTransaction bool

	Logger *utils.StructuredLogger
}

// StoreCoordinator keeps entity caches in step with the datastore: it
// applies committed units of work, reads through on loads and evicts
// stale data after optimistic lock failures.
type StoreCoordinator struct {
	selector Selector
	repo     types.MetaDataRepository
	compare  types.VersionComparator
	large    bool
	logger   *utils.StructuredLogger

	loads singleflight.Group

	listenersMu sync.RWMutex
	listeners   []types.RemoteCommitListener
}

// NewStoreCoordinator creates a coordinator
func NewStoreCoordinator(config CoordinatorConfig) *StoreCoordinator {
	s := &StoreCoordinator{
		selector: config.Selector,
		repo:     config.Repository,
		compare:  config.Compare,
		large:    config.LargeTransaction,
		logger:   config.Logger,
	}
	if s.compare == nil {
		s.compare = types.CompareVersions
	}
	if s.logger == nil {
		s.logger = utils.NewNopLogger()
	}
	s.logger = s.logger.WithComponent("coordinator")
	return s
}

// AddCommitListener registers l for events describing local commits
func (s *StoreCoordinator) AddCommitListener(l types.RemoteCommitListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *StoreCoordinator) notify(ev *types.RemoteCommitEvent) {
	s.listenersMu.RLock()
	listeners := append([]types.RemoteCommitListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Commit listener panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
				}
			}()
			l.AfterCommit(ev)
		}()
	}
}

func (s *StoreCoordinator) meta(typeName string) *types.TypeMeta {
	if s.repo == nil {
		return &types.TypeMeta{Name: typeName}
	}
	if m, ok := s.repo.Meta(typeName); ok {
		return m
	}
	return nil
}

func (s *StoreCoordinator) cacheFor(oid types.OID, instance interface{}) DataCache {
	if s.selector == nil {
		return nil
	}
	meta := s.meta(oid.Type)
	if meta == nil {
		return nil
	}
	return s.selector.SelectCache(meta, instance)
}

// Begin starts tracking a unit of work
func (s *StoreCoordinator) Begin() *UnitOfWork {
	return &UnitOfWork{
		s:       s,
		writes:  make(map[types.OID]*Change),
		deletes: make(map[types.OID]*Change),
	}
}

// Load returns the cached state of oid, calling loader on a miss and
// caching its result. Concurrent loads of one id share a loader call. A nil
// result from loader is a miss.
func (s *StoreCoordinator) Load(ctx context.Context, oid types.OID, loader func(ctx context.Context) (*PCData, error)) (*PCData, bool, error) {
	c := s.cacheFor(oid, nil)
	if c != nil {
		d, ok, err := c.GetContext(ctx, oid)
		if err != nil {
			s.logger.Warn("Cache read failed, loading from store", map[string]interface{}{"oid": oid.String(), "error": err.Error()})
		} else if ok {
			return d, true, nil
		}
	}

	v, err, _ := s.loads.Do(oid.String(), func() (interface{}, error) {
		d, err := loader(ctx)
		if err != nil || d == nil {
			return d, err
		}
		if c != nil {
			s.cacheLoaded(c, d)
		}
		return d, nil
	})
	if err != nil {
		return nil, false, err
	}
	d, _ := v.(*PCData)
	if d == nil {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

// cacheLoaded stores loaded data unless the cache already holds a later version.
func (s *StoreCoordinator) cacheLoaded(c DataCache, d *PCData) {
	err := c.Batch(context.Background(), func(tx *Tx) {
		if cached, ok := tx.Get(d.OID); ok && s.compare(d.Version, cached.Version) == types.VersionEarlier {
			return
		}
		tx.Put(d)
	})
	if err != nil {
		s.logger.Error("Caching loaded state failed", map[string]interface{}{"oid": d.OID.String(), "error": err.Error()})
	}
}

// NotifyOptimisticLockFailure reacts to a failed version check of oid at
// txVersion. Unless the cached version is earlier than txVersion the entry
// is stale: it is evicted and listeners are told. It reports whether an
// entry was evicted.
func (s *StoreCoordinator) NotifyOptimisticLockFailure(oid types.OID, txVersion interface{}) bool {
	c := s.cacheFor(oid, nil)
	if c == nil {
		return false
	}
	cached, ok := c.Get(oid)
	if !ok {
		return false
	}
	if s.compare(cached.Version, txVersion) == types.VersionEarlier {
		return false
	}

	c.Remove(oid)
	s.logger.Debug("Evicted stale entry after optimistic lock failure", map[string]interface{}{
		"oid":     oid.String(),
		"cached":  fmt.Sprint(cached.Version),
		"version": fmt.Sprint(txVersion),
	})
	s.notify(&types.RemoteCommitEvent{
		Payload:     types.PayloadOIDs,
		UpdatedOIDs: []types.OID{oid},
	})
	return true
}

// UnitOfWork collects the changes of one transaction. It is not safe for
// concurrent use.
type UnitOfWork struct {
	s       *StoreCoordinator
	writes  map[types.OID]*Change
	deletes map[types.OID]*Change
	done    bool
}

// Flush records state changes. Later changes to the same id supersede
// earlier ones; an update following an insert stays an insert.
func (u *UnitOfWork) Flush(changes ...Change) error {
	if u.done {
		return u.finished("flush")
	}
	for i := range changes {
		ch := changes[i]
		if ch.Data != nil && ch.OID.IsZero() {
			ch.OID = ch.Data.OID
		}
		if ch.OID.IsZero() {
			return errors.NewError(errors.ErrCodeInvalidState, "change has no object id").
				WithComponent("coordinator").
				WithOperation("flush").
				WithDetail("kind", ch.Kind.String())
		}

		switch ch.Kind {
		case ChangeDelete:
			delete(u.writes, ch.OID)
			u.deletes[ch.OID] = &ch
		case ChangeInsert:
			u.writes[ch.OID] = &ch
		case ChangeUpdate:
			if prev, ok := u.writes[ch.OID]; ok {
				if prev.Kind == ChangeInsert {
					ch.Kind = ChangeInsert
					ch.DirtyFields = nil
				} else if len(prev.DirtyFields) > 0 && len(ch.DirtyFields) > 0 {
					ch.DirtyFields = unionFields(prev.DirtyFields, ch.DirtyFields)
				} else {
					ch.DirtyFields = nil
				}
			}
			u.writes[ch.OID] = &ch
		default:
			return errors.NewError(errors.ErrCodeInvalidState, "unknown change kind").
				WithComponent("coordinator").
				WithOperation("flush").
				WithDetail("kind", ch.Kind.String())
		}
	}
	return nil
}

func unionFields(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, f := range append(append([]string(nil), a...), b...) {
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (u *UnitOfWork) finished(op string) error {
	return errors.NewError(errors.ErrCodeInvalidState, "unit of work already finished").
		WithComponent("coordinator").
		WithOperation(op)
}

// Rollback discards the unit of work
func (u *UnitOfWork) Rollback() {
	u.writes = nil
	u.deletes = nil
	u.done = true
}

type cacheChanges struct {
	cache   DataCache
	writes  []*Change
	deletes []types.OID
	types   map[string]struct{}
}

// Commit applies the unit of work to the caches and tells the commit
// listeners. Each cache is updated in one batch: deletes first, then
// inserts and updates, skipping data older than what is cached.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return u.finished("commit")
	}
	u.done = true

	groups := make(map[DataCache]*cacheChanges)
	var order []*cacheChanges
	group := func(c DataCache) *cacheChanges {
		g, ok := groups[c]
		if !ok {
			g = &cacheChanges{cache: c, types: make(map[string]struct{})}
			groups[c] = g
			order = append(order, g)
		}
		return g
	}

	ev := &types.RemoteCommitEvent{Payload: types.PayloadOIDs}
	persisted := make(map[string]struct{})
	updated := make(map[string]struct{})
	deleted := make(map[string]struct{})

	for _, oid := range sortedOIDs(u.deletes) {
		ch := u.deletes[oid]
		ev.DeletedOIDs = append(ev.DeletedOIDs, oid)
		deleted[oid.Type] = struct{}{}
		if c := u.s.cacheFor(oid, ch.Instance); c != nil {
			g := group(c)
			g.deletes = append(g.deletes, oid)
			g.types[oid.Type] = struct{}{}
		}
	}
	for _, oid := range sortedOIDs(u.writes) {
		ch := u.writes[oid]
		if ch.Kind == ChangeInsert {
			ev.AddedOIDs = append(ev.AddedOIDs, oid)
			persisted[oid.Type] = struct{}{}
		} else {
			ev.UpdatedOIDs = append(ev.UpdatedOIDs, oid)
			updated[oid.Type] = struct{}{}
		}
		if ch.Data == nil {
			continue
		}
		if c := u.s.cacheFor(oid, ch.Instance); c != nil {
			g := group(c)
			g.writes = append(g.writes, ch)
			g.types[oid.Type] = struct{}{}
		}
	}
	ev.PersistedTypes = setToSorted(persisted)
	ev.UpdatedTypes = setToSorted(updated)
	ev.DeletedTypes = setToSorted(deleted)

	var errs error
	for _, g := range order {
		if u.s.large {
			for _, t := range setToSorted(g.types) {
				g.cache.RemoveAllOfType(t, false)
			}
			continue
		}
		errs = multierr.Append(errs, u.s.apply(ctx, g))
	}
	if u.s.large {
		ev.Payload = types.PayloadOIDsAndExtents
	}

	if len(ev.AddedOIDs)+len(ev.UpdatedOIDs)+len(ev.DeletedOIDs) > 0 {
		u.s.notify(ev)
	}
	u.writes = nil
	u.deletes = nil
	return errs
}

func (s *StoreCoordinator) apply(ctx context.Context, g *cacheChanges) error {
	return g.cache.Batch(ctx, func(tx *Tx) {
		for _, oid := range g.deletes {
			tx.Remove(oid)
		}
		for _, ch := range g.writes {
			cached, ok := tx.Get(ch.OID)
			switch {
			case !ok:
				tx.Put(ch.Data)
			case s.compare(ch.Data.Version, cached.Version) == types.VersionEarlier:
				s.logger.Debug("Skipped caching older version", map[string]interface{}{"oid": ch.OID.String()})
			case ch.Kind == ChangeUpdate && len(ch.DirtyFields) > 0:
				tx.Put(cached.Merge(ch.Data, ch.DirtyFields))
			default:
				tx.Put(ch.Data)
			}
		}
	})
}

func sortedOIDs(m map[types.OID]*Change) []types.OID {
	out := make([]types.OID, 0, len(m))
	for oid := range m {
		out = append(out, oid)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func setToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
