package datacache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/objectfs/datacache/internal/cache"
	"github.com/objectfs/datacache/internal/stats"
	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

// DefaultName is the reserved name of the root entity cache.
const DefaultName = "default"

// durableTimeout bounds durable tier calls made from methods without a context.
const durableTimeout = 5 * time.Second

// DataCache is an entity cache.
type DataCache interface {
	Name() string

	// Commit applies a transaction atomically: deletes, additions, new
	// updates, then existing updates.
	Commit(additions, newUpdates, existingUpdates []*PCData, deletes []types.OID)
	CommitContext(ctx context.Context, additions, newUpdates, existingUpdates []*PCData, deletes []types.OID) error

	// Batch runs fn with every other caller excluded
	Batch(ctx context.Context, fn func(tx *Tx)) error

	Get(oid types.OID) (*PCData, bool)
	GetContext(ctx context.Context, oid types.OID) (*PCData, bool, error)
	GetAll(oids []types.OID) map[types.OID]*PCData
	Put(data *PCData) (*PCData, bool)
	Update(data *PCData)
	Remove(oid types.OID) (*PCData, bool)
	RemoveAll(oids []types.OID) int
	RemoveAllOfType(typeName string, subclasses bool) int
	Contains(oid types.OID) bool
	ContainsAll(oids []types.OID) []bool
	Pin(oid types.OID) bool
	Unpin(oid types.OID) bool
	Clear()
	Close() error

	// AfterCommit applies a commit made on another node
	AfterCommit(ev *types.RemoteCommitEvent)

	EvictOnBulkUpdate() bool
	EvictionSchedule() string
	Statistics() *stats.CacheStatistics

	// Partition returns the named partition, or the cache itself for its own name
	Partition(name string, create bool) (DataCache, bool)
	Partitions() []string
}

// Config represents entity cache configuration
type Config struct {
	Name  string            `yaml:"name"`
	Store cache.StoreConfig `yaml:"store"`

	// Timeout is the default entry lifetime; types.NoTimeout disables expiry
	Timeout time.Duration `yaml:"timeout"`

	EvictionSchedule  string `yaml:"eviction_schedule"`
	EvictOnBulkUpdate bool   `yaml:"evict_on_bulk_update"`
	EnableStatistics  bool   `yaml:"enable_statistics"`

	Durable cache.DurableConfig `yaml:"durable"`
}

// DefaultConfig returns the default entity cache configuration
func DefaultConfig() Config {
	return Config{
		Name:              DefaultName,
		Store:             cache.DefaultStoreConfig(),
		Timeout:           types.NoTimeout,
		EvictOnBulkUpdate: true,
		Durable:           cache.DefaultDurableConfig(),
	}
}

// Option configures a Cache
type Option func(c *Cache)

// WithRepository sets the metadata used for type timeouts and subtypes
func WithRepository(repo types.MetaDataRepository) Option {
	return func(c *Cache) { c.repo = repo }
}

// WithLogger sets the logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithBackend enables the durable tier on backend
func WithBackend(backend cache.BlobBackend) Option {
	return func(c *Cache) { c.backend = backend }
}

// Cache is the entity cache. Values are copied on the way in and out, so
// callers never share state with the cache.
type Cache struct {
	name   string
	config Config
	store  *cache.Store[types.OID, *PCData]
	repo   types.MetaDataRepository
	logger *utils.StructuredLogger
	stats  *stats.CacheStatistics

	backend cache.BlobBackend
	durable *cache.DurableStore[*PCData]

	timeoutsMu   sync.RWMutex
	typeTimeouts map[string]time.Duration

	closed atomic.Bool
	now    func() time.Time
}

// NewCache creates an entity cache
func NewCache(config Config, opts ...Option) (*Cache, error) {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Timeout == 0 {
		config.Timeout = types.NoTimeout
	}
	store, err := cache.NewStore[types.OID, *PCData](&config.Store)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		name:         config.Name,
		config:       config,
		store:        store,
		stats:        stats.NewCacheStatistics(),
		typeTimeouts: make(map[string]time.Duration),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = utils.NewNopLogger()
	}
	c.logger = c.logger.WithComponent("datacache").WithField("cache", c.name)
	if config.EnableStatistics {
		c.stats.Enable()
	}
	if c.backend != nil {
		c.durable = cache.NewDurableStore[*PCData](c.name, c.backend, config.Durable, c.logger)
	}

	store.AddExpirationListener(func(oid types.OID, reason cache.EvictionReason) {
		c.stats.RecordEviction(oid.Type)
	})
	return c, nil
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
	c.store.SetClock(now)
}

// Name implements DataCache
func (c *Cache) Name() string { return c.name }

// Config returns the cache configuration
func (c *Cache) Config() Config { return c.config }

// Statistics implements DataCache
func (c *Cache) Statistics() *stats.CacheStatistics { return c.stats }

// EvictOnBulkUpdate implements DataCache
func (c *Cache) EvictOnBulkUpdate() bool { return c.config.EvictOnBulkUpdate }

// EvictionSchedule implements DataCache
func (c *Cache) EvictionSchedule() string { return c.config.EvictionSchedule }

// AddExpirationListener is told about entries dropped by expiry or capacity
func (c *Cache) AddExpirationListener(l func(oid types.OID, reason cache.EvictionReason)) {
	c.store.AddExpirationListener(l)
}

// SetTypeTimeout overrides the entry lifetime of one type
func (c *Cache) SetTypeTimeout(typeName string, timeout time.Duration) {
	c.timeoutsMu.Lock()
	defer c.timeoutsMu.Unlock()
	c.typeTimeouts[typeName] = timeout
}

// TypeTimeout returns the entry lifetime of typeName: an explicit override,
// then the type metadata, then the cache default.
func (c *Cache) TypeTimeout(typeName string) time.Duration {
	c.timeoutsMu.RLock()
	t, ok := c.typeTimeouts[typeName]
	c.timeoutsMu.RUnlock()
	if ok {
		return t
	}
	if c.repo != nil {
		if meta, ok := c.repo.Meta(typeName); ok && meta.CacheTimeout != 0 {
			return meta.CacheTimeout
		}
	}
	return c.config.Timeout
}

// prepare copies data for storage and stamps its expiry.
func (c *Cache) prepare(data *PCData) *PCData {
	cp := data.Clone()
	cp.Expires = time.Time{}
	if timeout := c.TypeTimeout(cp.Type()); timeout > 0 {
		cp.Expires = c.now().Add(timeout)
	}
	return cp
}

// Get implements DataCache
func (c *Cache) Get(oid types.OID) (*PCData, bool) {
	d, ok, err := c.GetContext(context.Background(), oid)
	if err != nil {
		c.logger.Error("Cache read failed", map[string]interface{}{"oid": oid.String(), "error": err.Error()})
	}
	return d, ok
}

// GetContext reads through to the durable tier on a memory miss
func (c *Cache) GetContext(ctx context.Context, oid types.OID) (*PCData, bool, error) {
	d, ok, err := c.lookup(ctx, oid)
	c.stats.RecordRead(oid.Type, ok)
	return d, ok, err
}

// lookup reads oid without recording statistics
func (c *Cache) lookup(ctx context.Context, oid types.OID) (*PCData, bool, error) {
	if c.closed.Load() {
		return nil, false, nil
	}

	d, ok := c.store.Get(oid)
	if !ok && c.durable != nil {
		var err error
		d, ok, err = c.loadDurable(ctx, oid)
		if err != nil {
			return nil, false, err
		}
	}
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (c *Cache) loadDurable(ctx context.Context, oid types.OID) (*PCData, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, durableTimeout)
	defer cancel()

	d, ok, err := c.durable.Get(ctx, oid.String())
	if err != nil || !ok {
		return nil, false, err
	}
	if d.Expired(c.now()) {
		return nil, false, c.durable.Delete(ctx, oid.String())
	}
	c.store.Put(oid, d)
	return d, true, nil
}

// GetAll returns the cached entries among oids
func (c *Cache) GetAll(oids []types.OID) map[types.OID]*PCData {
	out := make(map[types.OID]*PCData, len(oids))
	for _, oid := range oids {
		if d, ok := c.Get(oid); ok {
			out[oid] = d
		}
	}
	return out
}

// Put implements DataCache
func (c *Cache) Put(data *PCData) (*PCData, bool) {
	if data == nil || c.closed.Load() {
		return nil, false
	}
	stored := c.prepare(data)
	prev, ok := c.store.Put(stored.OID, stored)
	c.stats.RecordWrite(stored.Type())
	c.writeThrough(context.Background(), []*PCData{stored}, nil)
	if !ok {
		return nil, false
	}
	return prev.Clone(), true
}

// Update stores a new state of data. Values are never shared with callers,
// so an update is a put.
func (c *Cache) Update(data *PCData) {
	c.Put(data)
}

// Remove implements DataCache
func (c *Cache) Remove(oid types.OID) (*PCData, bool) {
	prev, ok := c.store.Remove(oid)
	if ok {
		c.stats.RecordEviction(oid.Type)
	}
	c.deleteThrough(context.Background(), []types.OID{oid})
	if !ok || prev.Expired(c.now()) {
		return nil, false
	}
	return prev.Clone(), true
}

// RemoveAll implements DataCache
func (c *Cache) RemoveAll(oids []types.OID) int {
	n := 0
	for _, oid := range oids {
		if _, ok := c.store.Remove(oid); ok {
			c.stats.RecordEviction(oid.Type)
			n++
		}
	}
	c.deleteThrough(context.Background(), oids)
	return n
}

// RemoveAllOfType removes every entry of typeName, and of its subtypes when
// subclasses is set.
func (c *Cache) RemoveAllOfType(typeName string, subclasses bool) int {
	return c.removeTypes(c.typeSet([]string{typeName}, subclasses))
}

func (c *Cache) typeSet(typeNames []string, subclasses bool) map[string]struct{} {
	set := make(map[string]struct{}, len(typeNames))
	for _, t := range typeNames {
		set[t] = struct{}{}
		if subclasses && c.repo != nil {
			for _, sub := range c.repo.Subtypes(t) {
				set[sub] = struct{}{}
			}
		}
	}
	return set
}

func (c *Cache) removeTypes(set map[string]struct{}) int {
	if len(set) == 0 {
		return 0
	}

	var removed []types.OID
	c.store.WriteLock()
	locked := c.store.Locked()
	for _, oid := range locked.Keys() {
		if _, ok := set[oid.Type]; ok {
			if _, ok := locked.Remove(oid); ok {
				removed = append(removed, oid)
			}
		}
	}
	c.store.WriteUnlock()

	for _, oid := range removed {
		c.stats.RecordEviction(oid.Type)
	}
	c.deleteThrough(context.Background(), removed)
	return len(removed)
}

// Contains implements DataCache
func (c *Cache) Contains(oid types.OID) bool {
	return !c.closed.Load() && c.store.Contains(oid)
}

// ContainsAll implements DataCache
func (c *Cache) ContainsAll(oids []types.OID) []bool {
	if c.closed.Load() {
		return make([]bool, len(oids))
	}
	return c.store.ContainsAll(oids)
}

// Pin implements DataCache
func (c *Cache) Pin(oid types.OID) bool { return c.store.Pin(oid) }

// Unpin implements DataCache
func (c *Cache) Unpin(oid types.OID) bool { return c.store.Unpin(oid) }

// PinnedKeys returns the pinned object ids
func (c *Cache) PinnedKeys() []types.OID { return c.store.PinnedKeys() }

// Keys returns the cached object ids
func (c *Cache) Keys() []types.OID { return c.store.Keys() }

// Len returns the number of stored entries
func (c *Cache) Len() int { return c.store.Len() }

// Clear implements DataCache
func (c *Cache) Clear() {
	c.store.Clear()
	if c.durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), durableTimeout)
		defer cancel()
		if err := c.durable.Clear(ctx); err != nil {
			c.logger.Error("Durable clear failed", map[string]interface{}{"error": err.Error()})
		}
	}
	c.logger.Debug("Cache cleared")
}

// Close implements DataCache
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.store.Clear()
	c.store.Close()
	if c.durable != nil {
		return c.durable.Close()
	}
	return nil
}

// Closed reports whether Close was called
func (c *Cache) Closed() bool { return c.closed.Load() }

// Partition implements DataCache. A plain cache only answers to its own name.
func (c *Cache) Partition(name string, create bool) (DataCache, bool) {
	if name == "" || name == c.name {
		return c, true
	}
	return nil, false
}

// Partitions implements DataCache
func (c *Cache) Partitions() []string { return nil }

// AfterCommit implements DataCache
func (c *Cache) AfterCommit(ev *types.RemoteCommitEvent) {
	if ev == nil || c.closed.Load() {
		return
	}
	if ev.HasOIDs() {
		oids := make([]types.OID, 0, len(ev.UpdatedOIDs)+len(ev.DeletedOIDs))
		oids = append(oids, ev.UpdatedOIDs...)
		oids = append(oids, ev.DeletedOIDs...)
		c.RemoveAll(oids)
	}
	if ev.HasExtents() {
		names := make([]string, 0, len(ev.UpdatedTypes)+len(ev.DeletedTypes))
		names = append(names, ev.UpdatedTypes...)
		names = append(names, ev.DeletedTypes...)
		c.removeTypes(c.typeSet(names, false))
	}
}

// Commit implements DataCache
func (c *Cache) Commit(additions, newUpdates, existingUpdates []*PCData, deletes []types.OID) {
	if err := c.CommitContext(context.Background(), additions, newUpdates, existingUpdates, deletes); err != nil {
		c.logger.Error("Commit write-through failed", map[string]interface{}{"error": err.Error()})
	}
}

// CommitContext implements DataCache. The in-memory batch always applies;
// the returned error only reports durable tier failures.
func (c *Cache) CommitContext(ctx context.Context, additions, newUpdates, existingUpdates []*PCData, deletes []types.OID) error {
	return c.Batch(ctx, func(tx *Tx) {
		tx.Commit(additions, newUpdates, existingUpdates, deletes)
	})
}

// Batch implements DataCache
func (c *Cache) Batch(ctx context.Context, fn func(tx *Tx)) error {
	if c.closed.Load() {
		return nil
	}

	tx := &Tx{c: c, locked: c.store.Locked()}
	c.store.WriteLock()
	func() {
		defer c.store.WriteUnlock()
		fn(tx)
	}()
	return c.finishBatch(ctx, tx)
}

// finishBatch records statistics and writes through once the lock is released.
func (c *Cache) finishBatch(ctx context.Context, tx *Tx) error {
	for _, d := range tx.written {
		c.stats.RecordWrite(d.Type())
	}
	for _, oid := range tx.removed {
		c.stats.RecordEviction(oid.Type)
	}

	if c.durable == nil {
		return nil
	}
	return multierr.Append(
		c.deleteThroughErr(ctx, tx.deleted),
		c.writeThroughErr(ctx, tx.written),
	)
}

func (c *Cache) writeThrough(ctx context.Context, written []*PCData, deleted []types.OID) {
	if c.durable == nil {
		return
	}
	if err := multierr.Append(c.deleteThroughErr(ctx, deleted), c.writeThroughErr(ctx, written)); err != nil {
		c.logger.Error("Durable write failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Cache) deleteThrough(ctx context.Context, deleted []types.OID) {
	c.writeThrough(ctx, nil, deleted)
}

func (c *Cache) writeThroughErr(ctx context.Context, written []*PCData) error {
	if c.durable == nil || len(written) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, durableTimeout)
	defer cancel()

	var errs error
	for _, d := range written {
		errs = multierr.Append(errs, c.durable.Put(ctx, d.OID.String(), d))
	}
	return errs
}

func (c *Cache) deleteThroughErr(ctx context.Context, deleted []types.OID) error {
	if c.durable == nil || len(deleted) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, durableTimeout)
	defer cancel()

	keys := make([]string, len(deleted))
	for i, oid := range deleted {
		keys[i] = oid.String()
	}
	return c.durable.DeleteAll(ctx, keys)
}

// Tx is the view of a cache inside Batch. It must not escape fn.
type Tx struct {
	c      *Cache
	locked *cache.LockedStore[types.OID, *PCData]

	// regions is set on the routing Tx of a partitioned cache
	regions map[string]*Tx

	written []*PCData
	deleted []types.OID
	removed []types.OID
}

func (tx *Tx) region(name string) *Tx {
	if tx.regions == nil {
		return tx
	}
	if r, ok := tx.regions[name]; ok {
		return r
	}
	return tx.regions[tx.c.Name()]
}

func (tx *Tx) each(fn func(r *Tx) bool) {
	if tx.regions == nil {
		fn(tx)
		return
	}
	if root, ok := tx.regions[tx.c.Name()]; ok && !fn(root) {
		return
	}
	names := make([]string, 0, len(tx.regions))
	for name := range tx.regions {
		if name != tx.c.Name() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if !fn(tx.regions[name]) {
			return
		}
	}
}

// Get returns a copy of the cached data
func (tx *Tx) Get(oid types.OID) (*PCData, bool) {
	var found *PCData
	tx.each(func(r *Tx) bool {
		if d, ok := r.locked.Get(oid); ok {
			found = d.Clone()
			return false
		}
		return true
	})
	return found, found != nil
}

// Put stores a copy of data in the region named by its CacheName
func (tx *Tx) Put(data *PCData) {
	r := tx.region(data.CacheName)
	if r == nil {
		return
	}
	stored := r.c.prepare(data)
	r.locked.Put(stored.OID, stored)
	r.written = append(r.written, stored)
}

// Remove drops oid from every region
func (tx *Tx) Remove(oid types.OID) {
	tx.each(func(r *Tx) bool {
		if _, ok := r.locked.Remove(oid); ok {
			r.removed = append(r.removed, oid)
		}
		r.deleted = append(r.deleted, oid)
		return true
	})
}

// Commit applies deletes, then additions, then new updates, then existing
// updates, so a delete and re-add of one id in a transaction keeps the add.
func (tx *Tx) Commit(additions, newUpdates, existingUpdates []*PCData, deletes []types.OID) {
	for _, oid := range deletes {
		tx.Remove(oid)
	}
	for _, group := range [][]*PCData{additions, newUpdates, existingUpdates} {
		for _, d := range group {
			if d != nil {
				tx.Put(d)
			}
		}
	}
}
