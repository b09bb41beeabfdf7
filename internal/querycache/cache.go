package querycache

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/objectfs/datacache/internal/cache"
	"github.com/objectfs/datacache/internal/stats"
	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

// EvictPolicy selects how type changes invalidate cached results.
type EvictPolicy string

const (
	// EvictDefault removes affected results as soon as types change
	EvictDefault EvictPolicy = "default"
	// EvictTimestamp records change times and drops stale results on read
	EvictTimestamp EvictPolicy = "timestamp"
)

// ParseEvictPolicy parses a policy name, case insensitively
func ParseEvictPolicy(s string) (EvictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return EvictDefault, nil
	case "timestamp":
		return EvictTimestamp, nil
	default:
		return "", fmt.Errorf("unknown query cache evict policy %q", s)
	}
}

// Config represents query cache configuration
type Config struct {
	Name             string            `yaml:"name"`
	Store            cache.StoreConfig `yaml:"store"`
	EvictPolicy      string            `yaml:"evict_policy"`
	EnableStatistics bool              `yaml:"enable_statistics"`
}

// DefaultConfig returns the default query cache configuration
func DefaultConfig() *Config {
	return &Config{
		Name:        "default",
		Store:       cache.DefaultStoreConfig(),
		EvictPolicy: string(EvictDefault),
	}
}

// Cache stores query results keyed by QueryKey.
type Cache struct {
	name   string
	policy EvictPolicy
	store  *cache.Store[string, *QueryResult]
	logger *utils.StructuredLogger

	stats        *stats.QueryStatistics[string]
	statsEnabled bool

	listenersMu sync.RWMutex
	listeners   []types.TypesChangedListener

	timestampsMu sync.RWMutex
	timestamps   map[string]int64

	closed atomic.Bool
	now    func() time.Time
}

// New creates a query cache
func New(config *Config, logger *utils.StructuredLogger) (*Cache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	policy, err := ParseEvictPolicy(config.EvictPolicy)
	if err != nil {
		return nil, err
	}
	store, err := cache.NewStore[string, *QueryResult](&config.Store)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Cache{
		name:         config.Name,
		policy:       policy,
		store:        store,
		logger:       logger.WithComponent("querycache").WithField("cache", config.Name),
		stats:        stats.NewQueryStatistics[string](),
		statsEnabled: config.EnableStatistics,
		timestamps:   make(map[string]int64),
		now:          time.Now,
	}
	store.AddExpirationListener(func(id string, reason cache.EvictionReason) {
		c.recordEviction(id)
	})
	return c, nil
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
	c.store.SetClock(now)
}

// Name returns the cache name
func (c *Cache) Name() string { return c.name }

// Policy returns the eviction policy
func (c *Cache) Policy() EvictPolicy { return c.policy }

// Statistics returns the query statistics
func (c *Cache) Statistics() *stats.QueryStatistics[string] { return c.stats }

// StatisticsEnabled reports whether statistics are collected
func (c *Cache) StatisticsEnabled() bool { return c.statsEnabled }

// Get returns the live result for key. Under the timestamp policy a result
// older than the last change of any type on its access path is evicted.
func (c *Cache) Get(key *QueryKey) (*QueryResult, bool) {
	if key == nil || c.closed.Load() {
		return nil, false
	}
	if c.statsEnabled {
		c.stats.RecordExecution(key.ID())
	}

	res, ok := c.store.Get(key.ID())
	if ok && c.policy == EvictTimestamp && c.staleByTimestamp(key, res) {
		c.Remove(key)
		ok = false
	}

	if c.logger.IsDebug() {
		msg := "Query cache miss"
		if ok {
			msg = "Query cache hit"
		}
		c.logger.Debug(msg, map[string]interface{}{"query": key.String()})
	}
	if !ok {
		return nil, false
	}
	if c.statsEnabled {
		c.stats.RecordHit(key.ID())
	}
	return res, true
}

func (c *Cache) staleByTimestamp(key *QueryKey, res *QueryResult) bool {
	for _, ts := range c.EntityTimestamps(key.AccessPath()) {
		if res.Timestamp() <= ts {
			return true
		}
	}
	return false
}

// Put stores res under key and returns the previous live result
func (c *Cache) Put(key *QueryKey, res *QueryResult) (*QueryResult, bool) {
	if key == nil || res == nil || c.closed.Load() {
		return nil, false
	}
	res = res.withExpiry(c.now(), key.Timeout())
	prev, ok := c.store.Put(key.ID(), res)
	c.logger.Debug("Query result cached", map[string]interface{}{
		"query": key.String(),
		"rows":  res.Len(),
	})
	return prev, ok
}

// putLocked stores a result while the caller holds the write lock.
func (c *Cache) putLocked(key *QueryKey, res *QueryResult) {
	if c.closed.Load() {
		return
	}
	res = res.withExpiry(c.now(), key.Timeout())
	c.store.Locked().Put(key.ID(), res)
}

// Remove drops the result for key
func (c *Cache) Remove(key *QueryKey) (*QueryResult, bool) {
	if key == nil {
		return nil, false
	}
	res, ok := c.store.Remove(key.ID())
	c.recordEviction(key.ID())
	if ok && res.Expired(c.now()) {
		return nil, false
	}
	return res, ok
}

func (c *Cache) recordEviction(id string) {
	if c.statsEnabled {
		c.stats.RecordEviction(id)
	}
}

// Pin keeps the result for key from capacity eviction
func (c *Cache) Pin(key *QueryKey) bool {
	return c.store.Pin(key.ID())
}

// Unpin releases a pin
func (c *Cache) Unpin(key *QueryKey) bool {
	return c.store.Unpin(key.ID())
}

// Clear removes every result and clears statistics
func (c *Cache) Clear() {
	c.store.Clear()
	if c.statsEnabled {
		c.stats.Clear()
	}
	c.logger.Debug("Query cache cleared")
}

// Close clears the cache; later reads miss and writes are ignored
func (c *Cache) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.store.Clear()
	c.store.Close()
}

// Closed reports whether Close was called
func (c *Cache) Closed() bool {
	return c.closed.Load()
}

// Count returns the number of live results
func (c *Cache) Count() int {
	return len(c.store.Snapshot())
}

// Keys returns the keys of the live results
func (c *Cache) Keys() []*QueryKey {
	snap := c.store.Snapshot()
	out := make([]*QueryKey, 0, len(snap))
	for _, res := range snap {
		out = append(out, res.Key())
	}
	return out
}

// WriteLock excludes every other cache operation until WriteUnlock
func (c *Cache) WriteLock() { c.store.WriteLock() }

// WriteUnlock releases WriteLock
func (c *Cache) WriteUnlock() { c.store.WriteUnlock() }

// AddTypesChangedListener registers a listener
func (c *Cache) AddTypesChangedListener(l types.TypesChangedListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveTypesChangedListener unregisters a listener. Only listeners of
// comparable types, such as pointers, can be removed.
func (c *Cache) RemoveTypesChangedListener(l types.TypesChangedListener) bool {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, existing := range c.listeners {
		if sameListener(existing, l) {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func sameListener(a, b types.TypesChangedListener) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func (c *Cache) fire(ev types.TypesChangedEvent) {
	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		c.safeNotify(l, ev)
	}
}

func (c *Cache) safeNotify(l types.TypesChangedListener, ev types.TypesChangedEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Types changed listener failed", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
	}()
	l.OnTypesChanged(ev)
}

// OnTypesChanged invalidates results that read any of the changed types.
func (c *Cache) OnTypesChanged(ev types.TypesChangedEvent) {
	if len(ev.Types) == 0 {
		return
	}

	if c.policy == EvictTimestamp {
		ts := c.now().UnixMilli()
		c.timestampsMu.Lock()
		for t := range ev.Types {
			c.timestamps[t] = ts
		}
		c.timestampsMu.Unlock()

		// In-flight results must still abort so they are not stored with a
		// timestamp newer than the change.
		c.WriteLock()
		c.fire(ev)
		c.WriteUnlock()
		return
	}

	c.WriteLock()
	c.fire(ev)
	entries := c.store.Locked().Snapshot()
	c.WriteUnlock()

	removed := 0
	for id, res := range entries {
		if res.Key().ChangeInvalidates(ev.Types) {
			c.store.Remove(id)
			c.recordEviction(id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Query results invalidated", map[string]interface{}{
			"types":   len(ev.Types),
			"removed": removed,
		})
	}
}

// AfterCommit turns a commit event into a types changed event
func (c *Cache) AfterCommit(ev *types.RemoteCommitEvent) {
	if ev == nil || c.closed.Load() {
		return
	}

	changed := make(map[string]struct{})
	for _, t := range ev.PersistedTypes {
		changed[t] = struct{}{}
	}
	if ev.HasExtents() {
		for _, list := range [][]string{ev.UpdatedTypes, ev.DeletedTypes} {
			for _, t := range list {
				changed[t] = struct{}{}
			}
		}
	}
	if ev.HasOIDs() {
		for _, list := range [][]types.OID{ev.UpdatedOIDs, ev.DeletedOIDs} {
			for _, oid := range list {
				changed[oid.Type] = struct{}{}
			}
		}
	}
	if len(changed) > 0 {
		c.OnTypesChanged(types.TypesChangedEvent{Types: changed})
	}
}

// EntityTimestamps returns the recorded change times of the given types in
// unix milliseconds. Types that never changed are skipped.
func (c *Cache) EntityTimestamps(typeNames []string) []int64 {
	c.timestampsMu.RLock()
	defer c.timestampsMu.RUnlock()

	var out []int64
	for _, t := range typeNames {
		if ts, ok := c.timestamps[t]; ok {
			out = append(out, ts)
		}
	}
	return out
}
