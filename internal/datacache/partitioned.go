package datacache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/datacache/internal/cache"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/types"
)

// PartitionType selects the store flavour of a partition.
type PartitionType string

const (
	// PartitionConcurrent evicts a random unpinned entry when full
	PartitionConcurrent PartitionType = "concurrent"
	// PartitionLRU evicts the least recently used unpinned entry
	PartitionLRU PartitionType = "lru"
)

// PartitionSpec describes one partition
type PartitionSpec struct {
	Name      string        `yaml:"name"`
	Type      PartitionType `yaml:"type"`
	CacheSize int           `yaml:"cache_size"`
}

// PartitionedCache is an entity cache with named sub-caches. The embedded
// Cache is the default region.
type PartitionedCache struct {
	*Cache

	opts []Option

	mu         sync.RWMutex
	partitions map[string]*Cache
}

// NewPartitionedCache creates a partitioned cache with the given partitions
func NewPartitionedCache(config Config, specs []PartitionSpec, opts ...Option) (*PartitionedCache, error) {
	root, err := NewCache(config, opts...)
	if err != nil {
		return nil, err
	}
	p := &PartitionedCache{
		Cache:      root,
		opts:       opts,
		partitions: make(map[string]*Cache),
	}
	if err := p.AddPartitions(specs); err != nil {
		_ = root.Close()
		return nil, err
	}
	return p, nil
}

func invalidPartition(name, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidPartition, reason).
		WithComponent("datacache").
		WithOperation("add_partition").
		WithDetail("partition", name)
}

// AddPartition adds a single partition
func (p *PartitionedCache) AddPartition(spec PartitionSpec) error {
	return p.AddPartitions([]PartitionSpec{spec})
}

// AddPartitions adds every partition or none of them.
func (p *PartitionedCache) AddPartitions(specs []PartitionSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		switch {
		case strings.TrimSpace(spec.Name) == "":
			return invalidPartition(spec.Name, "partition name is empty")
		case spec.Name == DefaultName || spec.Name == p.Cache.Name():
			return invalidPartition(spec.Name, "partition name is reserved")
		}
		if _, dup := seen[spec.Name]; dup {
			return invalidPartition(spec.Name, "partition is listed twice")
		}
		if _, dup := p.partitions[spec.Name]; dup {
			return invalidPartition(spec.Name, "partition already exists")
		}
		if _, err := partitionEviction(spec.Type); err != nil {
			return err
		}
		seen[spec.Name] = struct{}{}
	}

	created := make([]*Cache, 0, len(specs))
	for _, spec := range specs {
		c, err := p.newPartition(spec)
		if err != nil {
			for _, c := range created {
				_ = c.Close()
			}
			return err
		}
		created = append(created, c)
	}
	for _, c := range created {
		p.partitions[c.Name()] = c
	}
	return nil
}

func partitionEviction(t PartitionType) (string, error) {
	switch PartitionType(strings.ToLower(string(t))) {
	case "", PartitionLRU:
		return "lru", nil
	case PartitionConcurrent:
		return "random", nil
	default:
		return "", invalidPartition(string(t), "unknown partition type")
	}
}

func (p *PartitionedCache) newPartition(spec PartitionSpec) (*Cache, error) {
	eviction, _ := partitionEviction(spec.Type)
	cfg := p.Cache.Config()
	cfg.Name = spec.Name
	cfg.Store.EvictionPolicy = eviction
	if spec.CacheSize != 0 {
		cfg.Store.CacheSize = spec.CacheSize
	}
	// partitions are memory only; the durable tier belongs to the default region
	opts := append(append([]Option(nil), p.opts...), WithBackend(nil))
	return NewCache(cfg, opts...)
}

// Partition implements DataCache. With create set an unknown name gets a
// new LRU partition.
func (p *PartitionedCache) Partition(name string, create bool) (DataCache, bool) {
	if name == "" || name == p.Cache.Name() {
		return p, true
	}
	p.mu.RLock()
	c, ok := p.partitions[name]
	p.mu.RUnlock()
	if ok {
		return c, true
	}
	if !create {
		return nil, false
	}
	if err := p.AddPartition(PartitionSpec{Name: name}); err != nil {
		// lost a race with another creator
		p.mu.RLock()
		c, ok = p.partitions[name]
		p.mu.RUnlock()
		if !ok {
			return nil, false
		}
		return c, true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.partitions[name], true
}

// Partitions implements DataCache
func (p *PartitionedCache) Partitions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.partitions))
	for name := range p.partitions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *PartitionedCache) all() []*Cache {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Cache, 0, len(p.partitions)+1)
	out = append(out, p.Cache)
	for _, name := range sortedKeys(p.partitions) {
		out = append(out, p.partitions[name])
	}
	return out
}

func sortedKeys(m map[string]*Cache) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// route returns the region data belongs to; unknown names fall back to the default region.
func (p *PartitionedCache) route(name string) *Cache {
	if name == "" {
		return p.Cache
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.partitions[name]; ok {
		return c
	}
	return p.Cache
}

// locate returns the region holding oid
func (p *PartitionedCache) locate(oid types.OID) (*Cache, bool) {
	for _, c := range p.all() {
		if c.Contains(oid) {
			return c, true
		}
	}
	return nil, false
}

// Put stores data in the partition named by its CacheName
func (p *PartitionedCache) Put(data *PCData) (*PCData, bool) {
	if data == nil {
		return nil, false
	}
	return p.route(data.CacheName).Put(data)
}

// Update implements DataCache
func (p *PartitionedCache) Update(data *PCData) {
	p.Put(data)
}

// Get searches the default region, then each partition
func (p *PartitionedCache) Get(oid types.OID) (*PCData, bool) {
	d, ok, err := p.GetContext(context.Background(), oid)
	if err != nil {
		p.logger.Error("Cache read failed", map[string]interface{}{"oid": oid.String(), "error": err.Error()})
	}
	return d, ok
}

// GetContext implements DataCache. The read is counted once: as a hit by
// the region that answers, or as a miss by the default region.
func (p *PartitionedCache) GetContext(ctx context.Context, oid types.OID) (*PCData, bool, error) {
	for _, c := range p.all() {
		d, ok, err := c.lookup(ctx, oid)
		if err != nil {
			p.Cache.stats.RecordRead(oid.Type, false)
			return nil, false, err
		}
		if ok {
			c.stats.RecordRead(oid.Type, true)
			return d, true, nil
		}
	}
	p.Cache.stats.RecordRead(oid.Type, false)
	return nil, false, nil
}

// GetAll implements DataCache
func (p *PartitionedCache) GetAll(oids []types.OID) map[types.OID]*PCData {
	out := make(map[types.OID]*PCData, len(oids))
	for _, oid := range oids {
		if d, ok := p.Get(oid); ok {
			out[oid] = d
		}
	}
	return out
}

// Remove implements DataCache
func (p *PartitionedCache) Remove(oid types.OID) (*PCData, bool) {
	var (
		prev  *PCData
		found bool
	)
	for _, c := range p.all() {
		if d, ok := c.Remove(oid); ok && !found {
			prev, found = d, true
		}
	}
	return prev, found
}

// RemoveAll implements DataCache
func (p *PartitionedCache) RemoveAll(oids []types.OID) int {
	n := 0
	for _, c := range p.all() {
		n += c.RemoveAll(oids)
	}
	return n
}

// RemoveAllOfType implements DataCache
func (p *PartitionedCache) RemoveAllOfType(typeName string, subclasses bool) int {
	n := 0
	for _, c := range p.all() {
		n += c.RemoveAllOfType(typeName, subclasses)
	}
	return n
}

// Contains implements DataCache
func (p *PartitionedCache) Contains(oid types.OID) bool {
	_, ok := p.locate(oid)
	return ok
}

// ContainsAll implements DataCache
func (p *PartitionedCache) ContainsAll(oids []types.OID) []bool {
	out := make([]bool, len(oids))
	for i, oid := range oids {
		out[i] = p.Contains(oid)
	}
	return out
}

// Pin pins oid in the region holding it, or in the default region.
func (p *PartitionedCache) Pin(oid types.OID) bool {
	if c, ok := p.locate(oid); ok {
		return c.Pin(oid)
	}
	return p.Cache.Pin(oid)
}

// Unpin implements DataCache
func (p *PartitionedCache) Unpin(oid types.OID) bool {
	unpinned := false
	for _, c := range p.all() {
		if c.Unpin(oid) {
			unpinned = true
		}
	}
	return unpinned
}

// Len returns the number of entries across all regions
func (p *PartitionedCache) Len() int {
	n := 0
	for _, c := range p.all() {
		n += c.Len()
	}
	return n
}

// Clear implements DataCache
func (p *PartitionedCache) Clear() {
	for _, c := range p.all() {
		c.Clear()
	}
}

// Close implements DataCache
func (p *PartitionedCache) Close() error {
	var errs error
	for _, c := range p.all() {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

// AfterCommit implements DataCache
func (p *PartitionedCache) AfterCommit(ev *types.RemoteCommitEvent) {
	for _, c := range p.all() {
		c.AfterCommit(ev)
	}
}

// SetTypeTimeout applies the override to every region
func (p *PartitionedCache) SetTypeTimeout(typeName string, timeout time.Duration) {
	for _, c := range p.all() {
		c.SetTypeTimeout(typeName, timeout)
	}
}

// AddExpirationListener registers l with every region
func (p *PartitionedCache) AddExpirationListener(l func(oid types.OID, reason cache.EvictionReason)) {
	for _, c := range p.all() {
		c.AddExpirationListener(l)
	}
}

// Commit implements DataCache
func (p *PartitionedCache) Commit(additions, newUpdates, existingUpdates []*PCData, deletes []types.OID) {
	if err := p.CommitContext(context.Background(), additions, newUpdates, existingUpdates, deletes); err != nil {
		p.Cache.logger.Error("Commit write-through failed", map[string]interface{}{"error": err.Error()})
	}
}

// CommitContext routes each group to its partition. Deletes go to every region.
func (p *PartitionedCache) CommitContext(ctx context.Context, additions, newUpdates, existingUpdates []*PCData, deletes []types.OID) error {
	return p.Batch(ctx, func(tx *Tx) {
		tx.Commit(additions, newUpdates, existingUpdates, deletes)
	})
}

// Batch locks every region in name order and hands fn a routing Tx.
func (p *PartitionedCache) Batch(ctx context.Context, fn func(tx *Tx)) error {
	regions := p.all()
	txs := make(map[string]*Tx, len(regions))
	for _, c := range regions {
		if c.Closed() {
			continue
		}
		txs[c.Name()] = &Tx{c: c, locked: c.store.Locked()}
	}
	if len(txs) == 0 {
		return nil
	}

	root := &Tx{c: p.Cache, locked: p.Cache.store.Locked(), regions: txs}
	for _, c := range regions {
		if _, ok := txs[c.Name()]; ok {
			c.store.WriteLock()
		}
	}
	func() {
		defer func() {
			for i := len(regions) - 1; i >= 0; i-- {
				if _, ok := txs[regions[i].Name()]; ok {
					regions[i].store.WriteUnlock()
				}
			}
		}()
		fn(root)
	}()

	var errs error
	for _, c := range regions {
		if tx, ok := txs[c.Name()]; ok {
			errs = multierr.Append(errs, c.finishBatch(ctx, tx))
		}
	}
	return errs
}
