package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/datacache/internal/cache"
	"github.com/objectfs/datacache/internal/config"
	"github.com/objectfs/datacache/internal/datacache"
	"github.com/objectfs/datacache/internal/metrics"
	"github.com/objectfs/datacache/internal/querycache"
	"github.com/objectfs/datacache/internal/remote"
	"github.com/objectfs/datacache/internal/scheduler"
	s3store "github.com/objectfs/datacache/internal/storage/s3"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/health"
	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

const setupTimeout = 30 * time.Second

// systemCache is what the manager needs from the root entity cache on top
// of DataCache. Both Cache and PartitionedCache provide it.
type systemCache interface {
	datacache.DataCache
	Len() int
	SetTypeTimeout(typeName string, timeout time.Duration)
}

// Option configures a Manager
type Option func(m *Manager)

// WithLogger sets the logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPolicy replaces the distribution policy
func WithPolicy(policy datacache.DistributionPolicy) Option {
	return func(m *Manager) { m.policy = policy }
}

// WithBackend uses backend for the durable tier instead of the configured one
func WithBackend(backend cache.BlobBackend) Option {
	return func(m *Manager) { m.backend = backend }
}

// WithMetrics exports cache metrics through collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = collector }
}

// WithRemoteProvider uses provider for commit propagation instead of the
// configured one
func WithRemoteProvider(provider remote.Provider) Option {
	return func(m *Manager) {
		m.provider = provider
		m.providerSet = true
	}
}

// WithVersionComparator sets how cached versions are compared on loads and
// optimistic lock failures
func WithVersionComparator(compare types.VersionComparator) Option {
	return func(m *Manager) { m.compare = compare }
}

// Manager is the single entry point to the caches of a persistence unit. It
// owns the system entity cache, the query cache and everything that keeps
// them current.
type Manager struct {
	config *config.Configuration
	repo   types.MetaDataRepository
	logger *utils.StructuredLogger

	system  systemCache
	query   *querycache.Cache
	policy  datacache.DistributionPolicy
	rules   *datacache.CacheabilityRules
	backend cache.BlobBackend
	compare types.VersionComparator

	coordinator *datacache.StoreCoordinator
	scheduler   *scheduler.Scheduler
	events      *remote.EventManager
	provider    remote.Provider
	providerSet bool
	metrics     *metrics.Collector
	health      *health.Tracker

	wiredMu sync.Mutex
	wired   map[string]bool

	closeOnce sync.Once
	closeErr  error
}

// New builds the caches described by cfg. repo answers type metadata
// questions and may be nil when every type uses the default cache.
func New(cfg *config.Configuration, repo types.MetaDataRepository, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config: cfg,
		repo:   repo,
		wired:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = utils.NewNopLogger()
	}
	m.logger = m.logger.WithComponent("manager")

	if m.metrics == nil {
		collector, err := metrics.NewCollector(&metrics.Config{
			Enabled:   cfg.Monitoring.Enabled,
			Port:      cfg.Monitoring.MetricsPort,
			Namespace: cfg.Monitoring.Namespace,
			Labels:    cfg.Monitoring.CustomLabels,
		}, m.logger)
		if err != nil {
			return nil, err
		}
		m.metrics = collector
	}

	m.health = health.NewTracker(health.DefaultConfig())
	m.health.OnStateChange(func(component string, from, to health.State, err error) {
		fields := map[string]interface{}{"component": component, "from": from.String(), "to": to.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.logger.Warn("Component health changed", fields)
	})
	m.metrics.SetHealth(m.health)

	if err := m.init(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init() error {
	if err := m.initDataCache(); err != nil {
		return err
	}
	if err := m.initQueryCache(); err != nil {
		return err
	}
	m.initScheduler()
	if err := m.scheduleEvictions(); err != nil {
		return err
	}
	if err := m.initRemote(); err != nil {
		return err
	}
	m.initCoordinator()

	m.logger.Info("Cache manager started", map[string]interface{}{
		"data_cache":  m.system != nil,
		"query_cache": m.query != nil,
		"partitions":  len(m.partitionNames()),
		"remote":      m.provider != nil,
	})
	return nil
}

func (m *Manager) initDataCache() error {
	if !m.config.DataCache.Enabled() {
		m.rules = datacache.NewCacheabilityRules(datacache.CacheNone, nil, nil)
		return nil
	}

	dc, err := m.config.DataCache.Resolve()
	if err != nil {
		return err
	}
	mode, err := datacache.ParseCacheMode(dc.CacheMode)
	if err != nil {
		return err
	}
	m.rules = datacache.NewCacheabilityRules(mode, dc.IncludedTypes, dc.ExcludedTypes)

	if m.policy == nil {
		if len(dc.TypePartitions) > 0 {
			m.policy = datacache.TypeBasedPolicy{Mapping: dc.TypePartitions, Repo: m.repo}
		} else {
			m.policy = datacache.DefaultPolicy{}
		}
	}

	if m.backend == nil && dc.Durable.Enabled() {
		if m.backend, err = m.newBackend(dc.Durable); err != nil {
			return err
		}
	}

	cacheCfg := datacache.Config{
		Name: dc.Name,
		Store: cache.StoreConfig{
			CacheSize:         dc.CacheSize,
			SoftReferenceSize: dc.SoftReferenceSize,
			EvictionPolicy:    dc.EvictionPolicy,
			CleanupInterval:   dc.CleanupInterval,
		},
		Timeout:           dc.Timeout,
		EvictionSchedule:  dc.EvictionSchedule,
		EvictOnBulkUpdate: dc.EvictOnBulkUpdate,
		EnableStatistics:  dc.EnableStatistics,
		Durable:           dc.Durable,
	}
	cacheOpts := []datacache.Option{
		datacache.WithRepository(m.repo),
		datacache.WithLogger(m.logger),
	}
	if m.backend != nil {
		cacheOpts = append(cacheOpts, datacache.WithBackend(m.backend))
	}

	if m.config.DataCache.Partitioned() {
		specs, err := partitionSpecs(dc)
		if err != nil {
			return err
		}
		pc, err := datacache.NewPartitionedCache(cacheCfg, specs, cacheOpts...)
		if err != nil {
			return err
		}
		m.system = pc
	} else {
		c, err := datacache.NewCache(cacheCfg, cacheOpts...)
		if err != nil {
			return err
		}
		m.system = c
	}

	for typeName, timeout := range dc.TypeTimeouts {
		m.system.SetTypeTimeout(typeName, timeout)
	}
	m.wireRegions()
	return nil
}

func partitionSpecs(dc config.DataCacheConfig) ([]datacache.PartitionSpec, error) {
	defs, err := config.ParsePartitions(dc.Partitions)
	if err != nil {
		return nil, err
	}
	specs := make([]datacache.PartitionSpec, 0, len(defs))
	for _, def := range defs {
		typ := def.Type
		if typ == "" {
			typ = dc.PartitionType
		}
		specs = append(specs, datacache.PartitionSpec{
			Name:      def.Name,
			Type:      datacache.PartitionType(strings.ToLower(typ)),
			CacheSize: def.CacheSize,
		})
	}
	return specs, nil
}

func (m *Manager) newBackend(durable cache.DurableConfig) (cache.BlobBackend, error) {
	switch durable.Backend {
	case "file":
		return cache.NewFileBackend(durable.Directory)
	case "s3":
		s3cfg := s3store.NewDefaultConfig()
		s3cfg.Bucket = durable.Bucket
		s3cfg.Prefix = durable.Prefix
		s3cfg.Endpoint = durable.Endpoint
		s3cfg.ForcePathStyle = durable.Endpoint != ""
		if durable.Region != "" {
			s3cfg.Region = durable.Region
		}
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		return s3store.NewBackend(ctx, s3cfg, m.logger)
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("unknown durable backend %q", durable.Backend)).
			WithComponent("manager")
	}
}

// wireRegions exports every region of the system cache that has not been
// exported yet.
func (m *Manager) wireRegions() {
	for _, region := range m.regions() {
		m.wiredMu.Lock()
		done := m.wired[region.Name()]
		m.wired[region.Name()] = true
		m.wiredMu.Unlock()
		if done {
			continue
		}

		name := region.Name()
		m.metrics.RegisterEntityCache(region)
		region.AddExpirationListener(func(oid types.OID, reason cache.EvictionReason) {
			m.metrics.RecordEviction(name, reason.String())
		})
	}
}

func (m *Manager) regions() []*datacache.Cache {
	switch c := m.system.(type) {
	case *datacache.Cache:
		return []*datacache.Cache{c}
	case *datacache.PartitionedCache:
		out := []*datacache.Cache{c.Cache}
		for _, name := range c.Partitions() {
			if p, ok := c.Partition(name, false); ok {
				if region, ok := p.(*datacache.Cache); ok {
					out = append(out, region)
				}
			}
		}
		return out
	}
	return nil
}

func (m *Manager) initQueryCache() error {
	if !m.config.QueryCache.Enabled() {
		return nil
	}
	qc, err := m.config.QueryCache.Resolve()
	if err != nil {
		return err
	}

	name := m.config.DataCache.Name
	if name == "" {
		name = datacache.DefaultName
	}
	q, err := querycache.New(&querycache.Config{
		Name: name,
		Store: cache.StoreConfig{
			CacheSize:         qc.CacheSize,
			SoftReferenceSize: qc.SoftReferenceSize,
			EvictionPolicy:    "lru",
		},
		EvictPolicy:      qc.EvictPolicy,
		EnableStatistics: qc.EnableStatistics,
	}, m.logger)
	if err != nil {
		return err
	}
	m.query = q

	m.metrics.RegisterQueryCache(q)
	q.AddTypesChangedListener(types.TypesChangedFunc(func(ev types.TypesChangedEvent) {
		m.metrics.RecordInvalidation(q.Name(), sortedTypes(ev)...)
	}))
	return nil
}

func sortedTypes(ev types.TypesChangedEvent) []string {
	out := make([]string, 0, len(ev.Types))
	for t := range ev.Types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) initScheduler() {
	schedCfg := m.config.Scheduler
	m.scheduler = scheduler.New(&schedCfg, m.logger)
}

func (m *Manager) scheduleEvictions() error {
	if m.system != nil && m.system.EvictionSchedule() != "" {
		if err := m.scheduler.Schedule("data:"+m.system.Name(), m.system, m.system.EvictionSchedule()); err != nil {
			return err
		}
	}
	if m.query != nil {
		qc, err := m.config.QueryCache.Resolve()
		if err != nil {
			return err
		}
		if qc.EvictionSchedule != "" {
			if err := m.scheduler.Schedule("query:"+m.query.Name(), m.query, qc.EvictionSchedule); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) initRemote() error {
	if !m.providerSet {
		provider, err := remote.NewProvider(m.config.Remote, m.logger)
		if err != nil {
			return err
		}
		m.provider = provider
	}

	m.events = remote.NewEventManager(m.provider, m.config.Remote, m.logger)
	if m.provider != nil {
		m.health.Register("remote")
	}
	if m.system != nil {
		m.events.AddListener(m.system)
	}
	if m.query != nil {
		m.events.AddListener(m.query)
	}
	m.events.AddListener(commitListenerFunc(func(*types.RemoteCommitEvent) {
		m.metrics.RecordRemoteEvent("received")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	return m.events.Start(ctx)
}

func (m *Manager) initCoordinator() {
	dc, _ := m.config.DataCache.Resolve()
	m.coordinator = datacache.NewStoreCoordinator(datacache.CoordinatorConfig{
		Selector:         m,
		Repository:       m.repo,
		Compare:          m.compare,
		LargeTransaction: dc.LargeTransaction,
		Logger:           m.logger,
	})
	if m.query != nil {
		m.coordinator.AddCommitListener(m.query)
	}
	if m.provider != nil {
		m.coordinator.AddCommitListener(commitListenerFunc(m.publish))
	}
}

// publish sends a local commit to the other nodes
func (m *Manager) publish(ev *types.RemoteCommitEvent) {
	if err := m.events.FireLocalCommit(context.Background(), ev); err != nil {
		m.logger.Error("Failed to publish commit", map[string]interface{}{"error": err.Error()})
		m.metrics.RecordError("publish", err)
		m.health.RecordError("remote", err)
		return
	}
	m.metrics.RecordRemoteEvent("sent")
	m.health.RecordSuccess("remote")
}

type commitListenerFunc func(ev *types.RemoteCommitEvent)

func (f commitListenerFunc) AfterCommit(ev *types.RemoteCommitEvent) { f(ev) }

// SystemDataCache returns the root entity cache, nil when caching is off
func (m *Manager) SystemDataCache() datacache.DataCache {
	if m.system == nil {
		return nil
	}
	return m.system
}

// QueryCache returns the query cache, nil when it is off
func (m *Manager) QueryCache() *querycache.Cache { return m.query }

// DataCache resolves a cache by name. An empty or default name is the root
// cache. With create set, an unknown name becomes a new partition of a
// partitioned cache.
func (m *Manager) DataCache(name string, create bool) (datacache.DataCache, error) {
	if m.system == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "data cache is disabled").
			WithComponent("manager").
			WithOperation("data_cache")
	}
	if name == "" || name == datacache.DefaultName || name == m.system.Name() {
		return m.system, nil
	}

	c, ok := m.system.Partition(name, create)
	if !ok {
		code := errors.ErrCodeCacheNotFound
		if create {
			code = errors.ErrCodeInvalidPartition
		}
		return nil, errors.NewError(code, fmt.Sprintf("no data cache named %q", name)).
			WithComponent("manager").
			WithOperation("data_cache").
			WithDetail("partition", name)
	}
	if create {
		m.wireRegions()
	}
	return c, nil
}

// SelectCache returns the cache instances of meta are stored in, or nil.
// Types that are not cacheable never reach the distribution policy.
func (m *Manager) SelectCache(meta *types.TypeMeta, instance interface{}) datacache.DataCache {
	if m.system == nil || !m.IsCacheable(meta) {
		return nil
	}
	return m.route(meta, instance)
}

func (m *Manager) route(meta *types.TypeMeta, instance interface{}) datacache.DataCache {
	name, ok := m.policy.SelectCache(meta, instance)
	if !ok {
		return nil
	}
	c, err := m.DataCache(name, false)
	if err != nil {
		m.logger.Debug("Policy selected an unknown cache", map[string]interface{}{
			"type":  meta.Name,
			"cache": name,
		})
		return nil
	}
	return c
}

// IsCacheable reports whether instances of meta may be cached
func (m *Manager) IsCacheable(meta *types.TypeMeta) bool {
	return m.rules.IsCacheable(meta)
}

// StartCaching makes typeName cacheable regardless of configuration
func (m *Manager) StartCaching(typeName string) {
	m.rules.Allow(typeName)
}

// StopCaching makes typeName uncacheable and drops its cached instances
func (m *Manager) StopCaching(typeName string) {
	m.rules.Deny(typeName)
	if m.system != nil {
		m.system.RemoveAllOfType(typeName, false)
	}
}

// CacheFor resolves the entity cache a type is stored in. Cacheability is
// not consulted so bulk statements also evict types whose caching was
// switched off after instances were cached.
func (m *Manager) CacheFor(typeName string) (querycache.EntityEvictor, bool) {
	if m.system == nil {
		return nil, false
	}
	meta := &types.TypeMeta{Name: typeName}
	if m.repo != nil {
		if known, ok := m.repo.Meta(typeName); ok {
			meta = known
		}
	}
	c := m.route(meta, nil)
	if c == nil {
		return nil, false
	}
	return c, true
}

// Executor returns a query executor in front of delegate. store describes
// the unit of work queries run in.
func (m *Manager) Executor(delegate querycache.Delegate, store querycache.StoreContext) *querycache.Executor {
	return querycache.NewExecutor(querycache.ExecutorConfig{
		Cache:      m.query,
		Delegate:   delegate,
		Repository: m.repo,
		Store:      store,
		Entities:   m,
		Logger:     m.logger,
	})
}

// Coordinator returns the coordinator that applies commits to the caches
func (m *Manager) Coordinator() *datacache.StoreCoordinator { return m.coordinator }

// Begin starts a unit of work
func (m *Manager) Begin() *datacache.UnitOfWork { return m.coordinator.Begin() }

// Commit applies uow to the caches and records how long it took
func (m *Manager) Commit(ctx context.Context, uow *datacache.UnitOfWork) error {
	start := time.Now()
	err := uow.Commit(ctx)
	m.metrics.RecordCommit(time.Since(start), err)
	if err != nil {
		m.logger.Warn("Commit left caches partially updated", map[string]interface{}{"error": err.Error()})
	}
	return err
}

// Scheduler returns the eviction scheduler
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Events returns the remote commit event manager
func (m *Manager) Events() *remote.EventManager { return m.events }

// Metrics returns the metrics collector
func (m *Manager) Metrics() *metrics.Collector { return m.metrics }

// Health returns the tracker behind the health endpoint
func (m *Manager) Health() *health.Tracker { return m.health }

func (m *Manager) partitionNames() []string {
	if m.system == nil {
		return nil
	}
	return m.system.Partitions()
}

// Close stops the scheduler and remote propagation and closes every cache.
// It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs error
		if m.scheduler != nil {
			m.scheduler.Stop()
		}
		if m.events != nil {
			errs = multierr.Append(errs, m.events.Close())
		} else if m.provider != nil {
			errs = multierr.Append(errs, m.provider.Close())
		}
		if m.query != nil {
			m.query.Close()
		}
		if m.system != nil {
			errs = multierr.Append(errs, m.system.Close())
		} else if m.backend != nil {
			errs = multierr.Append(errs, m.backend.Close())
		}
		if m.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = multierr.Append(errs, m.metrics.Stop(ctx))
			cancel()
		}
		m.closeErr = errs
		m.logger.Info("Cache manager closed")
	})
	return m.closeErr
}
