package metrics

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/datacache/internal/stats"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/health"
	"github.com/objectfs/datacache/pkg/utils"
)

// EntitySource is an entity cache the collector reads at scrape time
type EntitySource interface {
	Name() string
	Len() int
	Statistics() *stats.CacheStatistics
}

// QuerySource is a query cache the collector reads at scrape time
type QuerySource interface {
	Name() string
	Count() int
	Statistics() *stats.QueryStatistics[string]
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "datacache",
		Labels:    make(map[string]string),
	}
}

// Collector exports cache metrics to Prometheus. Entity and query cache
// counters are read from the caches' statistics on every scrape; evictions,
// invalidations, commits and errors are pushed as they happen.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	entities map[string]EntitySource
	queries  map[string]QuerySource
	health   *health.Tracker

	evictionCounter     *prometheus.CounterVec
	invalidationCounter *prometheus.CounterVec
	commitDuration      *prometheus.HistogramVec
	remoteCounter       *prometheus.CounterVec
	errorCounter        *prometheus.CounterVec

	requestsDesc     *prometheus.Desc
	writesDesc       *prometheus.Desc
	entriesDesc      *prometheus.Desc
	queryExecDesc    *prometheus.Desc
	queryHitsDesc    *prometheus.Desc
	queryEntriesDesc *prometheus.Desc

	server *http.Server
}

// NewCollector creates a new metrics collector. A disabled collector accepts
// every call and records nothing.
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:   config,
		logger:   logger.WithComponent("metrics"),
		entities: make(map[string]EntitySource),
		queries:  make(map[string]QuerySource),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to register metrics").
			WithComponent("metrics")
	}
	return collector, nil
}

// SetHealth makes the health endpoint report tracker
func (c *Collector) SetHealth(tracker *health.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = tracker
}

// Enabled reports whether metrics are recorded
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Registry returns the collector's registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves the metrics endpoint until Stop is called
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)

	c.mu.Lock()
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	c.logger.Info("Metrics server started", map[string]interface{}{
		"port": c.config.Port,
		"path": c.config.Path,
	})
	return nil
}

// Stop shuts the metrics endpoint down
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RegisterEntityCache exports src under its name, replacing an earlier
// source of the same name
func (c *Collector) RegisterEntityCache(src EntitySource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[src.Name()] = src
}

// RegisterQueryCache exports src under its name
func (c *Collector) RegisterQueryCache(src QuerySource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[src.Name()] = src
}

// RecordEviction counts an entry leaving cache without an explicit remove
func (c *Collector) RecordEviction(cache, reason string) {
	if !c.config.Enabled {
		return
	}
	c.evictionCounter.With(prometheus.Labels{"cache": cache, "reason": reason}).Inc()
}

// RecordInvalidation counts a type change seen by a query cache
func (c *Collector) RecordInvalidation(cache string, typeNames ...string) {
	if !c.config.Enabled {
		return
	}
	for _, t := range typeNames {
		c.invalidationCounter.With(prometheus.Labels{"cache": cache, "type": t}).Inc()
	}
}

// RecordCommit observes how long applying a commit to the caches took
func (c *Collector) RecordCommit(duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.commitDuration.With(prometheus.Labels{"status": status(err)}).Observe(duration.Seconds())
	if err != nil {
		c.RecordError("commit", err)
	}
}

// RecordRemoteEvent counts a commit event sent to or received from other nodes
func (c *Collector) RecordRemoteEvent(direction string) {
	if !c.config.Enabled {
		return
	}
	c.remoteCounter.With(prometheus.Labels{"direction": direction}).Inc()
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      classifyError(err),
	}).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func classifyError(err error) string {
	if ce, ok := errors.As(err); ok {
		return string(ce.Code)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_evictions_total",
			Help:        "Entries dropped by expiry or capacity",
			ConstLabels: labels,
		},
		[]string{"cache", "reason"},
	)

	c.invalidationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "query_cache_invalidations_total",
			Help:        "Type changes delivered to query caches",
			ConstLabels: labels,
		},
		[]string{"cache", "type"},
	)

	c.commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "commit_duration_seconds",
			Help:        "Time spent applying commits to the caches",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 15), // 100us to ~1.6s
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	c.remoteCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "remote_events_total",
			Help:        "Commit events exchanged with other nodes",
			ConstLabels: labels,
		},
		[]string{"direction"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Total number of errors",
			ConstLabels: labels,
		},
		[]string{"operation", "code"},
	)

	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, variable, labels)
	}
	c.requestsDesc = desc("cache_requests_total", "Entity cache lookups by result", "cache", "type", "result")
	c.writesDesc = desc("cache_puts_total", "Entity cache writes", "cache", "type")
	c.entriesDesc = desc("cache_entries", "Entries currently held by an entity cache", "cache")
	c.queryExecDesc = desc("query_cache_executions_total", "Queries run against a query cache", "cache")
	c.queryHitsDesc = desc("query_cache_hits_total", "Queries answered from a query cache", "cache")
	c.queryEntriesDesc = desc("query_cache_entries", "Results currently held by a query cache", "cache")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.evictionCounter,
		c.invalidationCounter,
		c.commitDuration,
		c.remoteCounter,
		c.errorCounter,
		sourceCollector{c},
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// sourceCollector turns registered cache statistics into metrics on scrape
type sourceCollector struct {
	c *Collector
}

func (s sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		s.c.requestsDesc, s.c.writesDesc, s.c.entriesDesc,
		s.c.queryExecDesc, s.c.queryHitsDesc, s.c.queryEntriesDesc,
	} {
		ch <- d
	}
}

func (s sourceCollector) Collect(ch chan<- prometheus.Metric) {
	c := s.c
	c.mu.RLock()
	entities := make([]EntitySource, 0, len(c.entities))
	for _, e := range c.entities {
		entities = append(entities, e)
	}
	queries := make([]QuerySource, 0, len(c.queries))
	for _, q := range c.queries {
		queries = append(queries, q)
	}
	c.mu.RUnlock()

	sort.Slice(entities, func(i, j int) bool { return entities[i].Name() < entities[j].Name() })
	for _, e := range entities {
		name := e.Name()
		ch <- prometheus.MustNewConstMetric(c.entriesDesc, prometheus.GaugeValue, float64(e.Len()), name)

		st := e.Statistics()
		if st == nil {
			continue
		}
		for _, t := range st.Types() {
			counts := st.TotalFor(t)
			ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(counts.Hits), name, t, "hit")
			ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(counts.Reads-counts.Hits), name, t, "miss")
			ch <- prometheus.MustNewConstMetric(c.writesDesc, prometheus.CounterValue, float64(counts.Writes), name, t)
		}
	}

	for _, q := range queries {
		name := q.Name()
		ch <- prometheus.MustNewConstMetric(c.queryEntriesDesc, prometheus.GaugeValue, float64(q.Count()), name)
		if st := q.Statistics(); st != nil {
			total := st.Total()
			ch <- prometheus.MustNewConstMetric(c.queryExecDesc, prometheus.CounterValue, float64(total.Executions), name)
			ch <- prometheus.MustNewConstMetric(c.queryHitsDesc, prometheus.CounterValue, float64(total.Hits), name)
		}
	}
}

type healthReport struct {
	Status     health.State             `json:"status"`
	Service    string                   `json:"service"`
	Components []health.ComponentHealth `json:"components,omitempty"`
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	tracker := c.health
	c.mu.RUnlock()

	report := healthReport{Status: health.StateHealthy, Service: "datacache"}
	if tracker != nil {
		report.Status = tracker.Overall()
		report.Components = tracker.Components()
	}
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status == health.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write(body) // Ignore write error for health check
}
