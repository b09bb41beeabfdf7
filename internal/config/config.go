package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/datacache/internal/cache"
	"github.com/objectfs/datacache/internal/remote"
	"github.com/objectfs/datacache/internal/scheduler"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	DataCache  DataCacheConfig  `yaml:"data_cache"`
	QueryCache QueryCacheConfig `yaml:"query_cache"`
	Remote     remote.Config    `yaml:"remote"`
	Scheduler  scheduler.Config `yaml:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// DataCacheConfig represents entity cache settings
type DataCacheConfig struct {
	// Plugin is "true", "false", "lru", "concurrent" or "partitioned(...)";
	// its properties override the fields below
	Plugin string `yaml:"plugin"`

	Name              string        `yaml:"name"`
	CacheSize         int           `yaml:"cache_size"`
	SoftReferenceSize int           `yaml:"soft_reference_size"`
	EvictionPolicy    string        `yaml:"eviction_policy"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	Timeout           time.Duration `yaml:"timeout"`
	EvictionSchedule  string        `yaml:"eviction_schedule"`
	EnableStatistics  bool          `yaml:"enable_statistics"`
	EvictOnBulkUpdate bool          `yaml:"evict_on_bulk_update"`
	LargeTransaction  bool          `yaml:"large_transaction"`

	// Partitions is "(name=a,cacheSize=100),(name=b,cacheSize=200)"
	Partitions    string `yaml:"partitions"`
	PartitionType string `yaml:"partition_type"`

	CacheMode     string                   `yaml:"cache_mode"`
	IncludedTypes []string                 `yaml:"included_types"`
	ExcludedTypes []string                 `yaml:"excluded_types"`
	TypeTimeouts  map[string]time.Duration `yaml:"type_timeouts"`

	// TypePartitions maps type names to partitions, overriding type metadata
	TypePartitions map[string]string `yaml:"type_partitions"`

	Durable cache.DurableConfig `yaml:"durable"`
}

// QueryCacheConfig represents query cache settings
type QueryCacheConfig struct {
	Plugin            string `yaml:"plugin"`
	CacheSize         int    `yaml:"cache_size"`
	SoftReferenceSize int    `yaml:"soft_reference_size"`
	EvictPolicy       string `yaml:"evict_policy"`
	EvictionSchedule  string `yaml:"eviction_schedule"`
	EnableStatistics  bool   `yaml:"enable_statistics"`
}

// MonitoringConfig represents metrics settings
type MonitoringConfig struct {
	Enabled      bool              `yaml:"enabled"`
	MetricsPort  int               `yaml:"metrics_port"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		DataCache: DataCacheConfig{
			Plugin:            "true",
			Name:              "default",
			CacheSize:         1000,
			SoftReferenceSize: -1,
			EvictionPolicy:    "lru",
			Timeout:           types.NoTimeout,
			EvictOnBulkUpdate: true,
			PartitionType:     "concurrent",
			CacheMode:         "UNSPECIFIED",
			Durable:           cache.DefaultDurableConfig(),
		},
		QueryCache: QueryCacheConfig{
			Plugin:            "true",
			CacheSize:         1000,
			SoftReferenceSize: -1,
			EvictPolicy:       "default",
		},
		Remote:    remote.DefaultConfig(),
		Scheduler: *scheduler.DefaultConfig(),
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPort: 9464,
			Namespace:   "datacache",
		},
	}
}

func loadError(err error, message string) error {
	return errors.Wrap(err, errors.ErrCodeConfigLoad, message).WithComponent("config")
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return loadError(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return loadError(err, "failed to parse config file")
	}

	return nil
}

// LoadFromEnv loads configuration from DATACACHE_* environment variables.
// Malformed numbers and durations are reported.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	env.str("DATACACHE_LOG_LEVEL", &c.Global.LogLevel)
	env.str("DATACACHE_LOG_FILE", &c.Global.LogFile)
	env.str("DATACACHE_LOG_FORMAT", &c.Global.LogFormat)

	env.str("DATACACHE_DATA_CACHE", &c.DataCache.Plugin)
	env.integer("DATACACHE_CACHE_SIZE", &c.DataCache.CacheSize)
	env.integer("DATACACHE_SOFT_REFERENCE_SIZE", &c.DataCache.SoftReferenceSize)
	env.duration("DATACACHE_TIMEOUT", &c.DataCache.Timeout)
	env.str("DATACACHE_EVICTION_SCHEDULE", &c.DataCache.EvictionSchedule)
	env.boolean("DATACACHE_STATISTICS", &c.DataCache.EnableStatistics)
	env.boolean("DATACACHE_EVICT_ON_BULK_UPDATE", &c.DataCache.EvictOnBulkUpdate)
	env.str("DATACACHE_CACHE_MODE", &c.DataCache.CacheMode)
	env.str("DATACACHE_PARTITIONS", &c.DataCache.Partitions)
	env.str("DATACACHE_DURABLE_BACKEND", &c.DataCache.Durable.Backend)
	env.str("DATACACHE_DURABLE_DIRECTORY", &c.DataCache.Durable.Directory)
	env.str("DATACACHE_DURABLE_BUCKET", &c.DataCache.Durable.Bucket)

	env.str("DATACACHE_QUERY_CACHE", &c.QueryCache.Plugin)
	env.integer("DATACACHE_QUERY_CACHE_SIZE", &c.QueryCache.CacheSize)
	env.str("DATACACHE_QUERY_EVICT_POLICY", &c.QueryCache.EvictPolicy)
	env.boolean("DATACACHE_QUERY_STATISTICS", &c.QueryCache.EnableStatistics)

	env.str("DATACACHE_REMOTE_PROVIDER", &c.Remote.Provider)
	env.str("DATACACHE_REDIS_URL", &c.Remote.RedisURL)
	env.str("DATACACHE_REMOTE_CHANNEL", &c.Remote.Channel)

	env.duration("DATACACHE_SCHEDULER_INTERVAL", &c.Scheduler.Interval)
	env.integer("DATACACHE_METRICS_PORT", &c.Monitoring.MetricsPort)

	if env.err != nil {
		return loadError(env.err, "invalid environment override")
	}
	return nil
}

// envReader applies overrides and keeps the first parse error
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	return strings.TrimSpace(val), ok && strings.TrimSpace(val) != ""
}

func (r *envReader) fail(key, val string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s=%q: %w", key, val, err)
	}
}

func (r *envReader) str(key string, dst *string) {
	if val, ok := r.lookup(key); ok {
		*dst = val
	}
}

func (r *envReader) integer(key string, dst *int) {
	if val, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if val, ok := r.lookup(key); ok {
		*dst = strings.ToLower(val) == "true"
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if val, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config").WithComponent("config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory").WithComponent("config")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file").WithComponent("config")
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).WithComponent("config")
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(strings.ToUpper(c.Global.LogLevel)); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}

	dc, err := c.DataCache.Resolve()
	if err != nil {
		return err
	}
	store := cache.StoreConfig{CacheSize: dc.CacheSize, SoftReferenceSize: dc.SoftReferenceSize, EvictionPolicy: dc.EvictionPolicy}
	if err := store.Validate(); err != nil {
		return invalid("data_cache: %v", err)
	}
	if err := validateSchedule("data_cache", dc.EvictionSchedule); err != nil {
		return err
	}
	switch strings.ToUpper(dc.CacheMode) {
	case "", "ALL", "NONE", "ENABLE_SELECTIVE", "DISABLE_SELECTIVE", "UNSPECIFIED":
	default:
		return invalid("invalid cache_mode: %s", dc.CacheMode)
	}
	if _, err := ParsePartitions(dc.Partitions); err != nil {
		return err
	}
	switch dc.Durable.Backend {
	case "":
	case "file":
		if dc.Durable.Directory == "" {
			return invalid("durable file backend requires a directory")
		}
	case "s3":
		if dc.Durable.Bucket == "" {
			return invalid("durable s3 backend requires a bucket")
		}
	default:
		return invalid("unknown durable backend: %s", dc.Durable.Backend)
	}
	if dc.Durable.MaxValueSize != "" {
		if _, err := utils.ParseBytes(dc.Durable.MaxValueSize); err != nil {
			return invalid("durable max_value_size: %v", err)
		}
	}

	qc, err := c.QueryCache.Resolve()
	if err != nil {
		return err
	}
	if qc.CacheSize < -1 {
		return invalid("query_cache cache_size must be -1 or non-negative")
	}
	switch strings.ToLower(qc.EvictPolicy) {
	case "", "default", "timestamp":
	default:
		return invalid("invalid query_cache evict_policy: %s", qc.EvictPolicy)
	}
	if err := validateSchedule("query_cache", qc.EvictionSchedule); err != nil {
		return err
	}

	switch strings.ToLower(c.Remote.Provider) {
	case "", "none", "local":
	case "redis":
		if c.Remote.RedisURL == "" {
			return invalid("redis remote provider requires redis_url")
		}
	default:
		return invalid("unknown remote provider: %s", c.Remote.Provider)
	}

	if c.Scheduler.Interval < 0 {
		return invalid("scheduler interval must not be negative")
	}
	if c.Monitoring.Enabled && (c.Monitoring.MetricsPort < 0 || c.Monitoring.MetricsPort > 65535) {
		return invalid("metrics_port out of range: %d", c.Monitoring.MetricsPort)
	}

	return nil
}

func validateSchedule(section, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := scheduler.ParseSchedule(spec, time.Now()); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, section+": invalid eviction_schedule").
			WithComponent("config")
	}
	return nil
}

// Resolve applies the plugin string properties to a copy of the settings
func (d DataCacheConfig) Resolve() (DataCacheConfig, error) {
	p, err := ParsePlugin(d.Plugin)
	if err != nil {
		return d, err
	}
	out := d
	switch strings.ToLower(p.Name) {
	case "lru":
		out.EvictionPolicy = "lru"
	case "concurrent":
		out.EvictionPolicy = "random"
	}
	if v, ok := p.Get("name"); ok {
		out.Name = v
	}
	if out.CacheSize, err = p.Int("CacheSize", out.CacheSize); err != nil {
		return d, err
	}
	if out.SoftReferenceSize, err = p.Int("SoftReferenceSize", out.SoftReferenceSize); err != nil {
		return d, err
	}
	if v, ok := p.Get("EvictionSchedule"); ok {
		out.EvictionSchedule = v
	}
	if v, ok := p.Get("PartitionType"); ok {
		out.PartitionType = v
	}
	if v, ok := p.Get("Partitions"); ok {
		out.Partitions = v
	}
	if v, ok := p.Get("Timeout"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return d, invalidPlugin("Timeout="+v, "timeout is in milliseconds")
		}
		out.Timeout = types.NoTimeout
		if ms >= 0 {
			out.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return out, nil
}

// Enabled reports whether the entity cache is on
func (d DataCacheConfig) Enabled() bool {
	p, err := ParsePlugin(d.Plugin)
	return err == nil && p.Enabled()
}

// Partitioned reports whether the entity cache is partitioned
func (d DataCacheConfig) Partitioned() bool {
	p, err := ParsePlugin(d.Plugin)
	if err != nil {
		return false
	}
	if strings.EqualFold(p.Name, "partitioned") {
		return true
	}
	resolved, err := d.Resolve()
	return err == nil && strings.TrimSpace(resolved.Partitions) != ""
}

// Resolve applies the plugin string properties to a copy of the settings
func (q QueryCacheConfig) Resolve() (QueryCacheConfig, error) {
	p, err := ParsePlugin(q.Plugin)
	if err != nil {
		return q, err
	}
	out := q
	if out.CacheSize, err = p.Int("CacheSize", out.CacheSize); err != nil {
		return q, err
	}
	if out.SoftReferenceSize, err = p.Int("SoftReferenceSize", out.SoftReferenceSize); err != nil {
		return q, err
	}
	if v, ok := p.Get("EvictPolicy"); ok {
		out.EvictPolicy = v
	}
	if v, ok := p.Get("EvictionSchedule"); ok {
		out.EvictionSchedule = v
	}
	return out, nil
}

// Enabled reports whether the query cache is on
func (q QueryCacheConfig) Enabled() bool {
	p, err := ParsePlugin(q.Plugin)
	return err == nil && p.Enabled()
}
