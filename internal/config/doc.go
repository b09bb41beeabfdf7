/*
Package config loads, validates and resolves cache configuration.

Settings come from three sources, later ones winning:

	defaults (NewDefault)  →  YAML file (LoadFromFile)  →  DATACACHE_* environment (LoadFromEnv)

# Plugin strings

The data and query cache sections each carry a plugin string in the
name(key=value,...) form. The name selects the implementation and the
properties override the plain YAML fields when the section is resolved:

	true                         enabled with the section's settings
	false | none                 disabled
	lru(CacheSize=500)           LRU store with 500 unpinned entries
	concurrent(Timeout=60000)    random eviction, one minute timeout
	partitioned(PartitionType=lru,Partitions='(name=a,cacheSize=100),(name=b)')

Timeout properties are milliseconds; a negative value means entries never
expire. Values holding commas or parentheses must be single quoted.

# File format

	global:
	  log_level: INFO

	data_cache:
	  plugin: lru(CacheSize=5000)
	  timeout: 10m
	  eviction_schedule: "0 3 * * *"
	  excluded_types: [AuditLog]
	  type_timeouts:
	    Address: 30s
	  durable:
	    backend: s3
	    bucket: my-cache-bucket
	    max_value_size: 1MB

	query_cache:
	  evict_policy: timestamp

	remote:
	  provider: redis
	  redis_url: redis://localhost:6379/0

# Environment

	DATACACHE_LOG_LEVEL=DEBUG
	DATACACHE_DATA_CACHE="lru(CacheSize=100)"
	DATACACHE_TIMEOUT=90s
	DATACACHE_QUERY_EVICT_POLICY=timestamp
	DATACACHE_REMOTE_PROVIDER=redis
	DATACACHE_REDIS_URL=redis://cache:6379/0

Malformed numbers and durations in the environment are errors rather than
silently ignored. Validate checks the merged result, including eviction
schedules and partition lists, and reports ErrCodeConfigValidation.
*/
package config
