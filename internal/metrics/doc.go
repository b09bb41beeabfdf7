/*
Package metrics exports cache activity to Prometheus.

A Collector owns its own registry. Entity and query caches are registered
once and read on every scrape, so lookups pay nothing beyond the statistics
they already keep:

	datacache_cache_requests_total{cache,type,result}
	datacache_cache_puts_total{cache,type}
	datacache_cache_entries{cache}
	datacache_query_cache_executions_total{cache}
	datacache_query_cache_hits_total{cache}
	datacache_query_cache_entries{cache}

Events with no statistics counterpart are pushed as they happen:

	datacache_cache_evictions_total{cache,reason}
	datacache_query_cache_invalidations_total{cache,type}
	datacache_commit_duration_seconds{status}
	datacache_remote_events_total{direction}
	datacache_errors_total{operation,code}

Request and put counters only move for caches with statistics enabled.

	collector, err := metrics.NewCollector(metrics.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	collector.RegisterEntityCache(entityCache)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

Start serves /metrics and /health on the configured port. Handler exposes
the same registry for embedding in an existing mux.
*/
package metrics
