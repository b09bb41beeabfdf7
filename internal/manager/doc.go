/*
Package manager assembles the caches of one persistence unit from a
config.Configuration.

A Manager owns the system entity cache, which may be partitioned, and the
query cache. It also owns the distribution policy, the cacheability rules,
the eviction scheduler, the remote commit event manager and the metrics
collector.

# Routing

SelectCache decides where an instance is cached. Cacheability is checked
first, and a type that is not cacheable never reaches the distribution
policy. The policy then names a cache. An empty name or "default" is the
root cache. Any other name must be a partition, or the instance is not
cached:

	m, err := manager.New(cfg, repo)
	if err != nil {
		return err
	}
	defer m.Close()

	if c := m.SelectCache(meta, instance); c != nil {
		c.Put(data)
	}

# Commits

Begin and Commit drive the StoreCoordinator. A commit updates the entity
caches, invalidates the query cache and, when a remote provider is
configured, publishes the change to the other nodes.
*/
package manager
