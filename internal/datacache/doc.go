/*
Package datacache implements the entity cache: a map from object id to the
cached state of one persistent instance (PCData).

Values never leave the cache by reference. Put stores a copy and Get
returns one, so callers change cached state only through Put, Update or a
committed unit of work.

	tx commit ──► StoreCoordinator ──► Selector ──► DataCache.Batch
	                    │                              │
	                    └── commit listeners          deletes, adds,
	                        (query cache, remote)     updates (version safe)

PartitionedCache adds named regions routed by PCData.CacheName. The
distribution policy and CacheabilityRules decide which region, if any, an
instance belongs to.
*/
package datacache
