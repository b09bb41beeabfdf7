/*
Package querycache caches query results as lists of object ids or detached
projection rows.

A QueryKey is only built for queries whose result can be reused safely: a
concrete managed candidate type, a known access path, no array projections,
parameters that can be copied, and no access path type dirty in the current
unit of work. Executor wires the pieces together:

	key ok, not read-locked ──► Cache.Get ──hit──► ListProvider(CachedList)
	        │                        │
	        │                       miss
	        ▼                        ▼
	   delegate provider ◄──── CachingProvider ──all rows seen──► Cache.Put

Invalidation follows the cache's EvictPolicy. EvictDefault removes every
result whose access path intersects the changed types. EvictTimestamp records
the change time per type and drops results materialised no later than that
time when they are next read.
*/
package querycache
