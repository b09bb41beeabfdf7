/*
Package cache provides the concurrent storage primitives behind the entity and
query result caches.

# Store

Store is a generic bounded map keyed by any comparable type. Values carry their
own expiry through the Expirable interface.

	┌──────────────────────────────┐
	│          hard region          │  CacheSize unpinned entries, LRU or random
	│   pinned entries (unbounded)  │
	└──────────────────────────────┘
	               │ victims
	┌──────────────────────────────┐
	│          soft region          │  SoftReferenceSize entries, LRU
	└──────────────────────────────┘
	               │ dropped (ReasonCapacity)

A read that finds an expired value removes it and reports ReasonExpired to the
expiration listeners. A soft hit is promoted back into the hard region.

Pinned keys never leave through capacity eviction. Pinning an absent key pins
whatever is put under it later; Remove and Clear keep pins.

Single key operations are atomic. WriteLock excludes every other caller for
the duration of a batch; the holder operates through Locked:

	store.WriteLock()
	defer store.WriteUnlock()
	l := store.Locked()
	for _, k := range deletes {
		l.Remove(k)
	}
	for k, v := range additions {
		l.Put(k, v)
	}

# Durable tier

DurableStore marshals values as checksummed JSON envelopes, optionally gzip
compressed, through a BlobBackend. FileBackend keeps one file per key; the
S3 backend lives in internal/storage/s3.

With ConsumeErrors set, backend and decoding failures are logged and surface as
a miss or a no-op. Without it they are returned as ErrCodeCacheIO errors.
*/
package cache
