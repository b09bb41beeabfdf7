/*
Package s3 provides an S3 blob backend for the durable cache tier.

Backend implements cache.BlobBackend. Each cache key is hashed into an
object name under the configured prefix, so keys with arbitrary characters
map to valid object names and every blob ends in ".cache":

	s3://bucket/<prefix>/<32 hex chars>.cache

Clear lists the prefix and removes only those blobs, in DeleteObjects
batches of at most DeleteBatchSize keys.

Credentials follow the default AWS chain unless an access key pair is set
in Config. Endpoint and ForcePathStyle point the client at S3 compatible
stores such as MinIO:

	backend, err := s3.NewBackend(ctx, &s3.Config{
		Bucket:         "app-cache",
		Prefix:         "entities",
		Region:         "us-east-1",
		Endpoint:       "http://localhost:9000",
		ForcePathStyle: true,
	}, logger)
	if err != nil {
		return err
	}
	store := cache.NewDurableStore[*datacache.PCData]("default", backend, durableCfg, logger)

# Errors

A missing object is reported as ErrCodeCacheNotFound, which the durable
store treats as a miss. A missing bucket is ErrCodeInvalidConfig and every
other failure is ErrCodeConnectionFailed.

# Storage Tiers

StorageTier selects the storage class blobs are written with. Tiers that
need a restore before GET, such as GLACIER and DEEP_ARCHIVE, are rejected
because a cache read cannot wait for one.
*/
package s3
