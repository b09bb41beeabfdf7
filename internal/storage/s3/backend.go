package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/utils"
)

// blobSuffix marks objects written by the backend; Clear deletes nothing else
const blobSuffix = ".cache"

// Backend stores durable cache blobs as S3 objects under a key prefix.
// Object names are derived from a hash of the cache key, so any key is a
// valid object name.
type Backend struct {
	client  *s3.Client
	bucket  string
	prefix  string
	class   s3types.StorageClass
	batch   int
	timeout time.Duration
	logger  *utils.StructuredLogger
	stats   *requestStats
}

// NewBackend creates an S3 backend and, unless disabled, checks that the
// bucket is reachable
func NewBackend(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	batch := cfg.DeleteBatchSize
	if batch <= 0 {
		batch = 1000
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	b := &Backend{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		class:   storageClass(cfg.StorageTier),
		batch:   batch,
		timeout: cfg.RequestTimeout,
		logger:  logger.WithComponent("s3").WithField("bucket", cfg.Bucket),
		stats:   newRequestStats(),
	}

	if !cfg.SkipHealthCheck {
		if err := b.HealthCheck(ctx); err != nil {
			return nil, err
		}
	}
	b.logger.Info("S3 durable backend ready", map[string]interface{}{
		"prefix":        prefix,
		"storage_class": string(b.class),
	})
	return b, nil
}

// objectKey maps a cache key to its object name
func (b *Backend) objectKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return b.prefix + hex.EncodeToString(hash[:16]) + blobSuffix
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// Read fetches the blob stored under key. A missing object is reported as
// ErrCodeCacheNotFound.
func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			b.stats.record("GetObject", start, nil)
			b.stats.misses.Inc()
			return nil, errors.NewError(errors.ErrCodeCacheNotFound, "object not found").
				WithComponent("s3").
				WithContext("key", key)
		}
		return nil, b.fail("GetObject", key, start, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, b.fail("GetObject", key, start, err)
	}
	b.stats.record("GetObject", start, nil)
	b.stats.downloaded.Add(int64(len(data)))
	return data, nil
}

// Write stores data under key
func (b *Backend) Write(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		StorageClass:  b.class,
	})
	if err != nil {
		return b.fail("PutObject", key, start, err)
	}
	b.stats.record("PutObject", start, nil)
	b.stats.uploaded.Add(int64(len(data)))
	return nil
}

// Delete removes the blob stored under key. Deleting a missing blob succeeds.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return b.fail("DeleteObject", key, start, err)
	}
	b.stats.record("DeleteObject", start, nil)
	return nil
}

// Clear deletes every blob under the backend's prefix. Objects that were
// not written by a backend are left alone.
func (b *Backend) Clear(ctx context.Context) error {
	start := time.Now()
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})

	var (
		batch   []s3types.ObjectIdentifier
		deleted int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return b.fail("DeleteObjects", b.prefix, start, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return b.fail("DeleteObjects", aws.ToString(first.Key), start,
				stderrors.New(aws.ToString(first.Code)+": "+aws.ToString(first.Message)))
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return b.fail("ListObjectsV2", b.prefix, start, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, blobSuffix) {
				continue
			}
			batch = append(batch, s3types.ObjectIdentifier{Key: aws.String(key)})
			if len(batch) == b.batch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	b.stats.record("Clear", start, nil)
	b.logger.Debug("Cleared durable blobs", map[string]interface{}{"deleted": deleted})
	return nil
}

// HealthCheck verifies that the bucket is reachable
func (b *Backend) HealthCheck(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return b.fail("HeadBucket", "", start, err)
	}
	b.stats.record("HeadBucket", start, nil)
	return nil
}

// Stats returns a snapshot of the requests made so far
func (b *Backend) Stats() BackendStats {
	return b.stats.snapshot()
}

// Close releases the backend. The SDK client holds no resources that need
// explicit cleanup.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) fail(operation, key string, start time.Time, err error) error {
	b.stats.record(operation, start, err)
	b.logger.Debug("S3 request failed", map[string]interface{}{
		"operation": operation,
		"key":       key,
		"error":     err.Error(),
	})
	return b.translateError(err, operation, key)
}

func (b *Backend) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "bucket not found").
			WithComponent("s3").
			WithContext("bucket", b.bucket)
	default:
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, operation+" failed").
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key)
	}
}

func isNotFound(err error) bool {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
