package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BlobBackend stores opaque blobs by key. Read reports a missing blob with
// an ErrCodeCacheNotFound error.
type BlobBackend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// DurableConfig represents durable store configuration
type DurableConfig struct {
	// Backend is "file", "s3" or empty to disable the durable tier
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`

	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	Compression bool `yaml:"compression"`

	// ConsumeErrors logs I/O failures and degrades to a miss or no-op
	ConsumeErrors bool `yaml:"consume_errors"`

	// Parallelism bounds concurrent backend calls in bulk deletes
	Parallelism int `yaml:"parallelism"`

	// MaxValueSize skips persisting encoded values larger than this, e.g. "1MB"
	MaxValueSize string `yaml:"max_value_size"`
}

// DefaultDurableConfig returns the default durable configuration
func DefaultDurableConfig() DurableConfig {
	return DurableConfig{
		Directory:     filepath.Join(os.TempDir(), "datacache"),
		Compression:   true,
		ConsumeErrors: true,
		Parallelism:   8,
	}
}

// Enabled reports whether a durable tier is configured
func (c DurableConfig) Enabled() bool {
	return c.Backend != ""
}

type durableEnvelope[V any] struct {
	Key      string    `json:"key"`
	Value    V         `json:"value"`
	Written  time.Time `json:"written"`
	Checksum string    `json:"checksum"`
}

// DurableStore marshals values through a BlobBackend.
type DurableStore[V any] struct {
	name     string
	backend  BlobBackend
	config   DurableConfig
	maxValue int64
	logger   *utils.StructuredLogger
}

// NewDurableStore creates a durable store
func NewDurableStore[V any](name string, backend BlobBackend, config DurableConfig, logger *utils.StructuredLogger) *DurableStore[V] {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 8
	}
	d := &DurableStore[V]{
		name:    name,
		backend: backend,
		config:  config,
		logger:  logger.WithComponent("durable").WithField("cache", name),
	}
	if config.MaxValueSize != "" {
		n, err := utils.ParseBytes(config.MaxValueSize)
		if err != nil {
			d.logger.Warn("Ignoring invalid max value size", map[string]interface{}{"error": err.Error()})
		} else {
			d.maxValue = n
		}
	}
	return d
}

// Get loads a value. A missing blob is a miss, not an error.
func (d *DurableStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V

	data, err := d.backend.Read(ctx, key)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeCacheNotFound) {
			return zero, false, nil
		}
		return zero, false, d.fail("get", key, err)
	}

	env, err := d.decode(data)
	if err != nil {
		return zero, false, d.fail("get", key, err)
	}
	if env.Key != key {
		return zero, false, d.fail("get", key, fmt.Errorf("blob holds key %q", env.Key))
	}
	return env.Value, true, nil
}

// Put stores a value
func (d *DurableStore[V]) Put(ctx context.Context, key string, value V) error {
	data, err := d.encode(key, value)
	if err != nil {
		return d.fail("put", key, err)
	}
	if d.maxValue > 0 && int64(len(data)) > d.maxValue {
		d.logger.Debug("Value too large to persist", map[string]interface{}{
			"key":  key,
			"size": utils.FormatBytes(int64(len(data))),
		})
		// an older copy must not outlive the skipped write
		return d.Delete(ctx, key)
	}
	if err := d.backend.Write(ctx, key, data); err != nil {
		return d.fail("put", key, err)
	}
	return nil
}

// Delete removes a value
func (d *DurableStore[V]) Delete(ctx context.Context, key string) error {
	if err := d.backend.Delete(ctx, key); err != nil {
		return d.fail("delete", key, err)
	}
	return nil
}

// DeleteAll removes values concurrently
func (d *DurableStore[V]) DeleteAll(ctx context.Context, keys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Parallelism)
	for _, key := range keys {
		g.Go(func() error {
			return d.Delete(gctx, key)
		})
	}
	return g.Wait()
}

// Clear removes every value
func (d *DurableStore[V]) Clear(ctx context.Context) error {
	if err := d.backend.Clear(ctx); err != nil {
		return d.fail("clear", "", err)
	}
	return nil
}

// Close releases the backend
func (d *DurableStore[V]) Close() error {
	return d.backend.Close()
}

func (d *DurableStore[V]) fail(op, key string, err error) error {
	if d.config.ConsumeErrors {
		d.logger.Warn("durable cache operation failed", map[string]interface{}{
			"operation": op,
			"key":       key,
			"error":     err.Error(),
		})
		return nil
	}
	return errors.Wrap(err, errors.ErrCodeCacheIO, "durable cache operation failed").
		WithComponent("durable").
		WithOperation(op).
		WithContext("cache", d.name).
		WithContext("key", key)
}

func (d *DurableStore[V]) encode(key string, value V) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	env := durableEnvelope[jsoniter.RawMessage]{
		Key:      key,
		Value:    raw,
		Written:  time.Now(),
		Checksum: checksum(raw),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if !d.config.Compression {
		return payload, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DurableStore[V]) decode(data []byte) (*durableEnvelope[V], error) {
	payload := data
	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		if payload, err = io.ReadAll(zr); err != nil {
			return nil, err
		}
	}

	var raw durableEnvelope[jsoniter.RawMessage]
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheCorrupted, "malformed cache blob")
	}
	if checksum(raw.Value) != raw.Checksum {
		return nil, errors.NewError(errors.ErrCodeCacheCorrupted, "checksum mismatch for cached blob")
	}

	env := &durableEnvelope[V]{Key: raw.Key, Written: raw.Written, Checksum: raw.Checksum}
	if err := json.Unmarshal(raw.Value, &env.Value); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheCorrupted, "malformed cache value")
	}
	return env, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// FileBackend keeps one file per key in a directory.
type FileBackend struct {
	mu        sync.RWMutex
	directory string
}

// NewFileBackend creates the directory if needed
func NewFileBackend(directory string) (*FileBackend, error) {
	if directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "durable cache directory is required")
	}
	if err := os.MkdirAll(directory, 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheIO, "failed to create cache directory")
	}
	return &FileBackend{directory: directory}, nil
}

// Read implements BlobBackend
func (b *FileBackend) Read(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, errors.NewError(errors.ErrCodeCacheNotFound, "no cached blob").WithContext("key", key)
	}
	return data, err
}

// Write implements BlobBackend. The file is replaced atomically.
func (b *FileBackend) Write(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Delete implements BlobBackend
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear implements BlobBackend
func (b *FileBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.directory)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cache") {
			continue
		}
		if err := os.Remove(filepath.Join(b.directory, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close implements BlobBackend
func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) path(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(b.directory, fmt.Sprintf("%x.cache", hash[:16]))
}
