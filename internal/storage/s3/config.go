package s3

import (
	"time"

	"github.com/objectfs/datacache/pkg/errors"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DeleteBatchSize bounds the keys sent in one DeleteObjects call
	DeleteBatchSize int `yaml:"delete_batch_size"`

	// StorageTier is the storage class cache blobs are written with
	StorageTier string `yaml:"storage_tier"`

	// SkipHealthCheck skips probing the bucket when the backend is created
	SkipHealthCheck bool `yaml:"skip_health_check"`
}

// NewDefaultConfig returns the default S3 configuration
func NewDefaultConfig() *Config {
	return &Config{
		Region:          "us-east-1",
		MaxRetries:      3,
		RequestTimeout:  30 * time.Second,
		DeleteBatchSize: 1000,
		StorageTier:     TierStandard,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return invalidConfig("bucket name cannot be empty")
	}
	if c.DeleteBatchSize < 0 || c.DeleteBatchSize > 1000 {
		return invalidConfig("delete batch size must not exceed 1000")
	}
	if c.StorageTier != "" {
		if _, ok := StorageTiers[c.StorageTier]; !ok {
			return invalidConfig("unknown storage tier " + c.StorageTier)
		}
		if !StorageTiers[c.StorageTier].Instant {
			return invalidConfig("storage tier " + c.StorageTier + " cannot serve cache reads")
		}
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return invalidConfig("access key id and secret access key must be set together")
	}
	return nil
}

func invalidConfig(msg string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent("s3")
}
