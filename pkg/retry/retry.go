// Package retry reruns transport calls that fail with a retryable cache
// error, backing off exponentially between attempts.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/objectfs/datacache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts counts the first call
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to 20% either way
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors are retried even when the error is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer runs calls under a Config
type Retryer struct {
	config  Config
	onRetry func(attempt int, err error, delay time.Duration)
}

// New creates a Retryer. Unset fields take their defaults.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = max(def.MaxDelay, config.InitialDelay)
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config}
}

// OnRetry registers fn to run before each retry and returns r
func (r *Retryer) OnRetry(fn func(attempt int, err error, delay time.Duration)) *Retryer {
	r.onRetry = fn
	return r
}

// Retryable reports whether err is worth another attempt
func (r *Retryer) Retryable(err error) bool {
	var ce *errors.CacheError
	if !stderr.As(err, &ce) {
		return false
	}
	if ce.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if ce.Code == code {
			return true
		}
	}
	return false
}

// DoWithContext calls fn until it succeeds, fails with an error that is not
// retryable, runs out of attempts or ctx is done.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, "canceled before first attempt")
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !r.Retryable(err) {
			return err
		}
		if attempt >= r.config.MaxAttempts {
			return errors.Wrap(err, errors.ErrCodeRetryExhausted,
				fmt.Sprintf("gave up after %d attempts", attempt))
		}

		wait := r.backoff(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, err, wait)
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled,
				fmt.Sprintf("canceled after %d attempts", attempt))
		case <-timer.C:
		}
	}
}

// backoff returns the wait after the given failed attempt
func (r *Retryer) backoff(attempt int) time.Duration {
	d := float64(r.config.InitialDelay)
	for i := 1; i < attempt && d < float64(r.config.MaxDelay); i++ {
		d *= r.config.Multiplier
	}
	d = min(d, float64(r.config.MaxDelay))
	if r.config.Jitter {
		d *= 0.8 + 0.4*rand.Float64()
	}
	return time.Duration(d)
}
