package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/datacache/pkg/errors"
)

func fastRetryer() *Retryer {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return New(config)
}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{InitialDelay: 5 * time.Second})
	assert.Equal(t, 4, r.config.MaxAttempts)
	assert.Equal(t, 5*time.Second, r.config.MaxDelay, "max delay never below the initial delay")
	assert.Equal(t, 2.0, r.config.Multiplier)
}

func TestRetryer_Success(t *testing.T) {
	attempts := 0
	err := fastRetryer().DoWithContext(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_RetryableError(t *testing.T) {
	attempts := 0
	err := fastRetryer().DoWithContext(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionFailed, "redis down")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_NotRetried(t *testing.T) {
	plain := stderr.New("plain")
	tests := []struct {
		name string
		err  error
	}{
		{name: "non-retryable code", err: errors.NewError(errors.ErrCodeInvalidConfig, "bad config")},
		{name: "plain error", err: plain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := fastRetryer().DoWithContext(context.Background(), func(context.Context) error {
				attempts++
				return tt.err
			})
			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestRetryer_ExtraRetryableCodes(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 2
	config.InitialDelay = time.Millisecond
	config.RetryableErrors = []errors.ErrorCode{errors.ErrCodeCacheIO}
	r := New(config)

	io := errors.NewError(errors.ErrCodeCacheIO, "disk busy")
	io.Retryable = false
	assert.True(t, r.Retryable(io))
	assert.False(t, fastRetryer().Retryable(io))
}

func TestRetryer_Exhausted(t *testing.T) {
	var retries []int
	r := fastRetryer().OnRetry(func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	})

	err := r.DoWithContext(context.Background(), func(context.Context) error {
		return errors.NewError(errors.ErrCodeNetworkError, "flaky")
	})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRetryExhausted))
	assert.True(t, errors.HasCode(err, errors.ErrCodeNetworkError))
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetryer_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := fastRetryer().DoWithContext(ctx, func(context.Context) error {
		attempts++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
	assert.Equal(t, 0, attempts)
}

func TestRetryer_CanceledWhileWaiting(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = time.Hour
	r := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := r.DoWithContext(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeConnectionTimeout, "slow")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestBackoff(t *testing.T) {
	r := New(Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     30 * time.Millisecond,
		Multiplier:   2,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 30 * time.Millisecond},
		{4, 30 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	r.config.Jitter = true
	for i := 0; i < 20; i++ {
		d := r.backoff(2)
		assert.GreaterOrEqual(t, d, 16*time.Millisecond)
		assert.LessOrEqual(t, d, 24*time.Millisecond)
	}
}
