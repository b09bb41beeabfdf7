package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("takes flags from the code table", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if !err.UserFacing {
			t.Error("configuration errors should be user-facing")
		}
		if err.Retryable {
			t.Error("configuration errors should not be retryable")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("connection errors are retryable", func(t *testing.T) {
		for _, code := range []ErrorCode{ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeNetworkError} {
			if !NewError(code, "down").Retryable {
				t.Errorf("%s should be retryable", code)
			}
		}
		if NewError(ErrCodeInvalidSchedule, "bad").Retryable {
			t.Error("InvalidSchedule should not be retryable")
		}
	})

	t.Run("unknown codes are internal", func(t *testing.T) {
		err := NewError(ErrorCode("SOMETHING_NEW"), "huh")
		if err.Category != CategoryInternal || err.Retryable || err.UserFacing {
			t.Errorf("unexpected flags %+v", err)
		}
	})
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeInvalidSchedule, CategoryConfiguration},
		{ErrCodeInvalidPartition, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeConnectionFailed, CategoryConnection},
		{ErrCodeCacheIO, CategoryStorage},
		{ErrCodeCacheNotFound, CategoryStorage},
		{ErrCodeInvalidState, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("NOPE"), CategoryInternal},
	}
	for _, tt := range tests {
		if got := CategoryOf(tt.code); got != tt.want {
			t.Errorf("CategoryOf(%v) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCacheErrorFormatting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *CacheError
		want string
	}{
		{
			name: "code only",
			err:  NewError(ErrCodeCacheIO, "read failed"),
			want: "CACHE_IO: read failed",
		},
		{
			name: "with component",
			err:  NewError(ErrCodeCacheIO, "read failed").WithComponent("durable"),
			want: "[durable] CACHE_IO: read failed",
		},
		{
			name: "with component and operation",
			err:  NewError(ErrCodeCacheIO, "read failed").WithComponent("durable").WithOperation("get"),
			want: "[durable:get] CACHE_IO: read failed",
		},
		{
			name: "with context",
			err:  NewError(ErrCodeInvalidPartition, "duplicate").WithContext("partition", "a").WithContext("cache", "main"),
			want: "INVALID_PARTITION: duplicate (cache=main, partition=a)",
		},
		{
			name: "with cause",
			err:  Wrap(fmt.Errorf("disk gone"), ErrCodeCacheIO, "read failed"),
			want: "CACHE_IO: read failed: disk gone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsIsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying")
	err := Wrap(cause, ErrCodeCacheIO, "write failed")
	wrapped := fmt.Errorf("outer: %w", err)

	if !errors.Is(wrapped, NewError(ErrCodeCacheIO, "")) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(wrapped, NewError(ErrCodeInvalidConfig, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if !HasCode(wrapped, ErrCodeCacheIO) {
		t.Error("HasCode should find CACHE_IO")
	}
	if HasCode(cause, ErrCodeCacheIO) {
		t.Error("HasCode should not match a plain error")
	}

	ce, ok := As(wrapped)
	if !ok || ce.Code != ErrCodeCacheIO {
		t.Error("As should extract the CacheError")
	}
	if _, ok := As(cause); ok {
		t.Error("As should not match a plain error")
	}
}

func TestBuilders(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeInvalidPartition, "duplicate partition").
		WithContext("partition", "a").
		WithDetail("count", 2)

	if err.Context["partition"] != "a" {
		t.Errorf("Context[partition] = %q, want a", err.Context["partition"])
	}
	if err.Details["count"] != 2 {
		t.Errorf("Details[count] = %v, want 2", err.Details["count"])
	}
	if err.Hint() == "" {
		t.Error("expected a hint for INVALID_PARTITION")
	}
	if NewError(ErrCodeInternalError, "x").Hint() != "" {
		t.Error("internal errors carry no hint")
	}
}
