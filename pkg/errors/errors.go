// Package errors provides coded errors for the data cache. Every error
// carries a code from a fixed table that decides its category, whether it
// is worth retrying and what an operator can do about it.
package errors

import (
	stderr "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode identifies a kind of failure
type ErrorCode string

const (
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidSchedule  ErrorCode = "INVALID_SCHEDULE"
	ErrCodeInvalidPartition ErrorCode = "INVALID_PARTITION"
	ErrCodeInvalidPlugin    ErrorCode = "INVALID_PLUGIN"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	ErrCodeCacheIO        ErrorCode = "CACHE_IO"
	ErrCodeCacheCorrupted ErrorCode = "CACHE_CORRUPTED"
	ErrCodeCacheNotFound  ErrorCode = "CACHE_NOT_FOUND"

	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by the part of the system that failed
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

type codeInfo struct {
	category   ErrorCategory
	retryable  bool
	userFacing bool
	hint       string
}

var codes = map[ErrorCode]codeInfo{
	ErrCodeInvalidConfig: {category: CategoryConfiguration, userFacing: true,
		hint: "Check the plugin strings and required settings in the configuration file."},
	ErrCodeInvalidSchedule: {category: CategoryConfiguration, userFacing: true,
		hint: "Eviction schedules take five cron fields (minute hour day month weekday) or +N for every N minutes."},
	ErrCodeInvalidPartition: {category: CategoryConfiguration, userFacing: true,
		hint: "Partition names must be unique and non-empty and must not be 'default'."},
	ErrCodeInvalidPlugin: {category: CategoryConfiguration, userFacing: true,
		hint: "Plugin strings look like name(Key=value,Key='quoted value')."},
	ErrCodeConfigValidation: {category: CategoryConfiguration, userFacing: true},
	ErrCodeConfigLoad: {category: CategoryConfiguration, userFacing: true,
		hint: "Check that the configuration file exists and is valid YAML."},
	ErrCodeConfigSave: {category: CategoryConfiguration},

	ErrCodeConnectionFailed: {category: CategoryConnection, retryable: true,
		hint: "Verify the remote commit provider or bucket is reachable."},
	ErrCodeConnectionTimeout: {category: CategoryConnection, retryable: true},
	ErrCodeNetworkError:      {category: CategoryConnection, retryable: true},

	ErrCodeCacheIO: {category: CategoryStorage,
		hint: "Check the permissions of the durable cache directory or bucket."},
	ErrCodeCacheCorrupted: {category: CategoryStorage},
	ErrCodeCacheNotFound:  {category: CategoryStorage},

	ErrCodeInvalidState: {category: CategoryState},

	ErrCodeOperationCanceled: {category: CategoryOperation},
	ErrCodeOperationFailed:   {category: CategoryOperation},
	ErrCodeRetryExhausted:    {category: CategoryOperation},

	ErrCodeInternalError: {category: CategoryInternal},
}

// CacheError is an error with a code and the context it happened in.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
}

// NewError creates an error whose flags come from the code table
func NewError(code ErrorCode, message string) *CacheError {
	info, ok := codes[code]
	if !ok {
		info.category = CategoryInternal
	}
	return &CacheError{
		Code:       code,
		Category:   info.category,
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  info.retryable,
		UserFacing: info.userFacing,
	}
}

// Newf creates an error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error caused by cause
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error implements the error interface. Context keys are printed sorted.
func (e *CacheError) Error() string {
	var b strings.Builder
	switch {
	case e.Component != "" && e.Operation != "":
		fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Operation)
	case e.Component != "":
		fmt.Fprintf(&b, "[%s] ", e.Component)
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the cause
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CacheError with the same code
func (e *CacheError) Is(target error) bool {
	if ce, ok := target.(*CacheError); ok {
		return e.Code == ce.Code
	}
	return false
}

// Hint returns what an operator can do about the error, or "" when the
// code has no advice.
func (e *CacheError) Hint() string {
	return codes[e.Code].hint
}

// WithContext adds a key/value pair printed with the error
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail attaches a structured value for logs
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithCause sets the cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// CategoryOf returns the category of a code
func CategoryOf(code ErrorCode) ErrorCategory {
	if info, ok := codes[code]; ok {
		return info.category
	}
	return CategoryInternal
}

// As returns the outermost CacheError in err's chain
func As(err error) (*CacheError, bool) {
	var ce *CacheError
	if stderr.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether err is, or wraps, a CacheError with the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*CacheError); ok && ce.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
