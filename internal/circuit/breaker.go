// Package circuit stops calls to a remote dependency after repeated
// failures and lets a trial call through once a cool-down has passed.
package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/objectfs/datacache/pkg/errors"
)

// State represents the breaker state
type State = gobreaker.State

const (
	// StateClosed lets every call through
	StateClosed = gobreaker.StateClosed
	// StateHalfOpen lets a limited number of trial calls through
	StateHalfOpen = gobreaker.StateHalfOpen
	// StateOpen rejects calls until the open timeout has passed
	StateOpen = gobreaker.StateOpen
)

// ErrOpen is the cause of errors returned while the breaker rejects calls
var ErrOpen = stderr.New("circuit breaker is open")

// Config contains breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Zero disables the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests bounds the concurrent trial calls after the timeout
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Breaker guards a single dependency.
type Breaker struct {
	name   string
	config Config
	cb     *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	onChange func(name string, from, to State)
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config Config) *Breaker {
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 1
	}
	b := &Breaker{name: name, config: config}
	threshold := config.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.notify,
	})
	return b
}

// OnStateChange registers fn to run on every transition. fn runs with the
// breaker locked and must not call back into it.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) notify(name string, from, to State) {
	b.mu.RLock()
	fn := b.onChange
	b.mu.RUnlock()
	if fn != nil {
		fn(name, from, to)
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	return b.cb.State()
}

// Execute runs fn unless the breaker is open. Cancellation of ctx is not
// counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b.config.FailureThreshold == 0 {
		return fn(ctx)
	}
	var callErr error
	_, err := b.cb.Execute(func() (interface{}, error) {
		callErr = fn(ctx)
		if callErr != nil && ctx.Err() != nil {
			// the caller gave up; the dependency did not fail
			return nil, nil
		}
		return nil, callErr
	})
	if stderr.Is(err, gobreaker.ErrOpenState) || stderr.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(ErrOpen, errors.ErrCodeConnectionFailed, "remote calls suspended").
			WithComponent("circuit").
			WithContext("breaker", b.name).
			WithDetail("state", b.cb.State().String())
	}
	return callErr
}
