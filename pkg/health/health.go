// Package health tracks the health of the components a cache node depends
// on, such as the remote commit transport, from the outcome of their calls.
package health

import (
	"sort"
	"sync"
	"time"
)

// State represents the health of a component or of the whole node
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates calls are failing but the caches still serve
	// local reads and writes
	StateDegraded

	// StateUnavailable indicates the component has stopped working
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	LastStateChange      time.Time `json:"last_state_change"`
	ConsecutiveErrors    int       `json:"consecutive_errors"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastError            string    `json:"last_error,omitempty"`
}

// Config configures the thresholds between states
type Config struct {
	// ErrorThreshold is the number of consecutive errors before a component
	// is degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before a
	// component is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes that returns
	// a component to healthy
	RecoveryThreshold int `yaml:"recovery_threshold"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
	}
}

// StateChangeCallback is called when a component's state changes
type StateChangeCallback func(component string, from, to State, err error)

// Tracker tracks components and derives the node's overall health.
type Tracker struct {
	mu         sync.RWMutex
	config     Config
	components map[string]*ComponentHealth
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = def.RecoveryThreshold
	}
	return &Tracker{
		config:     config,
		components: make(map[string]*ComponentHealth),
		now:        time.Now,
	}
}

// Register starts tracking a healthy component. Registering twice is a no-op.
func (t *Tracker) Register(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.component(component)
}

// OnStateChange adds a callback run after every transition
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// RecordSuccess records a successful call
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	c := t.component(component)
	c.ConsecutiveErrors = 0
	c.ConsecutiveSuccesses++
	from := c.State
	if from != StateHealthy && c.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transition(c, StateHealthy)
	}
	t.mu.Unlock()

	t.notify(component, from, StateHealthy, nil)
}

// RecordError records a failed call
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	c := t.component(component)
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveErrors++
	if err != nil {
		c.LastError = err.Error()
	}
	from := c.State
	to := from
	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		to = StateUnavailable
	case c.ConsecutiveErrors >= t.config.ErrorThreshold && from == StateHealthy:
		to = StateDegraded
	}
	t.transition(c, to)
	t.mu.Unlock()

	t.notify(component, from, to, err)
}

// State returns the state of a component. Unknown components are healthy.
func (t *Tracker) State(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.components[component]; ok {
		return c.State
	}
	return StateHealthy
}

// Overall returns the worst state across all components
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// Components returns snapshots of all components ordered by name
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) component(name string) *ComponentHealth {
	c, ok := t.components[name]
	if !ok {
		c = &ComponentHealth{Name: name, State: StateHealthy, LastStateChange: t.now()}
		t.components[name] = c
	}
	return c
}

func (t *Tracker) transition(c *ComponentHealth, to State) {
	if c.State == to {
		return
	}
	c.State = to
	c.LastStateChange = t.now()
}

func (t *Tracker) notify(component string, from, to State, err error) {
	if from == to || t.State(component) != to {
		return
	}
	t.mu.RLock()
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.RUnlock()
	for _, cb := range callbacks {
		cb(component, from, to, err)
	}
}
