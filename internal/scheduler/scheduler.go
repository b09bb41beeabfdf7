package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/utils"
)

// Clearable is anything the scheduler can empty. Implementations are used as
// map keys and must be comparable, which every pointer type is.
type Clearable interface {
	Clear()
}

// Config represents scheduler configuration
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() *Config {
	return &Config{Interval: time.Minute}
}

type entry struct {
	name     string
	target   Clearable
	schedule *Schedule
}

// Scheduler polls registered schedules and clears their targets when a
// schedule matches a minute since the previous poll. The poll goroutine starts
// with the first registration and stops once nothing is registered.
type Scheduler struct {
	mu       sync.Mutex
	entries  map[Clearable]*entry
	interval time.Duration
	logger   *utils.StructuredLogger
	now      func() time.Time

	running bool
	lastRun time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a scheduler
func New(config *Config, logger *utils.StructuredLogger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Scheduler{
		entries:  make(map[Clearable]*entry),
		interval: interval,
		logger:   logger.WithComponent("scheduler"),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Interval returns the poll interval
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Schedule registers target to be cleared on spec, replacing any earlier
// schedule for it. An invalid spec is returned as ErrCodeInvalidSchedule and
// leaves the registration unchanged.
func (s *Scheduler) Schedule(name string, target Clearable, spec string) error {
	if target == nil {
		return errors.NewError(errors.ErrCodeInvalidSchedule, "nil clear target").
			WithComponent("scheduler").
			WithOperation("schedule")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched, err := ParseSchedule(spec, s.now())
	if err != nil {
		return err
	}
	s.entries[target] = &entry{name: name, target: target, schedule: sched}
	s.logger.Info("Eviction scheduled", map[string]interface{}{
		"cache":    name,
		"schedule": sched.String(),
	})

	if !s.running {
		s.startLocked()
	}
	return nil
}

// Remove unregisters target
func (s *Scheduler) Remove(target Clearable) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[target]
	if !ok {
		return
	}
	delete(s.entries, target)
	s.logger.Debug("Eviction schedule removed", map[string]interface{}{"cache": e.name})

	if len(s.entries) == 0 {
		s.stopLocked()
	}
}

// Scheduled returns the registered cache names with their schedules
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.entries))
	for _, e := range s.entries {
		out[e.name] = e.schedule.String()
	}
	return out
}

// Running reports whether the poll goroutine is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts polling and waits for the poll goroutine to exit. It must not
// be called from a Clear implementation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	done := s.doneCh
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Scheduler) startLocked() {
	s.running = true
	s.lastRun = s.now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
}

func (s *Scheduler) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.safePoll(stop) {
				return
			}
		}
	}
}

// safePoll runs one poll. A panic marks the scheduler stopped so the next
// registration starts a fresh goroutine.
func (s *Scheduler) safePoll(stop <-chan struct{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Eviction scheduler stopped after panic", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
			s.mu.Lock()
			if s.stopCh == stop {
				s.running = false
			}
			s.mu.Unlock()
			ok = false
		}
	}()

	s.poll()
	return true
}

// poll clears every target whose schedule matches (lastRun, now].
func (s *Scheduler) poll() {
	s.mu.Lock()
	now := s.now()
	last := s.lastRun
	s.lastRun = now
	due := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.schedule.Matches(last, now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].name < due[j].name })
	for _, e := range due {
		s.logger.Info("Clearing cache on schedule", map[string]interface{}{
			"cache":    e.name,
			"schedule": e.schedule.String(),
		})
		e.target.Clear()
	}
}
