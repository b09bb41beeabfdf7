package stats

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Counts is a snapshot of entity cache counters.
type Counts struct {
	Reads     int64 `json:"reads"`
	Hits      int64 `json:"hits"`
	Writes    int64 `json:"writes"`
	Evictions int64 `json:"evictions"`
}

// HitRatio returns hits over reads, zero when nothing was read
func (c Counts) HitRatio() float64 {
	if c.Reads == 0 {
		return 0
	}
	return float64(c.Hits) / float64(c.Reads)
}

type counters struct {
	reads     atomic.Int64
	hits      atomic.Int64
	writes    atomic.Int64
	evictions atomic.Int64
}

func (c *counters) snapshot() Counts {
	return Counts{
		Reads:     c.reads.Load(),
		Hits:      c.hits.Load(),
		Writes:    c.writes.Load(),
		Evictions: c.evictions.Load(),
	}
}

type window struct {
	agg     counters
	perType sync.Map // string -> *counters
}

func (w *window) forType(typeName string) *counters {
	if c, ok := w.perType.Load(typeName); ok {
		return c.(*counters)
	}
	c, _ := w.perType.LoadOrStore(typeName, &counters{})
	return c.(*counters)
}

// CacheStatistics counts entity cache reads, hits, writes and evictions per
// type and in aggregate, both since the last reset and since start. It is
// disabled until Enable is called.
type CacheStatistics struct {
	enabled atomic.Bool

	mu      sync.RWMutex
	current *window
	total   *window
	since   time.Time
	start   time.Time
}

// NewCacheStatistics creates disabled statistics
func NewCacheStatistics() *CacheStatistics {
	now := time.Now()
	return &CacheStatistics{
		current: &window{},
		total:   &window{},
		since:   now,
		start:   now,
	}
}

// Enable starts collecting
func (s *CacheStatistics) Enable() { s.enabled.Store(true) }

// Disable stops collecting; counts are kept
func (s *CacheStatistics) Disable() { s.enabled.Store(false) }

// Enabled reports whether counters are collected
func (s *CacheStatistics) Enabled() bool { return s.enabled.Load() }

// RecordRead records a lookup of typeName
func (s *CacheStatistics) RecordRead(typeName string, hit bool) {
	if !s.enabled.Load() {
		return
	}
	s.each(typeName, func(c *counters) {
		c.reads.Inc()
		if hit {
			c.hits.Inc()
		}
	})
}

// RecordWrite records a put of typeName
func (s *CacheStatistics) RecordWrite(typeName string) {
	if !s.enabled.Load() {
		return
	}
	s.each(typeName, func(c *counters) { c.writes.Inc() })
}

// RecordEviction records an entry of typeName leaving the cache
func (s *CacheStatistics) RecordEviction(typeName string) {
	if !s.enabled.Load() {
		return
	}
	s.each(typeName, func(c *counters) { c.evictions.Inc() })
}

func (s *CacheStatistics) each(typeName string, fn func(c *counters)) {
	s.mu.RLock()
	cur, tot := s.current, s.total
	s.mu.RUnlock()

	fn(&cur.agg)
	fn(&tot.agg)
	if typeName != "" {
		fn(cur.forType(typeName))
		fn(tot.forType(typeName))
	}
}

// Current returns aggregate counts since the last reset
func (s *CacheStatistics) Current() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.agg.snapshot()
}

// Total returns aggregate counts since start
func (s *CacheStatistics) Total() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total.agg.snapshot()
}

// CurrentFor returns counts of typeName since the last reset
func (s *CacheStatistics) CurrentFor(typeName string) Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.current.perType.Load(typeName); ok {
		return c.(*counters).snapshot()
	}
	return Counts{}
}

// TotalFor returns counts of typeName since start
func (s *CacheStatistics) TotalFor(typeName string) Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.total.perType.Load(typeName); ok {
		return c.(*counters).snapshot()
	}
	return Counts{}
}

// Types returns the type names seen since start
func (s *CacheStatistics) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	s.total.perType.Range(func(k, _ interface{}) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Since returns the time of the last reset
func (s *CacheStatistics) Since() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

// Start returns the time collection started or was last cleared
func (s *CacheStatistics) Start() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.start
}

// Reset clears the counts since the last reset
func (s *CacheStatistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &window{}
	s.since = time.Now()
}

// Clear clears every count
func (s *CacheStatistics) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &window{}
	s.total = &window{}
	s.start = time.Now()
	s.since = s.start
}
