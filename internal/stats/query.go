package stats

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
)

// MaxTrackedQueries bounds each per-query table.
const MaxTrackedQueries = 1000

type queryRow struct {
	executions atomic.Int64
	hits       atomic.Int64
	evictions  atomic.Int64
}

// QueryCounts is a snapshot of query cache counters.
type QueryCounts struct {
	Executions int64 `json:"executions"`
	Hits       int64 `json:"hits"`
	Evictions  int64 `json:"evictions"`
}

func (r *queryRow) snapshot() QueryCounts {
	return QueryCounts{
		Executions: r.executions.Load(),
		Hits:       r.hits.Load(),
		Evictions:  r.evictions.Load(),
	}
}

type queryWindow[K comparable] struct {
	agg   queryRow
	table *lru.Cache[K, *queryRow]
}

func newQueryWindow[K comparable](size int) *queryWindow[K] {
	table, _ := lru.New[K, *queryRow](size)
	return &queryWindow[K]{table: table}
}

func (w *queryWindow[K]) row(key K) *queryRow {
	if r, ok := w.table.Get(key); ok {
		return r
	}
	r := &queryRow{}
	if prev, ok, _ := w.table.PeekOrAdd(key, r); ok {
		return prev
	}
	return r
}

// QueryStatistics counts query executions, hits and evictions overall and
// per query key. Per-key tables hold at most MaxTrackedQueries keys; the
// least recently touched key is dropped first, so per-key counts are
// approximate under churn.
type QueryStatistics[K comparable] struct {
	mu      sync.RWMutex
	size    int
	current *queryWindow[K]
	total   *queryWindow[K]
	since   time.Time
	start   time.Time
}

// NewQueryStatistics creates query statistics
func NewQueryStatistics[K comparable]() *QueryStatistics[K] {
	return newQueryStatistics[K](MaxTrackedQueries)
}

func newQueryStatistics[K comparable](size int) *QueryStatistics[K] {
	now := time.Now()
	return &QueryStatistics[K]{
		size:    size,
		current: newQueryWindow[K](size),
		total:   newQueryWindow[K](size),
		since:   now,
		start:   now,
	}
}

// RecordExecution records a lookup of key
func (s *QueryStatistics[K]) RecordExecution(key K) {
	s.each(key, func(r *queryRow) { r.executions.Inc() })
}

// RecordHit records a hit for key
func (s *QueryStatistics[K]) RecordHit(key K) {
	s.each(key, func(r *queryRow) { r.hits.Inc() })
}

// RecordEviction records that key was evicted
func (s *QueryStatistics[K]) RecordEviction(key K) {
	s.each(key, func(r *queryRow) { r.evictions.Inc() })
}

func (s *QueryStatistics[K]) each(key K, fn func(r *queryRow)) {
	s.mu.RLock()
	cur, tot := s.current, s.total
	s.mu.RUnlock()

	fn(&cur.agg)
	fn(&tot.agg)
	fn(cur.row(key))
	fn(tot.row(key))
}

// Current returns aggregate counts since the last reset
func (s *QueryStatistics[K]) Current() QueryCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.agg.snapshot()
}

// Total returns aggregate counts since start
func (s *QueryStatistics[K]) Total() QueryCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total.agg.snapshot()
}

// CurrentFor returns the counts of key since the last reset
func (s *QueryStatistics[K]) CurrentFor(key K) QueryCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.current.table.Peek(key); ok {
		return r.snapshot()
	}
	return QueryCounts{}
}

// TotalFor returns the counts of key since start
func (s *QueryStatistics[K]) TotalFor(key K) QueryCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.total.table.Peek(key); ok {
		return r.snapshot()
	}
	return QueryCounts{}
}

// Keys returns the keys tracked since the last reset
func (s *QueryStatistics[K]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.table.Keys()
}

// Since returns the time of the last reset
func (s *QueryStatistics[K]) Since() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

// Start returns the time collection started or was last cleared
func (s *QueryStatistics[K]) Start() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.start
}

// Reset clears the counts since the last reset
func (s *QueryStatistics[K]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = newQueryWindow[K](s.size)
	s.since = time.Now()
}

// Clear clears every count
func (s *QueryStatistics[K]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = newQueryWindow[K](s.size)
	s.total = newQueryWindow[K](s.size)
	s.start = time.Now()
	s.since = s.start
}
