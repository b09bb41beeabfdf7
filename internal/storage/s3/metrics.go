package s3

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// OperationStats counts the requests made for one S3 API operation
type OperationStats struct {
	Requests     int64         `json:"requests"`
	Errors       int64         `json:"errors"`
	TotalLatency time.Duration `json:"total_latency"`
}

// MeanLatency returns the average request latency
func (o OperationStats) MeanLatency() time.Duration {
	if o.Requests == 0 {
		return 0
	}
	return o.TotalLatency / time.Duration(o.Requests)
}

// BackendStats is a snapshot of the requests a backend has made
type BackendStats struct {
	Operations      map[string]OperationStats `json:"operations"`
	Misses          int64                     `json:"misses"`
	BytesUploaded   int64                     `json:"bytes_uploaded"`
	BytesDownloaded int64                     `json:"bytes_downloaded"`
	LastError       string                    `json:"last_error,omitempty"`
	LastErrorTime   time.Time                 `json:"last_error_time,omitempty"`
}

// Requests returns the request count summed over operations
func (s BackendStats) Requests() int64 {
	var n int64
	for _, op := range s.Operations {
		n += op.Requests
	}
	return n
}

// Errors returns the error count summed over operations
func (s BackendStats) Errors() int64 {
	var n int64
	for _, op := range s.Operations {
		n += op.Errors
	}
	return n
}

type opCounters struct {
	requests atomic.Int64
	errors   atomic.Int64
	latency  atomic.Duration
}

// requestStats is updated on every request; counters are lock free and only
// the operation table and last error take the mutex.
type requestStats struct {
	misses     atomic.Int64
	uploaded   atomic.Int64
	downloaded atomic.Int64

	mu        sync.RWMutex
	ops       map[string]*opCounters
	lastError string
	lastTime  time.Time
}

func newRequestStats() *requestStats {
	return &requestStats{ops: make(map[string]*opCounters)}
}

func (s *requestStats) op(name string) *opCounters {
	s.mu.RLock()
	c, ok := s.ops[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.ops[name]; !ok {
		c = &opCounters{}
		s.ops[name] = c
	}
	return c
}

func (s *requestStats) record(operation string, since time.Time, err error) {
	c := s.op(operation)
	c.requests.Inc()
	c.latency.Add(time.Since(since))
	if err == nil {
		return
	}
	c.errors.Inc()

	s.mu.Lock()
	s.lastError = err.Error()
	s.lastTime = time.Now()
	s.mu.Unlock()
}

func (s *requestStats) snapshot() BackendStats {
	out := BackendStats{
		Operations:      make(map[string]OperationStats),
		Misses:          s.misses.Load(),
		BytesUploaded:   s.uploaded.Load(),
		BytesDownloaded: s.downloaded.Load(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, c := range s.ops {
		out.Operations[name] = OperationStats{
			Requests:     c.requests.Load(),
			Errors:       c.errors.Load(),
			TotalLatency: c.latency.Load(),
		}
	}
	out.LastError = s.lastError
	out.LastErrorTime = s.lastTime
	return out
}
