package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/objectfs/datacache/internal/stats"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/health"
)

type fakeEntityCache struct {
	name  string
	n     int
	stats *stats.CacheStatistics
}

func (f *fakeEntityCache) Name() string                       { return f.name }
func (f *fakeEntityCache) Len() int                           { return f.n }
func (f *fakeEntityCache) Statistics() *stats.CacheStatistics { return f.stats }

type fakeQueryCache struct {
	name  string
	n     int
	stats *stats.QueryStatistics[string]
}

func (f *fakeQueryCache) Name() string                               { return f.name }
func (f *fakeQueryCache) Count() int                                 { return f.n }
func (f *fakeQueryCache) Statistics() *stats.QueryStatistics[string] { return f.stats }

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return collector
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9464 {
			t.Errorf("default port = %d, want 9464", collector.config.Port)
		}
		if collector.config.Namespace != "datacache" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "datacache")
		}
		if collector.Registry() == nil {
			t.Error("enabled collector has no registry")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}

		// none of these may panic
		collector.RecordEviction("default", "capacity")
		collector.RecordInvalidation("default", "Person")
		collector.RecordCommit(time.Millisecond, nil)
		collector.RecordRemoteEvent("sent")
		collector.RecordError("commit", errors.NewError(errors.ErrCodeCacheIO, "boom"))
		if err := collector.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector error = %v", err)
		}
	})
}

func TestScrapeReadsRegisteredCaches(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	entityStats := stats.NewCacheStatistics()
	entityStats.Enable()
	entityStats.RecordRead("Person", true)
	entityStats.RecordRead("Person", true)
	entityStats.RecordRead("Person", false)
	entityStats.RecordWrite("Person")
	collector.RegisterEntityCache(&fakeEntityCache{name: "default", n: 7, stats: entityStats})

	queryStats := stats.NewQueryStatistics[string]()
	queryStats.RecordExecution("q1")
	queryStats.RecordExecution("q1")
	queryStats.RecordHit("q1")
	collector.RegisterQueryCache(&fakeQueryCache{name: "default", n: 1, stats: queryStats})

	expected := `
# HELP test_cache_entries Entries currently held by an entity cache
# TYPE test_cache_entries gauge
test_cache_entries{cache="default"} 7
# HELP test_cache_puts_total Entity cache writes
# TYPE test_cache_puts_total counter
test_cache_puts_total{cache="default",type="Person"} 1
# HELP test_cache_requests_total Entity cache lookups by result
# TYPE test_cache_requests_total counter
test_cache_requests_total{cache="default",result="hit",type="Person"} 2
test_cache_requests_total{cache="default",result="miss",type="Person"} 1
# HELP test_query_cache_executions_total Queries run against a query cache
# TYPE test_query_cache_executions_total counter
test_query_cache_executions_total{cache="default"} 2
# HELP test_query_cache_hits_total Queries answered from a query cache
# TYPE test_query_cache_hits_total counter
test_query_cache_hits_total{cache="default"} 1
`
	err := testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected),
		"test_cache_entries", "test_cache_puts_total", "test_cache_requests_total",
		"test_query_cache_executions_total", "test_query_cache_hits_total")
	if err != nil {
		t.Error(err)
	}
}

func TestPushedCounters(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.RecordEviction("default", "capacity")
	collector.RecordEviction("default", "capacity")
	collector.RecordEviction("default", "expired")
	if got := testutil.ToFloat64(collector.evictionCounter.WithLabelValues("default", "capacity")); got != 2 {
		t.Errorf("capacity evictions = %v, want 2", got)
	}

	collector.RecordInvalidation("default", "Person", "Address")
	if got := testutil.CollectAndCount(collector.invalidationCounter); got != 2 {
		t.Errorf("invalidation series = %d, want 2", got)
	}

	collector.RecordRemoteEvent("received")
	if got := testutil.ToFloat64(collector.remoteCounter.WithLabelValues("received")); got != 1 {
		t.Errorf("received events = %v, want 1", got)
	}

	collector.RecordCommit(2*time.Millisecond, nil)
	collector.RecordCommit(time.Millisecond, errors.NewError(errors.ErrCodeCacheIO, "disk full"))
	if got := testutil.CollectAndCount(collector.commitDuration); got != 2 {
		t.Errorf("commit duration series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(collector.errorCounter.WithLabelValues("commit", string(errors.ErrCodeCacheIO))); got != 1 {
		t.Errorf("commit errors = %v, want 1", got)
	}

	collector.RecordError("publish", context.DeadlineExceeded)
	if got := testutil.ToFloat64(collector.errorCounter.WithLabelValues("publish", "timeout")); got != 1 {
		t.Errorf("publish timeouts = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)
	collector.RecordEviction("billing", "expired")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_cache_evictions_total{cache="billing",reason="expired"} 1`) {
		t.Errorf("eviction series missing from output:\n%s", rec.Body.String())
	}

	disabled, _ := NewCollector(&Config{Enabled: false}, nil)
	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled status = %d, want 404", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	rec := httptest.NewRecorder()
	collector.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestHealthHandler_ReportsTracker(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)
	tracker := health.NewTracker(health.Config{ErrorThreshold: 1, UnavailableThreshold: 2})
	tracker.Register("remote")
	collector.SetHealth(tracker)

	tracker.RecordError("remote", errors.NewError(errors.ErrCodeConnectionFailed, "refused"))
	rec := httptest.NewRecorder()
	collector.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("degraded status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"status":"degraded"`) || !strings.Contains(body, `"name":"remote"`) {
		t.Errorf("unexpected body %q", body)
	}

	tracker.RecordError("remote", nil)
	rec = httptest.NewRecorder()
	collector.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unavailable status = %d, want 503", rec.Code)
	}
}
