package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveQuery(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveQuery(QueryHit, 2*time.Millisecond)
	rec.ObserveQuery(QueryMiss, 250*time.Millisecond)
	rec.ObserveQuery(QueryMiss, 250*time.Millisecond)

	families := gather(t, rec, "nearcache_query_requests_total", "nearcache_query_duration_seconds")

	hits := findMetric(t, families["nearcache_query_requests_total"], map[string]string{"outcome": "hit"})
	if got := hits.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected hit counter 1, got %v", got)
	}
	misses := findMetric(t, families["nearcache_query_requests_total"], map[string]string{"outcome": "miss"})
	if got := misses.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected miss counter 2, got %v", got)
	}

	histMetric := findMetric(t, families["nearcache_query_duration_seconds"], map[string]string{"outcome": "miss"})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for query latency")
	}
	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected histogram count 2, got %d", hist.GetSampleCount())
	}
	want := 0.5
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheActivity(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveDataSource(DataSourceError, 5*time.Millisecond)
	rec.ObserveEvictions(3)
	rec.ObserveEvictions(0)
	rec.ObserveInvalidation("redis", 2)
	rec.ObserveInvalidation("", 1)
	rec.SetEntries(42)

	families := gather(t, rec,
		"nearcache_datasource_duration_seconds",
		"nearcache_cache_evictions_total",
		"nearcache_cache_invalidations_total",
		"nearcache_cache_entries",
	)

	ds := findMetric(t, families["nearcache_datasource_duration_seconds"], map[string]string{"result": "error"})
	if ds.GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one data source sample, got %d", ds.GetHistogram().GetSampleCount())
	}
	evictions := findMetric(t, families["nearcache_cache_evictions_total"], nil)
	if got := evictions.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}
	redis := findMetric(t, families["nearcache_cache_invalidations_total"], map[string]string{"source": "redis"})
	if got := redis.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 redis invalidations, got %v", got)
	}
	unknown := findMetric(t, families["nearcache_cache_invalidations_total"], map[string]string{"source": "unknown"})
	if got := unknown.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 unlabeled invalidation, got %v", got)
	}
	entries := findMetric(t, families["nearcache_cache_entries"], nil)
	if got := entries.GetGauge().GetValue(); got != 42 {
		t.Fatalf("expected gauge 42, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveQuery(QueryHit, time.Millisecond)
	rec.ObserveDataSource(DataSourceOK, time.Millisecond)
	rec.ObserveEvictions(1)
	rec.ObserveInvalidation("http", 1)
	rec.SetEntries(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
