package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueryOutcome captures how a proximity query was answered.
type QueryOutcome string

const (
	// QueryHit indicates the result came from the cache.
	QueryHit QueryOutcome = "hit"
	// QueryMiss indicates the data source was consulted and the result stored.
	QueryMiss QueryOutcome = "miss"
	// QueryError indicates the data source failed and nothing was cached.
	QueryError QueryOutcome = "error"
)

// DataSourceResult captures the result of a data source call.
type DataSourceResult string

const (
	// DataSourceOK indicates candidates were returned.
	DataSourceOK DataSourceResult = "ok"
	// DataSourceError indicates the call failed.
	DataSourceError DataSourceResult = "error"
)

// Recorder publishes Prometheus metrics for the proximity cache.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	queries      *prometheus.CounterVec
	queryLatency *prometheus.HistogramVec

	dataSourceLatency *prometheus.HistogramVec

	evictions     prometheus.Counter
	invalidations *prometheus.CounterVec
	entries       prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearcache",
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "Total proximity queries answered by the engine.",
	}, []string{"outcome"})

	queryLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nearcache",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Latency distribution for proximity queries.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"outcome"})

	dataSourceLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nearcache",
		Subsystem: "datasource",
		Name:      "duration_seconds",
		Help:      "Latency distribution for candidate lookups against the data source.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"result"})

	evictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nearcache",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Result sets removed because the cache reached capacity.",
	})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearcache",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Result sets removed by entity mutation events.",
	}, []string{"source"})

	entries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearcache",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Result sets currently held, expired ones included.",
	})

	reg.MustRegister(queries, queryLatency, dataSourceLatency, evictions, invalidations, entries)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		queries:           queries,
		queryLatency:      queryLatency,
		dataSourceLatency: dataSourceLatency,
		evictions:         evictions,
		invalidations:     invalidations,
		entries:           entries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveQuery records the outcome and latency of a completed proximity query.
func (r *Recorder) ObserveQuery(outcome QueryOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(QueryMiss)
	}
	r.queries.WithLabelValues(label).Inc()
	r.queryLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveDataSource records the latency of a data source call.
func (r *Recorder) ObserveDataSource(result DataSourceResult, duration time.Duration) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(DataSourceError)
	}
	r.dataSourceLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveEvictions adds n capacity evictions.
func (r *Recorder) ObserveEvictions(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.evictions.Add(float64(n))
}

// ObserveInvalidation adds the number of result sets dropped by a mutation
// event delivered through source (for example "http" or "redis").
func (r *Recorder) ObserveInvalidation(source string, removed int) {
	if r == nil || removed < 0 {
		return
	}
	r.invalidations.WithLabelValues(normalizeLabel(source)).Add(float64(removed))
}

// SetEntries publishes the current number of held result sets.
func (r *Recorder) SetEntries(n int) {
	if r == nil {
		return
	}
	r.entries.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
