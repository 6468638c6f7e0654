// Package metrics provides Prometheus metrics for extraction runs: HTTP
// traffic against the source, per-entity record counts, sink write volume,
// cache effectiveness, and error recovery activity.
//
// Metrics register themselves on the default registry at import time and
// are served by the observability package's metrics endpoint.
//
// # Basic Usage
//
//	metrics.RecordsExtracted.WithLabelValues("orders").Add(500)
//
//	timer := metrics.NewTimer("flush")
//	sink.WriteBatch(ctx, entity, batch)
//	metrics.BatchFlushDuration.WithLabelValues("s3").Observe(timer.Stop().Seconds())
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts requests against the source API.
	// Labels: entity, status (the numeric HTTP status, or "error" for
	// transport failures that never produced a response).
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_http_requests_total",
			Help: "Total HTTP requests issued against the source API",
		},
		[]string{"entity", "status"},
	)

	// HTTPRequestDuration tracks source API latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_http_request_duration_seconds",
			Help:    "Source API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity"},
	)

	// PagesFetched counts pages pulled per entity.
	// Labels: entity, strategy (incremental/full_table).
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_pages_fetched_total",
			Help: "Total pages fetched per entity",
		},
		[]string{"entity", "strategy"},
	)

	// RecordsExtracted counts records that survived normalization.
	RecordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_records_extracted_total",
			Help: "Total records extracted per entity",
		},
		[]string{"entity"},
	)

	// RecordsSkipped counts records dropped by recovery policy
	// (malformed rows skipped instead of failing the entity).
	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_records_skipped_total",
			Help: "Total records skipped due to validation failures",
		},
		[]string{"entity"},
	)

	// RecordsWritten counts records delivered to the sink.
	// Labels: entity, sink, status (success/failure).
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_records_written_total",
			Help: "Total records written to the sink",
		},
		[]string{"entity", "sink", "status"},
	)

	// BytesWritten counts payload bytes handed to the sink, for sinks
	// that can measure it (files, object stores, message brokers).
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_bytes_written_total",
			Help: "Total bytes written to the sink",
		},
		[]string{"sink"},
	)

	// BatchFlushDuration tracks sink flush latency in seconds.
	BatchFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_batch_flush_duration_seconds",
			Help:    "Sink batch flush latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// EntitiesDiscovered reports how many entities the catalog exposed
	// after include/exclude filtering.
	EntitiesDiscovered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inlet_entities_discovered",
			Help: "Entities selected for extraction after filtering",
		},
	)

	// ExtractionDuration tracks wall time per entity in seconds.
	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_entity_extraction_duration_seconds",
			Help:    "Per-entity extraction duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"entity", "strategy"},
	)

	// CacheHits and CacheMisses expose discovery cache effectiveness.
	// They are snapshot gauges set from cache statistics at the end of
	// a run; the cache itself stays free of metric dependencies.
	CacheHits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inlet_cache_hits",
			Help: "Cache hits per namespace",
		},
		[]string{"namespace"},
	)

	CacheMisses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inlet_cache_misses",
			Help: "Cache misses per namespace",
		},
		[]string{"namespace"},
	)

	// RecoveryEvents counts classified failures and the action taken.
	// Labels: class (network/rate_limit/auth/server/data_validation/
	// config/unknown), action (retry/skip/escalate/abort).
	RecoveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_recovery_events_total",
			Help: "Classified failures by error class and recovery action",
		},
		[]string{"class", "action"},
	)

	// BreakerState reports circuit breaker state per error class:
	// 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inlet_circuit_breaker_state",
			Help: "Circuit breaker state per error class (0 closed, 1 open, 2 half-open)",
		},
		[]string{"class"},
	)

	// RetryBudgetRemaining reports how many retries are left per class
	// for the current run.
	RetryBudgetRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inlet_retry_budget_remaining",
			Help: "Remaining retry budget per error class",
		},
		[]string{"class"},
	)

	// BookmarkLag reports how far behind now the saved bookmark is,
	// in seconds, for entities with time-typed replication keys.
	BookmarkLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inlet_bookmark_lag_seconds",
			Help: "Age of the incremental bookmark in seconds",
		},
		[]string{"entity"},
	)

	// StateSaves counts successful state file writes.
	StateSaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inlet_state_saves_total",
			Help: "Total successful state persistence operations",
		},
	)

	// Throughput reports the most recent records-per-second figure per
	// entity/sink pair.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inlet_throughput_records_per_second",
			Help: "Current extraction throughput in records per second",
		},
		[]string{"entity", "sink"},
	)
)

// Timer measures the duration of a single operation.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer starts timing immediately. The name is for identification in
// logs; it is not a metric label.
func NewTimer(name string) *Timer {
	return &Timer{start: time.Now(), name: name}
}

// Stop returns the elapsed duration since the timer was created. Calling
// it again returns the new total.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker accumulates record counts and converts them to a
// records-per-second gauge on demand. Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	entity    string
	sink      string
}

// NewThroughputTracker creates a tracker labeled with the entity and sink
// it measures.
func NewThroughputTracker(entity, sink string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		entity:    entity,
		sink:      sink,
	}
}

// Increment adds n to the record count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset computes records/second since the last reset, publishes it
// to the Throughput gauge, resets the window, and returns the value.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.entity, t.sink).Set(throughput)
	return throughput
}
