// Package metrics registers the Prometheus instruments shared by all
// pipeline workers. One Metrics value is created per process and handed to
// the runtime and the stage processor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for a pipeline worker.
type Metrics struct {
	ProcessedTotal  *prometheus.CounterVec // labels: stage
	FailedTotal     *prometheus.CounterVec // labels: stage, class
	DeadLetterTotal *prometheus.CounterVec // labels: stage
	RetriesTotal    *prometheus.CounterVec // labels: stage

	E2ELatency *prometheus.HistogramVec // labels: stage; event_time → emit
	ProcessDur *prometheus.HistogramVec // labels: stage
	FlushDur   prometheus.Histogram     // analytical batch flush latency
	PublishDur prometheus.Histogram     // bus publish latency

	QueueDepth     *prometheus.GaugeVec // labels: queue
	OpenWindows    prometheus.Gauge
	WatermarkDelay prometheus.Gauge     // wall clock minus current watermark
	ConsumerPaused prometheus.Gauge     // 1 while backpressure has polling paused

	DedupSuppressed prometheus.Counter
	LateTicks       prometheus.Counter
	BarRevisions    prometheus.Counter

	RefCacheHits   *prometheus.CounterVec // labels: layer (local|shared|store)
	RefCacheMisses *prometheus.CounterVec // labels: layer
	RefQuarantined prometheus.Counter

	CacheBreakerState prometheus.Gauge // 0=closed 1=open 2=half-open
	BufferedWrites    prometheus.Counter
	PELReclaimed      prometheus.Counter

	ReconcileDrift  prometheus.Counter
	ReconcileChecks prometheus.Counter
}

// New registers and returns all metrics on reg. Pass a fresh registry in
// tests to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_processed_total",
			Help: "Messages processed successfully, by stage",
		}, []string{"stage"}),
		FailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_failed_total",
			Help: "Messages that failed processing, by stage and error class",
		}, []string{"stage", "class"}),
		DeadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_deadletter_total",
			Help: "Messages written to the dead-letter topic, by stage",
		}, []string{"stage"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_retries_total",
			Help: "In-place message retries, by stage",
		}, []string{"stage"}),
		E2ELatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refinery_e2e_latency_seconds",
			Help:    "Event-time to emit latency, by stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		ProcessDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refinery_process_duration_seconds",
			Help:    "Processor callback latency, by stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		FlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refinery_analytic_flush_duration_seconds",
			Help:    "Analytical store batch flush latency",
			Buckets: prometheus.DefBuckets,
		}),
		PublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refinery_publish_duration_seconds",
			Help:    "Bus publish (pipeline exec) latency",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refinery_queue_depth",
			Help: "Current depth of internal queues",
		}, []string{"queue"}),
		OpenWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refinery_open_windows",
			Help: "Aggregation windows currently open",
		}),
		WatermarkDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refinery_watermark_delay_seconds",
			Help: "Wall clock minus current watermark",
		}),
		ConsumerPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refinery_consumer_paused",
			Help: "1 while backpressure has consumer polling paused",
		}),
		DedupSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_dedup_suppressed_total",
			Help: "Duplicate ticks suppressed by the normalizer dedup window",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_late_ticks_total",
			Help: "Ticks behind the watermark",
		}),
		BarRevisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_bar_revisions_total",
			Help: "Closed bars recomputed for late arrivals",
		}),
		RefCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_refcache_hits_total",
			Help: "Reference lookups served, by cache layer",
		}, []string{"layer"}),
		RefCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_refcache_misses_total",
			Help: "Reference lookup misses, by cache layer",
		}, []string{"layer"}),
		RefQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_ref_quarantined_total",
			Help: "Reference keys quarantined after repeated transient errors",
		}),
		CacheBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refinery_cache_breaker_state",
			Help: "Hot-cache circuit breaker state (0=closed 1=open 2=half-open)",
		}),
		BufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_cache_buffered_writes_total",
			Help: "Cache writes buffered while the breaker was open",
		}),
		PELReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_pel_reclaimed_total",
			Help: "Stale pending-entry-list messages reclaimed from dead consumers",
		}),
		ReconcileDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_reconcile_drift_total",
			Help: "Projection keys repaired by the reconciliation sweep",
		}),
		ReconcileChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_reconcile_checks_total",
			Help: "Projection keys sampled by the reconciliation sweep",
		}),
	}

	reg.MustRegister(
		m.ProcessedTotal, m.FailedTotal, m.DeadLetterTotal, m.RetriesTotal,
		m.E2ELatency, m.ProcessDur, m.FlushDur, m.PublishDur,
		m.QueueDepth, m.OpenWindows, m.WatermarkDelay, m.ConsumerPaused,
		m.DedupSuppressed, m.LateTicks, m.BarRevisions,
		m.RefCacheHits, m.RefCacheMisses, m.RefQuarantined,
		m.CacheBreakerState, m.BufferedWrites, m.PELReclaimed,
		m.ReconcileDrift, m.ReconcileChecks,
	)
	return m
}
