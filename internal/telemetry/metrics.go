package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_events_discovered_total", Help: "Events newly persisted by discovery"})
	JobsScheduled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_scheduled_total", Help: "Timers armed for jobs"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_retried_total", Help: "Job attempts that failed and will retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_failed_total", Help: "Jobs that exhausted retries or failed permanently"})
	DeadLetter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_dead_letter_total", Help: "Failed jobs pushed to the dead-letter list"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_cache_hits_total", Help: "Upstream reads served from fresh cache"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_cache_misses_total", Help: "Upstream reads that went to the network"})
	StaleFallbacks   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_stale_fallbacks_total", Help: "Upstream failures answered from stale cache"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_rate_limit_rejects_total", Help: "Upstream calls rejected by the rate limiter"})
	LimiterErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_rate_limiter_errors_total", Help: "Upstream calls let through because the rate limiter failed"})
	StoreBusyRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_store_busy_retries_total", Help: "Store operations retried after lock contention"})
	RecoveredPanics  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_recovered_panics_total", Help: "Panics recovered in timer or worker code"})
	ActiveTimers     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatcher_active_timers", Help: "Jobs currently tracked by the scheduler"})
	BreakerState     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dispatcher_breaker_state", Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)"}, []string{"breaker"})
	HeapMB           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatcher_heap_alloc_mb", Help: "Heap allocation at the last memory sample"})
	LeakSuspected    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatcher_leak_suspected", Help: "1 when the memory monitor suspects a leak"})
	JobDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatcher_job_duration_seconds", Help: "Wall time of a single job attempt", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsDiscovered,
			JobsScheduled,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			DeadLetter,
			CacheHits,
			CacheMisses,
			StaleFallbacks,
			RateLimitRejects,
			LimiterErrors,
			StoreBusyRetries,
			RecoveredPanics,
			ActiveTimers,
			BreakerState,
			HeapMB,
			LeakSuspected,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
