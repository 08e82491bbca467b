// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TokenRefreshesSucceeded *prometheus.CounterVec
	TokenRefreshesFailed    *prometheus.CounterVec
	TokenDedupJoins         *prometheus.CounterVec
	TokenStaleEvictions     prometheus.Counter
	SyncJobsEnqueued        *prometheus.CounterVec
	SyncJobsSucceeded       *prometheus.CounterVec
	SyncJobsFailed          *prometheus.CounterVec
	SyncWorkerCycles        prometheus.Counter

	// Histograms (seconds)
	TokenRefreshDuration prometheus.Observer
	SyncJobDuration      prometheus.Observer

	// Gauges
	SyncQueueDepthGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenRefreshesSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "adsync_token_refreshes_succeeded_total", Help: "Number of provider token refreshes that succeeded"}, []string{"provider"})
		TokenRefreshesFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "adsync_token_refreshes_failed_total", Help: "Number of provider token refreshes that failed"}, []string{"provider"})
		TokenDedupJoins = promauto.NewCounterVec(prometheus.CounterOpts{Name: "adsync_token_dedup_joins_total", Help: "Number of callers that joined an in-flight refresh instead of starting one"}, []string{"provider"})
		TokenStaleEvictions = promauto.NewCounter(prometheus.CounterOpts{Name: "adsync_token_stale_evictions_total", Help: "Number of orphaned in-flight refresh entries evicted after TTL"})
		SyncJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{Name: "adsync_sync_jobs_enqueued_total", Help: "Number of sync jobs enqueued"}, []string{"provider"})
		SyncJobsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "adsync_sync_jobs_succeeded_total", Help: "Number of sync jobs completed successfully"}, []string{"provider"})
		SyncJobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "adsync_sync_jobs_failed_total", Help: "Number of sync jobs that failed"}, []string{"provider"})
		SyncWorkerCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "adsync_sync_worker_cycles_total", Help: "Number of sync worker claim cycles"})
		TokenRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "adsync_token_refresh_duration_seconds", Help: "Provider token refresh duration seconds", Buckets: prometheus.DefBuckets})
		SyncJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "adsync_sync_job_duration_seconds", Help: "Sync job processing duration seconds", Buckets: prometheus.DefBuckets})
		SyncQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "adsync_sync_queue_depth", Help: "Current number of queued sync jobs"})
	})
}

// ObserveTokenRefresh records one refresh outcome. Safe before Init.
func ObserveTokenRefresh(provider string, ok bool, d time.Duration) {
	if TokenRefreshDuration != nil {
		TokenRefreshDuration.Observe(d.Seconds())
	}
	if ok {
		if TokenRefreshesSucceeded != nil {
			TokenRefreshesSucceeded.WithLabelValues(provider).Inc()
		}
	} else if TokenRefreshesFailed != nil {
		TokenRefreshesFailed.WithLabelValues(provider).Inc()
	}
}

// IncTokenDedupJoin counts a caller joining an in-flight refresh. Safe before Init.
func IncTokenDedupJoin(provider string) {
	if TokenDedupJoins != nil {
		TokenDedupJoins.WithLabelValues(provider).Inc()
	}
}

// IncTokenStaleEviction counts a TTL eviction. Safe before Init.
func IncTokenStaleEviction() {
	if TokenStaleEvictions != nil {
		TokenStaleEvictions.Inc()
	}
}

// IncSyncJobEnqueued counts an enqueue. Safe before Init.
func IncSyncJobEnqueued(provider string) {
	if SyncJobsEnqueued != nil {
		SyncJobsEnqueued.WithLabelValues(provider).Inc()
	}
}

// IncSyncWorkerCycle counts one worker claim cycle. Safe before Init.
func IncSyncWorkerCycle() {
	if SyncWorkerCycles != nil {
		SyncWorkerCycles.Inc()
	}
}

// ObserveSyncJob records one processed job outcome. Safe before Init.
func ObserveSyncJob(provider string, ok bool, d time.Duration) {
	if SyncJobDuration != nil {
		SyncJobDuration.Observe(d.Seconds())
	}
	if ok {
		if SyncJobsSucceeded != nil {
			SyncJobsSucceeded.WithLabelValues(provider).Inc()
		}
	} else if SyncJobsFailed != nil {
		SyncJobsFailed.WithLabelValues(provider).Inc()
	}
}

// SetQueueDepth records the current queued job count. Safe before Init.
func SetQueueDepth(n int) {
	if SyncQueueDepthGauge != nil {
		SyncQueueDepthGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
