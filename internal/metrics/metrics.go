// Package metrics holds the Prometheus collectors for the sync pipeline.
//
// Collectors register with the default registry on import and are served by
// `ytsync metrics serve` or `ytsync sync run --serve-metrics`. Pipeline packages
// update them directly or through the Record helpers below.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics

	// RunsTotal counts finished runs by terminal outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytsync_runs_total",
			Help: "Total number of sync runs by outcome",
		},
		[]string{"outcome"},
	)

	// RunDuration tracks wall time from throttle check to report.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ytsync_run_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// ThrottleRejectionsTotal counts runs refused by the throttle guard.
	ThrottleRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ytsync_throttle_rejections_total",
			Help: "Total number of runs rejected by the throttle policy",
		},
	)

	// Admission metrics

	AdmissionWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ytsync_admission_wait_seconds",
			Help:    "Time spent queued before the admission slot was acquired",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 180},
		},
	)

	AdmissionBypassTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ytsync_admission_bypass_total",
			Help: "Total number of runs light enough to skip the admission queue",
		},
	)

	AdmissionJitterTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ytsync_admission_jitter_total",
			Help: "Total number of contention delays applied while queued",
		},
	)

	AdmissionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ytsync_admission_timeouts_total",
			Help: "Total number of admission waits that hit their deadline",
		},
	)

	// Fetch metrics

	// FetchResultsTotal counts per-target fetch outcomes by status.
	FetchResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytsync_fetch_results_total",
			Help: "Total number of target fetches by status",
		},
		[]string{"status"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ytsync_fetch_duration_seconds",
			Help:    "Duration of a single target fetch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ytsync_fetch_in_flight",
			Help: "Number of target fetches currently in flight",
		},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ytsync_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Commit metrics

	CommittedItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ytsync_committed_items_total",
			Help: "Total number of videos upserted by committed batches",
		},
	)

	CommitBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytsync_commit_batches_total",
			Help: "Total number of commit batches by result",
		},
		[]string{"result"},
	)
)

// RecordRun records a finished run.
func RecordRun(outcome string, duration time.Duration) {
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDuration.Observe(duration.Seconds())
}

// RecordFetch records one target fetch.
func RecordFetch(status string, duration time.Duration) {
	FetchResultsTotal.WithLabelValues(status).Inc()
	FetchDuration.Observe(duration.Seconds())
}

// RecordBatch records one commit batch of size items.
func RecordBatch(items int, err error) {
	if err != nil {
		CommitBatchesTotal.WithLabelValues("failed").Inc()
		return
	}
	CommitBatchesTotal.WithLabelValues("committed").Inc()
	CommittedItemsTotal.Add(float64(items))
}
