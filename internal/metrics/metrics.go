// Package metrics exposes Prometheus collectors for the job-processing runtime.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCompletedTotal *prometheus.CounterVec
	jobsFailedTotal    *prometheus.CounterVec
	jobsRetriedTotal   *prometheus.CounterVec
	jobsInFlight       *prometheus.GaugeVec
	jobDurationSeconds *prometheus.HistogramVec
	crawlStagesTotal   *prometheus.CounterVec
	assetBytesTotal    *prometheus.CounterVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		jobsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkhoard_jobs_completed_total",
				Help: "Total jobs completed successfully, labeled by queue.",
			},
			[]string{"queue"},
		)

		jobsFailedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkhoard_jobs_failed_total",
				Help: "Total jobs that failed permanently, labeled by queue.",
			},
			[]string{"queue"},
		)

		jobsRetriedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkhoard_jobs_retried_total",
				Help: "Total job executions that were requeued for retry, labeled by queue.",
			},
			[]string{"queue"},
		)

		jobsInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "linkhoard_jobs_in_flight",
				Help: "Jobs currently executing, labeled by queue.",
			},
			[]string{"queue"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkhoard_job_duration_seconds",
				Help:    "Histogram of job execution latencies, labeled by queue.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"queue"},
		)

		crawlStagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkhoard_crawl_stages_total",
				Help: "Crawl pipeline stage outcomes, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		assetBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkhoard_asset_bytes_total",
				Help: "Total bytes written to the asset store, labeled by asset type.",
			},
			[]string{"asset_type"},
		)
	})
}

// JobCompleted increments the completion counter for a queue.
func JobCompleted(queue string) {
	if jobsCompletedTotal != nil {
		jobsCompletedTotal.WithLabelValues(queue).Inc()
	}
}

// JobFailed increments the permanent-failure counter for a queue.
func JobFailed(queue string) {
	if jobsFailedTotal != nil {
		jobsFailedTotal.WithLabelValues(queue).Inc()
	}
}

// JobRetried increments the retry counter for a queue.
func JobRetried(queue string) {
	if jobsRetriedTotal != nil {
		jobsRetriedTotal.WithLabelValues(queue).Inc()
	}
}

// JobStarted marks a job as in flight and returns a done func that records
// its duration and decrements the gauge.
func JobStarted(queue string) func() {
	if jobsInFlight == nil {
		return func() {}
	}
	jobsInFlight.WithLabelValues(queue).Inc()
	start := time.Now()
	return func() {
		jobsInFlight.WithLabelValues(queue).Dec()
		jobDurationSeconds.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	}
}

// CrawlStage records a pipeline stage outcome.
func CrawlStage(stage, result string) {
	if crawlStagesTotal != nil {
		crawlStagesTotal.WithLabelValues(stage, result).Inc()
	}
}

// AssetBytes records bytes written to the asset store.
func AssetBytes(assetType string, n int64) {
	if assetBytesTotal != nil && n > 0 {
		assetBytesTotal.WithLabelValues(assetType).Add(float64(n))
	}
}
