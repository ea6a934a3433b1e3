// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// Short-lived sync runs cannot be scraped, so metrics are registered on a
// private registry and pushed to a gateway on Flush(). The gateway keeps the
// last pushed value per (job, instance) grouping; counters therefore reflect
// the most recent run rather than a lifetime total, which is the useful view
// for a batch job.
package prompush

import (
	"fmt"
	"strconv"
	"time"

	"studentsync/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend implements metrics.Backend against a Pushgateway.
type Backend struct {
	reg *prometheus.Registry

	// pushFn is a seam so tests can capture pushes without a gateway.
	pushFn func() error

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpReqDur   *prometheus.HistogramVec
	httpRespDur  *prometheus.HistogramVec
	httpBytes    *prometheus.HistogramVec

	records     *prometheus.CounterVec
	runDuration prometheus.Histogram
}

// NewBackend constructs a Pushgateway backend for the named job.
//
// Edge cases:
//   - If jobName is empty, defaults to "student_sync".
//   - Construction never contacts the gateway; network errors surface from
//     Flush().
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if jobName == "" {
		jobName = "student_sync"
	}
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL required")
	}

	reg := prometheus.NewRegistry()

	b := &Backend{
		reg: reg,

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "student_sync_http_requests_total",
			Help: "API requests attempted, by HTTP status.",
		}, []string{"status"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "student_sync_http_errors_total",
			Help: "API requests that failed, by HTTP status.",
		}, []string{"status"}),
		httpReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "student_sync_http_request_duration_seconds",
			Help:    "Time to first response byte.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		httpRespDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "student_sync_http_response_duration_seconds",
			Help:    "Time to fully read and decode the response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		httpBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "student_sync_http_download_bytes",
			Help:    "Response body size in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"status"}),

		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "student_sync_records_total",
			Help: "Per-run record outcomes, by kind.",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "student_sync_run_duration_seconds",
			Help:    "Wall time of one sync run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	reg.MustRegister(
		b.httpRequests, b.httpErrors, b.httpReqDur, b.httpRespDur, b.httpBytes,
		b.records, b.runDuration,
	)

	pusher := push.New(gatewayURL, jobName).Gatherer(reg)
	b.pushFn = pusher.Push

	return b, nil
}

// RecordHTTP implements metrics.Backend.
func (b *Backend) RecordHTTP(job string, status int, err error, requestDur, responseDur time.Duration, downloadBytes int64) {
	key := "unknown"
	if status > 0 {
		key = strconv.Itoa(status)
	}

	b.httpRequests.WithLabelValues(key).Inc()
	if err != nil {
		b.httpErrors.WithLabelValues(key).Inc()
	}
	if requestDur >= 0 {
		b.httpReqDur.WithLabelValues(key).Observe(requestDur.Seconds())
	}
	if responseDur >= 0 {
		b.httpRespDur.WithLabelValues(key).Observe(responseDur.Seconds())
	}
	if downloadBytes > 0 {
		b.httpBytes.WithLabelValues(key).Observe(float64(downloadBytes))
	}
}

// RecordSync implements metrics.Backend.
func (b *Backend) RecordSync(job string, outcome metrics.SyncOutcome) {
	add := func(kind string, v int64) {
		if v > 0 {
			b.records.WithLabelValues(kind).Add(float64(v))
		}
	}
	add("fetched", outcome.Fetched)
	add("inserted", outcome.Inserted)
	add("updated", outcome.Updated)
	add("unchanged", outcome.Unchanged)
	add("skipped", outcome.Skipped)
	add("warnings", outcome.Warnings)
	add("duplicates", outcome.Duplicates)
	add("record_errors", outcome.RecordErrors)
	add("inactivated", outcome.Inactivated)
}

// RecordRunDuration implements metrics.Backend.
func (b *Backend) RecordRunDuration(job string, d time.Duration) {
	if d < 0 {
		return
	}
	b.runDuration.Observe(d.Seconds())
}

// Flush pushes the registry to the gateway.
func (b *Backend) Flush() error {
	if err := b.pushFn(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
