// Package metrics registers the Prometheus counters and histograms the
// renewer, storage, and audit packages report against, and exposes
// accessor functions so those packages never need to import
// prometheus/client_golang's registration API directly, only this
// package's narrow reporting functions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	renewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authflush",
		Subsystem: "renewer",
		Name:      "renewals_total",
		Help:      "Total renewal tasks completed, by outcome.",
	}, []string{"outcome"})

	renewalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "authflush",
		Subsystem: "renewer",
		Name:      "renewal_duration_seconds",
		Help:      "Time to service one renewal task end to end.",
		Buckets:   prometheus.DefBuckets,
	})

	dedupSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authflush",
		Subsystem: "renewer",
		Name:      "dedup_skips_total",
		Help:      "Requests skipped because an equivalent task was already in flight.",
	})

	flushedReportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authflush",
		Subsystem: "storage",
		Name:      "flushed_reports_total",
		Help:      "Report hashes successfully handed off by a flush cycle.",
	})

	flushCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "authflush",
		Subsystem: "storage",
		Name:      "flush_cycle_duration_seconds",
		Help:      "Time to run one ReportsToFlush cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	auditDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "authflush",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit records dropped because the buffer was full.",
	})
)

// ObserveRenewal records the outcome and duration of one renewal task.
func ObserveRenewal(outcome string, d time.Duration) {
	renewalsTotal.WithLabelValues(outcome).Inc()
	renewalDuration.Observe(d.Seconds())
}

// IncDedupSkip records one request collapsed into an already in-flight task.
func IncDedupSkip() {
	dedupSkipsTotal.Inc()
}

// ObserveFlushCycle records one ReportsToFlush call's duration and the
// number of reports it handed off.
func ObserveFlushCycle(d time.Duration, flushedCount int) {
	flushCycleDuration.Observe(d.Seconds())
	flushedReportsTotal.Add(float64(flushedCount))
}

// SetAuditDropped syncs the exported dropped-records gauge to the audit
// pool's running total. audit.Pool tracks the count itself with a plain
// atomic counter and pushes the new total here on every drop.
func SetAuditDropped(total uint64) {
	auditDropped.Set(float64(total))
}
