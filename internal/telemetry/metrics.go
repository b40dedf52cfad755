package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	LeaseAcquired        = prometheus.NewCounter(prometheus.CounterOpts{Name: "lease_acquired_total", Help: "Leases granted"})
	LeaseConflicts       = prometheus.NewCounter(prometheus.CounterOpts{Name: "lease_conflicts_total", Help: "Acquire attempts refused because the job was held or had pending crash evidence"})
	LeaseRenewals        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lease_renewals_total", Help: "Renewal attempts by result"}, []string{"result"})
	LeaseLost            = prometheus.NewCounter(prometheus.CounterOpts{Name: "lease_lost_total", Help: "Units of work aborted after a failed renewal"})
	LeaseReleased        = prometheus.NewCounter(prometheus.CounterOpts{Name: "lease_released_total", Help: "Leases released cleanly"})
	CrashesDetected      = prometheus.NewCounter(prometheus.CounterOpts{Name: "crashes_detected_total", Help: "Crash events emitted by scans"})
	CrashesHandled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "crashes_handled_total", Help: "Crash events that incremented a crash counter"})
	JobsQuarantined      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_quarantined_total", Help: "Jobs moved to quarantine"})
	QuarantineResets     = prometheus.NewCounter(prometheus.CounterOpts{Name: "quarantine_resets_total", Help: "Operator quarantine resets"})
	FencedWritesRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "fenced_writes_rejected_total", Help: "Ledger writes rejected for a stale epoch or state"})
	HeartbeatsActive     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "heartbeats_active", Help: "Leases currently kept alive by this process"})
	ReadyQueueDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ready_queue_depth", Help: "Job IDs waiting in the ready queue"})
	AcquireThrottled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "acquire_throttled_total", Help: "API acquire attempts rejected by the per-worker rate limit"})
	ScanDuration         = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crash_scan_duration_seconds",
		Help:    "Wall time of one crash scan",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			LeaseAcquired,
			LeaseConflicts,
			LeaseRenewals,
			LeaseLost,
			LeaseReleased,
			CrashesDetected,
			CrashesHandled,
			JobsQuarantined,
			QuarantineResets,
			FencedWritesRejected,
			HeartbeatsActive,
			ReadyQueueDepth,
			AcquireThrottled,
			ScanDuration,
		)
	})
	return promhttp.Handler()
}
