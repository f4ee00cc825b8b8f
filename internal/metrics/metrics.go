package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palmvein_authentication_attempts_total",
		Help: "Authentication attempts by audited outcome",
	}, []string{"outcome"})
	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "palmvein_lockouts_triggered_total",
		Help: "Number of times an identity reached the lockout threshold",
	})
	failuresRecordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "palmvein_lockout_failures_recorded_total",
		Help: "Failed matches recorded against the lockout tracker",
	})
	classificationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "palmvein_classification_duration_seconds",
		Help:    "Latency of image classification including preprocessing",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})
	auditWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "palmvein_audit_write_failures_total",
		Help: "Audit records that could not be written to every sink",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(attemptsTotal, lockoutsTotal, failuresRecordedTotal, classificationSeconds, auditWriteFailuresTotal)
}

// ObserveAttempt counts one audited authentication attempt.
func ObserveAttempt(outcome string) { attemptsTotal.WithLabelValues(outcome).Inc() }

// IncLockout counts an identity crossing the failure threshold.
func IncLockout() { lockoutsTotal.Inc() }

// IncFailureRecorded counts a failed match stored by the lockout tracker.
func IncFailureRecorded() { failuresRecordedTotal.Inc() }

// ObserveClassification records how long a classification took.
func ObserveClassification(result string, d time.Duration) {
	classificationSeconds.WithLabelValues(result).Observe(d.Seconds())
}

// IncAuditWriteFailure counts an audit append that returned an error.
func IncAuditWriteFailure() { auditWriteFailuresTotal.Inc() }
