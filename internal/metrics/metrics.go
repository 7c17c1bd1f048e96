package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesScannedTotal counts inbound messages scanned
	MessagesScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leakguard_messages_scanned_total",
		Help: "Total number of inbound messages scanned for known secret values",
	})

	// LeaksDetectedTotal counts messages that contained a known secret value
	LeaksDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leakguard_leaks_detected_total",
		Help: "Total number of leaks detected",
	})

	// RemediationsTotal counts remediation outcomes
	RemediationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_remediations_total",
		Help: "Total number of remediation runs by outcome",
	}, []string{"outcome"}) // "rotated", "duplicate", "failed"

	// RemediationStepFailuresTotal counts non-fatal and fatal step failures
	RemediationStepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_remediation_step_failures_total",
		Help: "Total number of failed remediation steps",
	}, []string{"step"})

	// RemediationDuration tracks end-to-end remediation latency
	RemediationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leakguard_remediation_duration_seconds",
		Help:    "Remediation duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CacheEntries tracks the number of secret values in the current snapshot
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leakguard_cache_entries",
		Help: "Number of secret values in the current cache snapshot",
	})

	// CacheDuplicateValues tracks values shared by more than one path
	CacheDuplicateValues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leakguard_cache_duplicate_values",
		Help: "Number of secret values stored under more than one path",
	})

	// CacheUnaddressableKeys tracks store keys left out because they contain a dot
	CacheUnaddressableKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leakguard_cache_unaddressable_keys",
		Help: "Number of store keys skipped because a dotted path cannot address them",
	})

	// CacheRefreshesTotal counts cache refreshes by result
	CacheRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_cache_refreshes_total",
		Help: "Total number of cache refreshes",
	}, []string{"result"}) // "ok" or "error"

	// ScanDuration tracks per-message scan latency
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leakguard_scan_duration_seconds",
		Help:    "Message scan duration in seconds",
		Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05},
	})
)

// RecordRemediation records a finished remediation
func RecordRemediation(outcome string, seconds float64) {
	RemediationsTotal.WithLabelValues(outcome).Inc()
	RemediationDuration.Observe(seconds)
}

// RecordStepFailure records a failed remediation step
func RecordStepFailure(step string) {
	RemediationStepFailuresTotal.WithLabelValues(step).Inc()
}

// RecordCacheRefresh records a cache refresh result
func RecordCacheRefresh(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	CacheRefreshesTotal.WithLabelValues(result).Inc()
}
