package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	verificationsCounter    *prometheus.CounterVec
	intakeRejectionsCounter *prometheus.CounterVec
	registryTimeoutsCounter prometheus.Counter
	fraudAlertsCounter      *prometheus.CounterVec
	suppressedAlertsCounter *prometheus.CounterVec
	verificationDuration    prometheus.Histogram
	fraudMonitorQueueDepth  prometheus.Gauge
)

func init() {
	verificationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifications_total",
			Help: "Total number of resolved verifications by verdict.",
		},
		[]string{"verdict"},
	)
	intakeRejectionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_rejections_total",
			Help: "Uploads rejected before entering the pipeline.",
		},
		[]string{"reason"},
	)
	registryTimeoutsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_timeouts_total",
			Help: "Registry lookups that exceeded the configured timeout.",
		},
	)
	fraudAlertsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraud_alerts_total",
			Help: "Fraud alerts raised by the monitor.",
		},
		[]string{"type"},
	)
	suppressedAlertsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraud_alerts_suppressed_total",
			Help: "Repeated fraud signals suppressed within the same window.",
		},
		[]string{"type"},
	)
	verificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verification_duration_seconds",
			Help:    "Time from intake to resolved verdict.",
			Buckets: prometheus.DefBuckets,
		},
	)
	fraudMonitorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fraud_monitor_queue_depth",
			Help: "Verdicts waiting to be correlated by the fraud monitor.",
		},
	)
	prometheus.MustRegister(
		verificationsCounter,
		intakeRejectionsCounter,
		registryTimeoutsCounter,
		fraudAlertsCounter,
		suppressedAlertsCounter,
		verificationDuration,
		fraudMonitorQueueDepth,
	)
}

// RecordIntakeRejection zählt abgelehnte Uploads.
func RecordIntakeRejection(reason string) {
	intakeRejectionsCounter.WithLabelValues(reason).Inc()
}
