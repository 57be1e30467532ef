package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The counters, gauges, and histogram below are exactly the /metrics
// surface of spec §6, plus the per-loop timing histograms used
// internally by the scaler/reconciler/GC tick functions.
var (
	HostStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_host_stale_total",
			Help: "Total number of hosts marked stale by the garbage collector",
		},
	)

	LeasesNeverConnectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_leases_never_connected_total",
			Help: "Total number of leases torn down for missing their connect deadline",
		},
	)

	OrphanVMCleanupTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_orphan_vm_cleanup_total",
			Help: "Total number of VMs deleted by the reconciler with no corresponding lease",
		},
	)

	RetryExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_retry_exhausted_total",
			Help: "Total number of teardown attempts that exhausted their retry budget",
		},
	)

	QueueToConnectSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_queue_to_connect_seconds",
			Help:    "Time from lease creation to the lease reaching CONNECTED",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeasesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_leases_by_state",
			Help: "Current number of leases in each state",
		},
		[]string{"state"},
	)

	LaunchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_launch_failures_total",
			Help: "Total number of provisioning attempts that ended in FAILED",
		},
	)

	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_hosts_total",
			Help: "Total number of registered hosts by enabled status",
		},
		[]string{"enabled"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ScalerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_scaler_tick_duration_seconds",
			Help:    "Time taken by one scaler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcilerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_reconciler_tick_duration_seconds",
			Help:    "Time taken by one reconciler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_gc_tick_duration_seconds",
			Help:    "Time taken by one garbage collector tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(HostStaleTotal)
	prometheus.MustRegister(LeasesNeverConnectedTotal)
	prometheus.MustRegister(OrphanVMCleanupTotal)
	prometheus.MustRegister(RetryExhaustedTotal)
	prometheus.MustRegister(QueueToConnectSeconds)
	prometheus.MustRegister(LeasesByState)
	prometheus.MustRegister(LaunchFailuresTotal)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ScalerTickDuration)
	prometheus.MustRegister(ReconcilerTickDuration)
	prometheus.MustRegister(GCTickDuration)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
