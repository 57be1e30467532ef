/*
Package metrics exposes fleetd's counters, gauges, and histograms via
promhttp.Handler() at /metrics, plus a periodic Collector that
snapshots the lease and host tables into gauges.

# Metrics

	fleetd_host_stale_total                   counter
	fleetd_leases_never_connected_total        counter
	fleetd_orphan_vm_cleanup_total             counter
	fleetd_retry_exhausted_total               counter
	fleetd_launch_failures_total               counter
	fleetd_queue_to_connect_seconds            histogram
	fleetd_leases_by_state{state}              gauge
	fleetd_hosts_total{enabled}                gauge
	fleetd_api_requests_total{method,status}   counter
	fleetd_api_request_duration_seconds{method} histogram
	fleetd_scaler_tick_duration_seconds        histogram
	fleetd_reconciler_tick_duration_seconds    histogram
	fleetd_gc_tick_duration_seconds            histogram

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScalerTickDuration)

	metrics.LaunchFailuresTotal.Inc()

	http.Handle("/metrics", metrics.Handler())

# Health

RegisterComponent/UpdateComponent record component health for this
package's HealthHandler, ReadyHandler and LivenessHandler, and
GetReadiness treats "store" and "api" as critical. fleetd itself
registers no components and does not mount these handlers: the API's
/healthz and /ready (pkg/api) check the store directly.
*/
package metrics
