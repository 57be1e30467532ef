// Package health implements the active liveness probe the Garbage
// Collector (pkg/gc) layers on top of the push-heartbeat model: an
// HTTPChecker against a node agent's GET /healthz, and a Status that
// tracks consecutive successes/failures the way a container health
// check tracks retries, so a single dropped probe doesn't immediately
// flag a host's agent as gone.
//
// The control plane does not otherwise poll hosts — pkg/registry's
// Heartbeat is the primary signal of liveness (spec §4.2) — but the
// GC probes every registered agent each tick and uses Status.Update and
// Config.Retries to tell a single dropped probe apart from a run of
// consecutive failures. Only the transition to unhealthy is acted on:
// it is logged, counted in host_stale_total, and recorded as a
// host.stale event. Lease teardown does not consult this status.
//
// # Checker
//
// Checker is deliberately small (Check, Type) so a test can swap in a
// fake without touching the caller:
//
//	type Checker interface {
//		Check(ctx context.Context) Result
//		Type() CheckType
//	}
//
// HTTPChecker is the only implementation fleetd ships; it is not
// coupled to the node-agent client (pkg/nodeagent) because the GC
// probes liveness independently of whatever VM-lifecycle call it is
// about to make.
//
// # Usage
//
//	checker := health.NewHTTPChecker(host.AgentURL + "/healthz").
//		WithTimeout(5 * time.Second)
//
//	status := health.NewStatus()
//	cfg := health.Config{Retries: 3}
//
//	result := checker.Check(ctx)
//	status.Update(result, cfg)
//	if !status.Healthy {
//		// the agent has failed Retries consecutive probes; GC logs
//		// it and emits host.stale, and teardown is unaffected
//	}
package health
