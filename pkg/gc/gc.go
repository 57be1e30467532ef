// Package gc implements the Garbage Collector of spec §4.8: enforcing
// the connect deadline, the absolute TTL, and idempotent teardown with
// a per-lease retry budget. Grounded on
// original_source/control_plane/services/gc.py's gc_hosts_once (host
// staleness) and services/reconciler.py's terminate_lease (delete VM
// first, treat a node-agent 4xx-on-missing as success, best-effort
// controller-node delete, CAS to TERMINATED or record last_error and
// stay in TERMINATING), with the consecutive-failure retry-budget
// counter grounded on pkg/health/health.go's Status.Update, repurposed
// from health-check flakiness tracking to per-lease teardown-retry
// tracking. The active node-agent /healthz probe layered on top of the
// push-heartbeat model is grounded on pkg/health/http.go's HTTPChecker,
// otherwise unused anywhere in the teacher's own call graph.
package gc

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/tuxillo/fleetd/pkg/controller"
	"github.com/tuxillo/fleetd/pkg/health"
	"github.com/tuxillo/fleetd/pkg/log"
	"github.com/tuxillo/fleetd/pkg/metrics"
	"github.com/tuxillo/fleetd/pkg/provisioner"
	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// Config bounds garbage collector timing and retry behavior.
type Config struct {
	LoopInterval time.Duration
	// RetryBudget is the number of consecutive node-agent teardown
	// failures tolerated for a single lease before emitting
	// retry_exhausted_total and leaving it for operator attention
	// (spec §4.8 default: 20).
	RetryBudget int
	// HostStaleTimeout is carried from configuration but not read by
	// the GC: hosts are flagged stale only by the active node-agent
	// /healthz probe (probeHosts), not by heartbeat age.
	HostStaleTimeout time.Duration
}

// GC implements spec §4.8.
type GC struct {
	store      storage.Store
	adapter    controller.Adapter
	nodeAgents provisioner.NodeAgentFactory
	cfg        Config

	mu            sync.Mutex
	retryCounts   map[string]int
	exhausted     map[string]bool
	agentStatus   map[string]*health.Status
	stopCh        chan struct{}
}

// New builds a GC.
func New(store storage.Store, adapter controller.Adapter, nodeAgents provisioner.NodeAgentFactory, cfg Config) *GC {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 20
	}
	return &GC{
		store:       store,
		adapter:     adapter,
		nodeAgents:  nodeAgents,
		cfg:         cfg,
		retryCounts: make(map[string]int),
		exhausted:   make(map[string]bool),
		agentStatus: make(map[string]*health.Status),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the GC's ticker loop.
func (g *GC) Start(ctx context.Context) {
	go g.run(ctx)
}

// Stop signals the loop to exit after its current tick.
func (g *GC) Stop() {
	close(g.stopCh)
}

func (g *GC) run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.LoopInterval)
	defer ticker.Stop()

	entry := log.WithComponent("gc")
	for {
		select {
		case <-ticker.C:
			if err := g.Tick(ctx); err != nil {
				entry.Error().Err(err).Msg("gc tick failed")
			}
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		}
	}
}

// Tick runs one garbage collection pass: deadline enforcement, orphan
// reclaim, then teardown of every lease in TERMINATING or ORPHANED
// (including those the first two steps just moved there), then an
// active node-agent health probe layered over the push-heartbeat
// model.
func (g *GC) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GCTickDuration)

	now := time.Now()

	leases, err := g.store.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return err
	}

	g.enforceDeadlines(leases, now)
	g.reclaimOrphans(ctx, leases)

	// Re-read so leases the two passes above just moved to TERMINATING
	// or ORPHANED are torn down in this same tick.
	leases, err = g.store.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return err
	}
	g.teardown(ctx, leases, now)
	g.probeHosts(ctx, now)

	return nil
}

// enforceDeadlines CASes a lease to TERMINATING once its connect
// deadline or TTL deadline has passed (spec §4.8).
func (g *GC) enforceDeadlines(leases []*types.Lease, now time.Time) {
	entry := log.WithComponent("gc")
	for _, l := range leases {
		switch l.State {
		case types.LeaseStateTerminating, types.LeaseStateTerminated, types.LeaseStateFailed, types.LeaseStateOrphaned:
			continue
		}

		if now.After(l.ConnectDeadline) && !isConnected(l) {
			err := g.store.CASLeaseState(l.LeaseID, l.State, types.LeaseStateTerminating,
				func(lease *types.Lease) { lease.LastError = "never_connected" },
				&types.Event{Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseTerminating,
					Payload: map[string]string{"reason": "never_connected"}})
			if err == nil {
				metrics.LeasesNeverConnectedTotal.Inc()
				entry.Info().Str("lease_id", l.LeaseID).Msg("connect deadline exceeded, terminating lease")
			}
			continue
		}

		if now.After(l.TTLDeadline) {
			err := g.store.CASLeaseState(l.LeaseID, l.State, types.LeaseStateTerminating,
				func(lease *types.Lease) { lease.LastError = "ttl_expired" },
				&types.Event{Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseTerminating,
					Payload: map[string]string{"reason": "ttl_expired"}})
			if err == nil {
				entry.Info().Str("lease_id", l.LeaseID).Msg("ttl expired, terminating lease")
			}
		}
	}
}

// isConnected reports whether a lease has already connected, in which
// case the connect deadline no longer applies to it (spec §4.8: "and
// not heartbeated-connected").
func isConnected(l *types.Lease) bool {
	switch l.State {
	case types.LeaseStateConnected, types.LeaseStateRunning:
		return true
	}
	return !l.LastHeartbeat.IsZero()
}

// reclaimOrphans moves a lease to ORPHANED when the host it was bound
// to no longer has a row in the store (the operator destroyed the
// host out from under it). A lease in this state has no node agent
// left to address, so teardown skips straight to a best-effort
// controller-node delete (SPEC_FULL.md's supplemented ORPHANED state).
func (g *GC) reclaimOrphans(ctx context.Context, leases []*types.Lease) {
	entry := log.WithComponent("gc")
	for _, l := range leases {
		switch l.State {
		case types.LeaseStateRequested, types.LeaseStateTerminating, types.LeaseStateTerminated,
			types.LeaseStateFailed, types.LeaseStateOrphaned:
			continue
		}
		if l.HostID == "" {
			continue
		}
		if _, err := g.store.GetHost(l.HostID); err != storage.ErrNotFound {
			continue
		}
		err := g.store.CASLeaseState(l.LeaseID, l.State, types.LeaseStateOrphaned,
			func(lease *types.Lease) { lease.LastError = "host_removed" },
			&types.Event{Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseOrphaned,
				Payload: map[string]string{"host_id": l.HostID}})
		if err != nil {
			continue
		}
		entry.Warn().Str("lease_id", l.LeaseID).Str("host_id", l.HostID).Msg("host removed under a live lease, orphaning it")
	}
}

// teardown drives every TERMINATING lease toward TERMINATED, and every
// ORPHANED lease (which has no reachable node agent left) toward
// TERMINATED via a controller-node delete alone.
func (g *GC) teardown(ctx context.Context, leases []*types.Lease, now time.Time) {
	for _, l := range leases {
		switch l.State {
		case types.LeaseStateTerminating:
			g.teardownOne(ctx, l)
		case types.LeaseStateOrphaned:
			g.teardownOrphan(ctx, l)
		}
	}
}

func (g *GC) teardownOrphan(ctx context.Context, l *types.Lease) {
	entry := log.WithComponent("gc")
	if l.ControllerNodeName != "" {
		_ = g.adapter.DeleteNode(ctx, l.ControllerNodeName)
	}
	err := g.store.CASLeaseState(l.LeaseID, types.LeaseStateOrphaned, types.LeaseStateTerminated, nil,
		&types.Event{Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseTerminated,
			Payload: map[string]string{"reason": "host_removed"}})
	if err != nil {
		entry.Warn().Err(err).Str("lease_id", l.LeaseID).Msg("gc: failed to finalize orphaned lease")
		return
	}
	g.clearRetry(l.LeaseID)
	entry.Info().Str("lease_id", l.LeaseID).Msg("orphaned lease terminated")
}

// teardownOne attempts the node-agent DELETE + controller-node delete
// sequence for one TERMINATING lease (spec §4.8). A node-agent 4xx on
// a missing VM is already folded into success by nodeagent.DeleteVM; a
// transient failure there is retried next tick and tracked against the
// lease's retry budget. A controller-adapter-only failure does not
// block finalization — it leaves a stale controller node for the
// Reconciler to clean up, per spec §4.8.
func (g *GC) teardownOne(ctx context.Context, l *types.Lease) {
	entry := log.WithComponent("gc")

	if l.HostID != "" {
		agent, err := g.nodeAgents(l.HostID)
		if err != nil {
			g.recordRetry(l, "node_agent_dial: "+err.Error())
			return
		}
		if err := agent.DeleteVM(ctx, l.VMID, "lease_terminated"); err != nil {
			g.recordRetry(l, err.Error())
			return
		}
	}

	if l.ControllerNodeName != "" {
		if err := g.adapter.DeleteNode(ctx, l.ControllerNodeName); err != nil {
			entry.Warn().Err(err).Str("lease_id", l.LeaseID).Msg("gc: controller-node delete failed, leaving for reconciler")
		}
	}

	err := g.store.CASLeaseState(l.LeaseID, types.LeaseStateTerminating, types.LeaseStateTerminated, nil,
		&types.Event{Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseTerminated, Payload: nil})
	if err != nil {
		entry.Warn().Err(err).Str("lease_id", l.LeaseID).Msg("gc: failed to finalize terminated lease")
		return
	}
	g.clearRetry(l.LeaseID)
	entry.Info().Str("lease_id", l.LeaseID).Msg("lease terminated")
}

// recordRetry increments the lease's consecutive-failure counter,
// emits lease.terminate_retry, and — once RetryBudget consecutive
// failures have accumulated — emits retry_exhausted_total exactly once
// and leaves the lease in TERMINATING for operator attention (spec
// §4.8: "never abandon as TERMINATED without confirmation").
func (g *GC) recordRetry(l *types.Lease, detail string) {
	entry := log.WithComponent("gc")

	g.mu.Lock()
	g.retryCounts[l.LeaseID]++
	count := g.retryCounts[l.LeaseID]
	alreadyExhausted := g.exhausted[l.LeaseID]
	g.mu.Unlock()

	_ = g.store.CASLeaseState(l.LeaseID, l.State, l.State,
		func(lease *types.Lease) { lease.LastError = detail }, nil)
	_ = g.store.AppendEvent(&types.Event{
		Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseTerminateRetry,
		Payload: map[string]string{"attempt": strconv.Itoa(count), "detail": detail},
	})
	entry.Warn().Str("lease_id", l.LeaseID).Int("attempt", count).Str("detail", detail).Msg("lease teardown attempt failed, will retry")

	if count >= g.cfg.RetryBudget && !alreadyExhausted {
		g.mu.Lock()
		g.exhausted[l.LeaseID] = true
		g.mu.Unlock()
		metrics.RetryExhaustedTotal.Inc()
		_ = g.store.AppendEvent(&types.Event{
			Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventRetryExhausted,
			Payload: map[string]string{"attempts": strconv.Itoa(count)},
		})
		entry.Error().Str("lease_id", l.LeaseID).Int("attempts", count).Msg("retry budget exhausted, needs operator attention")
	}
}

func (g *GC) clearRetry(leaseID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.retryCounts, leaseID)
	delete(g.exhausted, leaseID)
}

// probeHosts actively checks each host's node-agent /healthz endpoint,
// a supplement layered over the push-heartbeat model (spec §4.2 has
// hosts report in; this catches a host that has stopped heartbeating
// but whose agent is still technically reachable, or vice versa). A
// host transitioning to unhealthy only logs and increments
// host_stale_total; it never disables a host itself, since Disable is
// operator-only (spec §4.2).
func (g *GC) probeHosts(ctx context.Context, now time.Time) {
	hosts, err := g.store.ListHosts()
	if err != nil {
		return
	}
	entry := log.WithComponent("gc")
	cfg := health.DefaultConfig()

	for _, h := range hosts {
		if h.AgentURL == "" {
			continue
		}
		status := g.statusFor(h.HostID)
		checker := health.NewHTTPChecker(h.AgentURL + "/healthz").WithTimeout(5 * time.Second)
		result := checker.Check(ctx)
		wasHealthy := status.Healthy
		status.Update(result, cfg)
		if wasHealthy && !status.Healthy {
			metrics.HostStaleTotal.Inc()
			_ = g.store.AppendEvent(&types.Event{
				Timestamp: now, EventType: types.EventHostStale,
				Payload: map[string]string{"host_id": h.HostID, "detail": result.Message},
			})
			entry.Warn().Str("host_id", h.HostID).Str("detail", result.Message).Msg("node agent failed active health probe")
		}
	}
}

func (g *GC) statusFor(hostID string) *health.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.agentStatus[hostID]
	if !ok {
		s = health.NewStatus()
		g.agentStatus[hostID] = s
	}
	return s
}

