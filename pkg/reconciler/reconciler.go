// Package reconciler runs the periodic three-way diff of spec §4.7
// across controller-side nodes, node-agent VM inventories, and the
// lease store, correcting drift left by crashes, lost RPCs, or a host
// disappearing mid-provision. Grounded on
// original_source/control_plane/services/reconciler.py's reconcile_once
// (the same four-rule table, same "unreachable node agent is no
// information, not absence" caveat) and the teacher's
// pkg/reconciler/reconciler.go loop shape (ticker + stopCh + mutex +
// metrics timer wrapper).
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/tuxillo/fleetd/pkg/controller"
	"github.com/tuxillo/fleetd/pkg/log"
	"github.com/tuxillo/fleetd/pkg/metrics"
	"github.com/tuxillo/fleetd/pkg/provisioner"
	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// NodePrefix identifies our ephemeral nodes among everything else the
// controller might host, matching provisioner.NewLease's
// "ephemeral-"+lease_id naming.
const NodePrefix = "ephemeral-"

// Config bounds reconciler timing.
type Config struct {
	LoopInterval      time.Duration
	BootGrace         time.Duration
	DisconnectedGrace time.Duration
}

// Reconciler implements spec §4.7.
type Reconciler struct {
	store      storage.Store
	adapter    controller.Adapter
	nodeAgents provisioner.NodeAgentFactory
	cfg        Config

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Reconciler.
func New(store storage.Store, adapter controller.Adapter, nodeAgents provisioner.NodeAgentFactory, cfg Config) *Reconciler {
	return &Reconciler{store: store, adapter: adapter, nodeAgents: nodeAgents, cfg: cfg, stopCh: make(chan struct{})}
}

// Start begins the reconciler's ticker loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the loop to exit after its current tick.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.LoopInterval)
	defer ticker.Stop()

	entry := log.WithComponent("reconciler")
	for {
		select {
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				entry.Error().Err(err).Msg("reconciler tick failed")
			}
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

// Tick runs one three-way diff pass. Errors from individual RPCs are
// logged and do not abort the rest of the pass; a single unreachable
// host or adapter outage should not block reconciliation of every
// other lease.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcilerTickDuration)

	entry := log.WithComponent("reconciler")
	now := time.Now()

	leases, err := r.store.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return err
	}
	hosts, err := r.store.ListHosts()
	if err != nil {
		return err
	}

	controllerNodes, err := r.adapter.ListNodesWithPrefix(ctx, NodePrefix)
	controllerNodesOK := err == nil
	if !controllerNodesOK {
		entry.Warn().Err(err).Msg("reconciler: failed to list controller nodes, skipping stale-node and disconnected-running passes")
		controllerNodes = nil
	}
	controllerNodeSet := toSet(controllerNodes)

	vmIDsByHost, failedHosts := r.collectVMInventory(ctx, hosts)
	allVMIDs := map[string]bool{}
	for _, ids := range vmIDsByHost {
		for id := range ids {
			allVMIDs[id] = true
		}
	}

	leaseByNodeName := map[string]*types.Lease{}
	leaseByVMID := map[string]*types.Lease{}
	for _, l := range leases {
		if isTerminal(l.State) {
			continue
		}
		leaseByNodeName[l.ControllerNodeName] = l
		leaseByVMID[l.VMID] = l
	}

	r.reconcileStaleControllerNodes(ctx, controllerNodes, leaseByNodeName)
	r.reconcileOrphanVMs(ctx, vmIDsByHost, leaseByVMID)
	r.reconcileStuckBooting(leases, allVMIDs, failedHosts, now)
	if controllerNodesOK {
		r.reconcileDisconnectedRunning(leases, controllerNodeSet, now)
	}
	r.reconcileConnect(ctx, leases, now)

	return nil
}

func (r *Reconciler) collectVMInventory(ctx context.Context, hosts []*types.Host) (map[string]map[string]bool, map[string]bool) {
	entry := log.WithComponent("reconciler")
	vmIDsByHost := map[string]map[string]bool{}
	failedHosts := map[string]bool{}

	for _, h := range hosts {
		agent, err := r.nodeAgents(h.HostID)
		if err != nil {
			failedHosts[h.HostID] = true
			continue
		}
		vms, err := agent.ListVMs(ctx)
		if err != nil {
			entry.Warn().Err(err).Str("host_id", h.HostID).Msg("reconciler: node agent unreachable, treating as no information")
			failedHosts[h.HostID] = true
			continue
		}
		set := make(map[string]bool, len(vms))
		for _, vm := range vms {
			set[vm.VMID] = true
		}
		vmIDsByHost[h.HostID] = set
	}
	return vmIDsByHost, failedHosts
}

// reconcileStaleControllerNodes deletes a controller node that carries
// our name prefix but backs no non-terminal lease.
func (r *Reconciler) reconcileStaleControllerNodes(ctx context.Context, controllerNodes []string, leaseByNodeName map[string]*types.Lease) {
	entry := log.WithComponent("reconciler")
	for _, name := range controllerNodes {
		if _, ok := leaseByNodeName[name]; ok {
			continue
		}
		if err := r.adapter.DeleteNode(ctx, name); err != nil {
			entry.Warn().Err(err).Str("node", name).Msg("reconciler: failed to delete stale controller node")
			continue
		}
		_ = r.store.AppendEvent(&types.Event{
			Timestamp: time.Now(),
			EventType: types.EventStaleControllerNode,
			Payload:   map[string]string{"node": name},
		})
		entry.Info().Str("node", name).Msg("deleted stale controller node")
	}
}

// reconcileOrphanVMs deletes a VM present on a host's node agent but
// backed by no non-terminal lease.
func (r *Reconciler) reconcileOrphanVMs(ctx context.Context, vmIDsByHost map[string]map[string]bool, leaseByVMID map[string]*types.Lease) {
	entry := log.WithComponent("reconciler")
	for hostID, vmIDs := range vmIDsByHost {
		agent, err := r.nodeAgents(hostID)
		if err != nil {
			continue
		}
		for vmID := range vmIDs {
			if _, ok := leaseByVMID[vmID]; ok {
				continue
			}
			if err := agent.DeleteVM(ctx, vmID, "orphan"); err != nil {
				entry.Warn().Err(err).Str("vm_id", vmID).Str("host_id", hostID).Msg("reconciler: failed to delete orphan vm")
				continue
			}
			metrics.OrphanVMCleanupTotal.Inc()
			_ = r.store.AppendEvent(&types.Event{
				Timestamp: time.Now(),
				EventType: types.EventOrphanVMCleanup,
				Payload:   map[string]string{"vm_id": vmID, "host_id": hostID},
			})
			entry.Info().Str("vm_id", vmID).Str("host_id", hostID).Msg("deleted orphan vm")
		}
	}
}

// reconcileStuckBooting fails a BOOTING lease whose vm_id never shows
// up in any reachable host's inventory within BOOT_GRACE.
func (r *Reconciler) reconcileStuckBooting(leases []*types.Lease, allVMIDs map[string]bool, failedHosts map[string]bool, now time.Time) {
	entry := log.WithComponent("reconciler")
	for _, l := range leases {
		if l.State != types.LeaseStateBooting {
			continue
		}
		if failedHosts[l.HostID] {
			continue
		}
		if allVMIDs[l.VMID] {
			continue
		}
		if now.Sub(l.UpdatedAt) <= r.cfg.BootGrace {
			continue
		}
		err := r.store.CASLeaseState(l.LeaseID, types.LeaseStateBooting, types.LeaseStateFailed,
			func(lease *types.Lease) { lease.LastError = "boot_grace_exceeded" },
			&types.Event{Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseFailed,
				Payload: map[string]string{"reason": "boot_grace_exceeded"}})
		if err != nil {
			entry.Warn().Err(err).Str("lease_id", l.LeaseID).Msg("reconciler: failed to CAS stuck-booting lease to FAILED")
			continue
		}
		entry.Info().Str("lease_id", l.LeaseID).Msg("boot grace exceeded, lease failed")
	}
}

// reconcileDisconnectedRunning moves a RUNNING lease to TERMINATING
// when its controller node has vanished and it has been silent past
// DISCONNECTED_GRACE_SEC.
func (r *Reconciler) reconcileDisconnectedRunning(leases []*types.Lease, controllerNodeSet map[string]bool, now time.Time) {
	entry := log.WithComponent("reconciler")
	for _, l := range leases {
		if l.State != types.LeaseStateRunning {
			continue
		}
		if controllerNodeSet[l.ControllerNodeName] {
			continue
		}
		if now.Sub(l.LastHeartbeat) <= r.cfg.DisconnectedGrace {
			continue
		}
		err := r.store.CASLeaseState(l.LeaseID, types.LeaseStateRunning, types.LeaseStateTerminating,
			func(lease *types.Lease) { lease.LastError = "unexpected_disconnect" },
			&types.Event{Timestamp: time.Now(), LeaseID: l.LeaseID, EventType: types.EventLeaseTerminating,
				Payload: map[string]string{"reason": "unexpected_disconnect"}})
		if err != nil {
			entry.Warn().Err(err).Str("lease_id", l.LeaseID).Msg("reconciler: failed to CAS disconnected lease to TERMINATING")
			continue
		}
		entry.Info().Str("lease_id", l.LeaseID).Msg("controller node vanished, terminating lease")
	}
}

// reconcileConnect drives BOOTING and CONNECTED leases forward using
// the controller's liveness signal, the only trigger §4.3 names for
// the back half of the state machine: a controller-reported online
// node means CONNECTED, online-and-busy means a job has been assigned
// and the lease is RUNNING (SPEC_FULL.md's resolution of the
// CONNECTED/RUNNING boundary open question). A NodeState error is no
// information (spec §4.7) and leaves the lease exactly where it found
// it; it is not evidence the node is offline.
func (r *Reconciler) reconcileConnect(ctx context.Context, leases []*types.Lease, now time.Time) {
	entry := log.WithComponent("reconciler")
	for _, l := range leases {
		if l.State != types.LeaseStateBooting && l.State != types.LeaseStateConnected {
			continue
		}
		state, err := r.adapter.NodeState(ctx, l.ControllerNodeName)
		if err != nil {
			entry.Warn().Err(err).Str("lease_id", l.LeaseID).Msg("reconciler: node state unreachable, no information")
			continue
		}
		if !state.Online {
			continue
		}

		if l.State == types.LeaseStateBooting {
			err := r.store.CASLeaseState(l.LeaseID, types.LeaseStateBooting, types.LeaseStateConnected,
				func(lease *types.Lease) { lease.LastHeartbeat = now },
				&types.Event{Timestamp: now, LeaseID: l.LeaseID, EventType: types.EventLeaseConnected, Payload: nil})
			if err != nil {
				entry.Warn().Err(err).Str("lease_id", l.LeaseID).Msg("reconciler: failed to CAS booting lease to CONNECTED")
				continue
			}
			metrics.QueueToConnectSeconds.Observe(now.Sub(l.CreatedAt).Seconds())
			entry.Info().Str("lease_id", l.LeaseID).Msg("controller reports node online, lease connected")
			if !state.Busy {
				continue
			}
			r.promoteToRunning(l.LeaseID, now)
			continue
		}

		if state.Busy {
			r.promoteToRunning(l.LeaseID, now)
			continue
		}
		_ = r.store.CASLeaseState(l.LeaseID, types.LeaseStateConnected, types.LeaseStateConnected,
			func(lease *types.Lease) { lease.LastHeartbeat = now }, nil)
	}
}

// promoteToRunning CASes an already-CONNECTED lease to RUNNING once
// the controller reports its node busy.
func (r *Reconciler) promoteToRunning(leaseID string, now time.Time) {
	entry := log.WithComponent("reconciler")
	err := r.store.CASLeaseState(leaseID, types.LeaseStateConnected, types.LeaseStateRunning,
		func(lease *types.Lease) { lease.LastHeartbeat = now },
		&types.Event{Timestamp: now, LeaseID: leaseID, EventType: types.EventLeaseRunning, Payload: nil})
	if err != nil {
		entry.Warn().Err(err).Str("lease_id", leaseID).Msg("reconciler: failed to CAS connected lease to RUNNING")
		return
	}
	entry.Info().Str("lease_id", leaseID).Msg("controller reports node busy, lease running")
}

func isTerminal(s types.LeaseState) bool {
	return s == types.LeaseStateTerminated || s == types.LeaseStateFailed
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
