// Package provisioner drives a lease from REQUESTED to BOOTING (spec
// §4.5): allocate a controller-side node, call the node agent to
// create the VM, persist intermediate states, unwind on failure. It
// is re-entrant: the Reconciler (pkg/reconciler) observes and repairs
// a crash between steps. Grounded on
// original_source/control_plane/services/provisioning.py's
// provision_one, without the cloud-init/user-data templating it
// performs: neither this package nor the controller adapter fills the
// VM payload's cloud_init_user_data_b64 field, so it is sent empty.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tuxillo/fleetd/pkg/controller"
	"github.com/tuxillo/fleetd/pkg/httpclient"
	"github.com/tuxillo/fleetd/pkg/log"
	"github.com/tuxillo/fleetd/pkg/nodeagent"
	"github.com/tuxillo/fleetd/pkg/placement"
	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

// NodeAgentFactory returns a node-agent client for hostID, letting the
// Provisioner (and the Reconciler and GC) address whichever host a
// lease is bound to without holding every client open at once.
type NodeAgentFactory func(hostID string) (*nodeagent.Client, error)

// Provisioner implements spec §4.5's sequence.
type Provisioner struct {
	store      storage.Store
	adapter    controller.Adapter
	nodeAgents NodeAgentFactory
	controllerURL string
	baseImageID   string
}

// Config configures a Provisioner.
type Config struct {
	ControllerURL string
	BaseImageID   string
}

// New builds a Provisioner over store, using adapter for controller-
// side node lifecycle and nodeAgents to reach the node agent on
// whichever host a lease lands on.
func New(store storage.Store, adapter controller.Adapter, nodeAgents NodeAgentFactory, cfg Config) *Provisioner {
	baseImage := cfg.BaseImageID
	if baseImage == "" {
		baseImage = "default"
	}
	return &Provisioner{store: store, adapter: adapter, nodeAgents: nodeAgents, controllerURL: cfg.ControllerURL, baseImageID: baseImage}
}

// NewLease builds a REQUESTED lease for label with fresh lease_id/
// vm_id/controller_node_name and the deadlines derived from
// connectDeadlineSec/ttlSec (spec §3 invariant 3: connect_deadline <=
// ttl_deadline always holds as long as the caller's config does).
func NewLease(label string, connectDeadline, ttl time.Duration, now time.Time) *types.Lease {
	leaseID := uuid.NewString()
	return &types.Lease{
		LeaseID:            leaseID,
		VMID:               "vm-" + leaseID,
		Label:              label,
		ControllerNodeName: "ephemeral-" + leaseID,
		State:              types.LeaseStateRequested,
		CreatedAt:          now,
		UpdatedAt:          now,
		ConnectDeadline:    now.Add(connectDeadline),
		TTLDeadline:        now.Add(ttl),
	}
}

// Provision runs spec §4.5's sequence for a single lease already
// persisted in REQUESTED and bound in memory to host. Errors are
// already folded into the lease's terminal state and event log before
// Provision returns; callers only need the error for logging/metrics.
func (p *Provisioner) Provision(ctx context.Context, lease *types.Lease, host *types.Host) error {
	entry := log.WithLeaseID(lease.LeaseID)

	err := p.store.CASLeaseState(lease.LeaseID, types.LeaseStateRequested, types.LeaseStateProvisioning,
		func(l *types.Lease) { l.HostID = host.HostID },
		&types.Event{
			Timestamp: time.Now(),
			LeaseID:   lease.LeaseID,
			EventType: types.EventLeaseCreated,
			Payload:   map[string]string{"label": lease.Label, "host_id": host.HostID},
		})
	if err != nil {
		entry.Warn().Err(err).Msg("provisioner: lease was not in REQUESTED, aborting provision")
		return err
	}
	lease.HostID = host.HostID
	lease.State = types.LeaseStateProvisioning

	createResult, err := p.adapter.CreateNode(ctx, lease.ControllerNodeName, lease.Label)
	if err != nil {
		return p.fail(ctx, lease, "create_node", err)
	}

	agent, err := p.nodeAgents(host.HostID)
	if err != nil {
		return p.fail(ctx, lease, "node_agent_dial", err)
	}

	profile := placement.ChooseProfile(lease.Label)
	spec := nodeagent.VMSpec{
		Label:              lease.Label,
		BaseImageID:        p.baseImageID,
		VCPU:               profile.VCPU,
		RAMMB:              profile.RAMMB,
		DiskGB:             profile.DiskGB,
		TTLDeadline:        lease.TTLDeadline.Format(time.RFC3339),
		ConnectDeadline:    lease.ConnectDeadline.Format(time.RFC3339),
		ControllerURL:      p.controllerURL,
		ControllerNodeName: lease.ControllerNodeName,
		InboundSecret:      createResult.Secret,
	}
	if err := agent.EnsureVM(ctx, lease.VMID, spec); err != nil {
		return p.fail(ctx, lease, "ensure_vm", err)
	}

	if err := p.store.CASLeaseState(lease.LeaseID, types.LeaseStateProvisioning, types.LeaseStateBooting, nil,
		&types.Event{Timestamp: time.Now(), LeaseID: lease.LeaseID, EventType: types.EventLeaseBooting,
			Payload: map[string]string{"host_id": host.HostID}}); err != nil {
		entry.Error().Err(err).Msg("provisioner: failed to record BOOTING after a successful ensure_vm")
		return err
	}
	entry.Info().Str("host_id", host.HostID).Str("vm_id", lease.VMID).Msg("lease booting")
	return nil
}

// fail records a provisioning failure, best-effort deletes the
// controller node it may have created, and moves the lease to FAILED.
func (p *Provisioner) fail(ctx context.Context, lease *types.Lease, stage string, cause error) error {
	var errType string
	if rf, ok := cause.(*httpclient.RequestFailure); ok {
		errType = rf.ErrorType
	} else {
		errType = stage
	}
	detail := cause.Error()

	_ = p.adapter.DeleteNode(ctx, lease.ControllerNodeName)

	casErr := p.store.CASLeaseState(lease.LeaseID, lease.State, types.LeaseStateFailed,
		func(l *types.Lease) { l.LastError = detail },
		&types.Event{
			Timestamp: time.Now(),
			LeaseID:   lease.LeaseID,
			EventType: types.EventScaleLaunchFailed,
			Payload:   map[string]string{"error_type": errType, "error_detail": detail, "stage": stage},
		})
	if casErr != nil {
		leaseLog := log.WithLeaseID(lease.LeaseID)
		leaseLog.Error().Err(casErr).Msg("provisioner: failed to record FAILED after provisioning error")
		return fmt.Errorf("provisioning failed (%s: %w), and CAS to FAILED also failed: %v", stage, cause, casErr)
	}
	return fmt.Errorf("provisioning failed at %s: %w", stage, cause)
}
