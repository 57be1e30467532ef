package types

import "time"

// LeaseState is the canonical state of a Lease as it moves through the
// provisioning, running, and teardown phases of an ephemeral VM.
type LeaseState string

const (
	LeaseStateRequested   LeaseState = "REQUESTED"
	LeaseStateProvisioning LeaseState = "PROVISIONING"
	LeaseStateBooting     LeaseState = "BOOTING"
	LeaseStateConnecting  LeaseState = "CONNECTING"
	LeaseStateConnected   LeaseState = "CONNECTED"
	LeaseStateRunning     LeaseState = "RUNNING"
	LeaseStateTerminating LeaseState = "TERMINATING"
	LeaseStateTerminated  LeaseState = "TERMINATED"
	LeaseStateFailed      LeaseState = "FAILED"
	// LeaseStateOrphaned marks a live lease whose host_id no longer
	// resolves to a host row (the host was removed under it); the GC
	// finalizes such a lease with a controller-node delete alone. See
	// SPEC_FULL.md.
	LeaseStateOrphaned LeaseState = "ORPHANED"
)

// Lease is the control plane's record of one ephemeral VM's entire
// lifecycle, bound to one controller-side node name.
type Lease struct {
	LeaseID             string
	VMID                string
	Label               string
	ControllerNodeName  string
	State               LeaseState
	HostID              string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ConnectDeadline     time.Time
	TTLDeadline         time.Time
	LastHeartbeat       time.Time
	DisconnectedAt      time.Time
	LastError           string
}

// Host is an operator-registered machine that runs a node agent capable
// of launching and tearing down VMs on the control plane's behalf.
type Host struct {
	HostID             string
	Enabled            bool
	BootstrapTokenHash string
	SessionTokenHash   string
	SessionExpiresAt   time.Time

	OSFamily           string
	OSFlavor           string
	OSVersion          string
	CPUArch            string
	AgentURL           string
	SelectedAccel      string
	SupportedAccels    []string

	CPUTotal    int
	CPUFree     int
	RAMTotalMB  int
	RAMFreeMB   int
	IOPressure  float64
	LastSeen    time.Time
}

// EventType identifies the kind of record written to the append-only
// event log, and mirrors the reason codes consumed by the reconciler
// and surfaced in metrics.
type EventType string

const (
	EventHostRegistered      EventType = "host.registered"
	EventHostHeartbeat       EventType = "host.heartbeat"
	EventHostEnabled         EventType = "host.enabled"
	EventHostDisabled        EventType = "host.disabled"
	EventHostStale           EventType = "host.stale"
	EventLeaseCreated        EventType = "lease.created"
	EventLeaseBooting        EventType = "lease.booting"
	EventLeaseFailed         EventType = "lease.failed"
	EventLeaseConnected      EventType = "lease.connected"
	EventLeaseRunning        EventType = "lease.running"
	EventLeaseTerminating    EventType = "lease.terminating"
	EventLeaseTerminated     EventType = "lease.terminated"
	EventLeaseTerminateRetry EventType = "lease.terminate_retry"
	EventLeaseOrphaned       EventType = "lease.orphaned"
	EventLeaseManualTerminate EventType = "lease.manual_terminate"
	EventScaleLaunch         EventType = "scale.launch"
	EventScaleLaunchFailed   EventType = "scale.launch_failed"
	EventOrphanVMCleanup     EventType = "orphan_vm_cleanup"
	EventStaleControllerNode EventType = "stale_controller_node_cleanup"
	EventRetryExhausted      EventType = "retry_exhausted"
	EventAuthFail            EventType = "auth.fail"
)

// Event is an append-only, monotonic-id log entry emitted at every
// lease state transition and external call outcome.
type Event struct {
	ID        uint64
	Timestamp time.Time
	LeaseID   string
	EventType EventType
	Payload   map[string]string
}
