package storage

import (
	"errors"

	"github.com/tuxillo/fleetd/pkg/types"
)

// ErrNotFound is returned by Get-style lookups when no record exists.
var ErrNotFound = errors.New("storage: not found")

// ErrCASFailed is returned by a conditional update when the stored state
// did not match the caller's expected prior state, or the transition it
// implies is not allowed by the lease state machine.
var ErrCASFailed = errors.New("storage: compare-and-swap failed")

// LeaseFilter narrows ListLeases by the secondary indexes spec §4.1
// calls for: (label, state) and (host_id, state).
type LeaseFilter struct {
	Label  string
	State  types.LeaseState
	HostID string
}

// Store is the single durable, ACID-transactional home for hosts,
// leases, and events (spec §4.1). Every mutation happens inside a
// single-writer transaction; concurrent reads are always permitted.
// There is no in-memory authoritative lease state anywhere above this
// interface — every loop and handler reads what it needs from here on
// every tick.
type Store interface {
	// Hosts
	UpsertHost(host *types.Host) error
	GetHost(hostID string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	DeleteHost(hostID string) error

	// Leases. event, when non-nil, is appended in the same transaction
	// as the mutation (spec §4.1: "event insertion is always coupled
	// with its triggering state transition... if the transition is
	// rejected, no event is written").
	CreateLease(lease *types.Lease, event *types.Event) error
	GetLease(leaseID string) (*types.Lease, error)
	GetLeaseByVMID(vmID string) (*types.Lease, error)
	ListLeases(filter LeaseFilter) ([]*types.Lease, error)
	// CASLeaseState enforces spec §4.1's conditional-update contract:
	// the transition is applied only if the lease's current state
	// equals expected and the state machine permits expected->target.
	// The mutate callback (nilable) may set fields other than State
	// (e.g. LastError, HostID) atomically with the transition.
	CASLeaseState(leaseID string, expected, target types.LeaseState, mutate func(*types.Lease), event *types.Event) error
	DeleteLease(leaseID string) error

	// Events — append-only, monotonic id. AppendEvent is for events
	// with no accompanying lease mutation (e.g. host.registered).
	AppendEvent(event *types.Event) error
	ListEvents(limit int) ([]*types.Event, error)
	ListEventsByLease(leaseID string, limit int) ([]*types.Event, error)

	Close() error
}
