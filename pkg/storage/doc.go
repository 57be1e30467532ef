/*
Package storage provides BoltDB-backed persistence for hosts, leases,
and events — the single authoritative record the rest of fleetd reads
and writes (spec §4.1, §5: "there is no in-memory authoritative lease
state — the store is the source of truth").

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│  BoltStore                                                │
	│  - File: <dataDir>/fleetd.db                              │
	│  - Format: B+tree with MVCC, ACID transactions            │
	│                                                            │
	│  Buckets:                                                 │
	│    hosts          (Host ID)                               │
	│    leases         (Lease ID)                               │
	│    events         (monotonic uint64 id, big-endian key)   │
	│    events_seq     (next_id and count keys)                │
	└────────────────────────────────────────────────────────────┘

# Secondary indexes

The spec calls for indexes on (label, state), (host_id, state), and
last_seen. BoltDB has no native secondary index, and the teacher this
package is adapted from never built one either — ListLeases and
GetLeaseByVMID are full-bucket scans with an in-loop filter, the same
shape as the teacher's GetServiceByName/ListContainersByService. This
is fine at the scale this spec targets (hundreds, not millions, of
concurrent leases); revisit only if profiling shows otherwise.

# Transactions

Every mutating method opens its own db.Update; reads use db.View and
may run concurrently with each other and with in-flight writes (bbolt
serializes writers, never blocks readers against the last committed
snapshot). CASLeaseState is the only conditional write: it re-reads the
lease inside its own transaction, checks the expected prior state and
the state-machine table, and only then applies the update — this is
what lets the scaler, reconciler, and GC loops race harmlessly against
each other without an external lock (spec §5: "loop coordination is not
via locks but via CAS transactions").

Event insertion is never a separate call from the mutation it
documents: CreateLease and CASLeaseState both accept an *types.Event
and write it in the same bbolt transaction, so a rejected transition
(ErrCASFailed) never leaves behind an orphaned event.
*/
package storage
