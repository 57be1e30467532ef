/*
Package types defines the domain model shared by every other package in
fleetd: Host, Lease, LeaseState, and Event.

These are plain structs with no persistence or transport concerns of
their own — pkg/storage owns JSON marshaling, pkg/api owns wire shapes.
Keeping them here means the state machine, placement, and the control
loops all agree on one vocabulary.

See SPEC_FULL.md §3 for the data model invariants these types exist to
satisfy, and pkg/statemachine for the LeaseState transition table.
*/
package types
