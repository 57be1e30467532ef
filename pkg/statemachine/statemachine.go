// Package statemachine holds the lease state transition table (spec §4.3).
package statemachine

import "github.com/tuxillo/fleetd/pkg/types"

var allowedTransitions = map[types.LeaseState]map[types.LeaseState]bool{
	types.LeaseStateRequested: {
		types.LeaseStateProvisioning: true,
		types.LeaseStateFailed:       true,
	},
	types.LeaseStateProvisioning: {
		types.LeaseStateBooting: true,
		types.LeaseStateFailed:  true,
		types.LeaseStateOrphaned: true,
	},
	types.LeaseStateBooting: {
		types.LeaseStateConnecting:  true,
		types.LeaseStateConnected:   true,
		types.LeaseStateTerminating: true,
		types.LeaseStateFailed:      true,
		types.LeaseStateOrphaned:    true,
	},
	types.LeaseStateConnecting: {
		types.LeaseStateConnected:   true,
		types.LeaseStateRunning:     true,
		types.LeaseStateTerminating: true,
		types.LeaseStateFailed:      true,
		types.LeaseStateOrphaned:    true,
	},
	types.LeaseStateConnected: {
		types.LeaseStateRunning:     true,
		types.LeaseStateTerminating: true,
		types.LeaseStateFailed:      true,
		types.LeaseStateOrphaned:    true,
	},
	types.LeaseStateRunning: {
		types.LeaseStateTerminating: true,
		types.LeaseStateFailed:      true,
		types.LeaseStateOrphaned:    true,
	},
	types.LeaseStateTerminating: {
		types.LeaseStateTerminated: true,
		types.LeaseStateFailed:     true,
	},
	// TERMINATED and FAILED are terminal (spec §3 invariant 4): unlike the
	// Python original, which allows FAILED to be re-driven through
	// TERMINATING, the spec is explicit here and wins over the source.
	types.LeaseStateTerminated: {},
	types.LeaseStateFailed:     {},
	types.LeaseStateOrphaned: {
		types.LeaseStateTerminating: true,
		types.LeaseStateTerminated:  true,
	},
}

// CanTransition reports whether a lease may move from current to target.
// A no-op transition (current == target) is always permitted so CAS
// retries against an already-applied state are harmless.
func CanTransition(current, target types.LeaseState) bool {
	if current == target {
		return true
	}
	next, ok := allowedTransitions[current]
	if !ok {
		return false
	}
	return next[target]
}

// Terminal reports whether no further transitions are permitted at all
// (spec §3 invariant 4: TERMINATED and FAILED never change again).
func Terminal(state types.LeaseState) bool {
	return state == types.LeaseStateTerminated || state == types.LeaseStateFailed
}

// NonTerminal reports whether a state still requires loop attention.
func NonTerminal(state types.LeaseState) bool {
	return !Terminal(state)
}
