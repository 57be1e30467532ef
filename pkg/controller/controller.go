// Package controller defines the abstraction over the external job
// controller (spec §6, §9: "model this as an interface with the five
// operations... and inject implementations"). Grounded on
// original_source/control_plane/clients/jenkins.py for the real
// adapter and on the teacher's health.Checker interface style
// (pkg/health/health.go) for the shape of a small, swappable
// interface consumed by the control loops.
package controller

import "context"

// NodeState reports a controller-side node's connectivity, the
// CONNECTED/RUNNING boundary contract referenced in SPEC_FULL.md:
// Online with Busy=false corresponds to a lease in CONNECTED; Online
// with Busy=true corresponds to RUNNING.
type NodeState struct {
	Online bool
	Busy   bool
}

// CreateResult carries the inbound secret minted for a newly created
// node, handed to the node agent's VM-creation payload.
type CreateResult struct {
	Secret string
}

// Adapter is the abstract interface consumed by the Provisioner,
// Scaler, and Reconciler — the five operations of spec §6's
// "Controller adapter" section.
type Adapter interface {
	// Queued returns the number of jobs waiting on label.
	Queued(ctx context.Context, label string) (int, error)
	// CreateNode provisions a controller-side node named name, with
	// labelString label, one executor, exclusive mode, and returns its
	// inbound secret.
	CreateNode(ctx context.Context, name, label string) (CreateResult, error)
	// DeleteNode removes a controller-side node. Deleting an
	// already-absent node is not an error (idempotent per spec §9).
	DeleteNode(ctx context.Context, name string) error
	// NodeState reports whether name is currently online/busy. Callers
	// must treat a NodeState error as "no information" (spec §4.7),
	// never as proof of absence.
	NodeState(ctx context.Context, name string) (NodeState, error)
	// ListNodesWithPrefix lists every controller-side node whose name
	// starts with prefix, the Reconciler's source for set C.
	ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error)
}
