/*
Package reconciler runs the three-way diff that corrects drift
between the controller adapter, node-agent VM inventories, and the
lease store: stale controller nodes get deleted, orphan VMs get
deleted, stuck BOOTING leases get failed, and RUNNING leases whose
controller node vanished get terminated.

It is the only component authorized to reclassify PROVISIONING/
BOOTING as FAILED on externally observed absence, and to delete orphan
node-agent VMs. A node agent that fails to answer is treated as no
information, never as evidence of absence — a lease is never torn
down because a query failed.

	rec := reconciler.New(store, adapter, nodeAgents, reconciler.Config{
		LoopInterval:      5 * time.Second,
		BootGrace:         60 * time.Second,
		DisconnectedGrace: 60 * time.Second,
	})
	rec.Start(ctx)
	defer rec.Stop()
*/
package reconciler
