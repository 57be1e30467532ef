package reconciler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuxillo/fleetd/pkg/controller"
	"github.com/tuxillo/fleetd/pkg/httpclient"
	"github.com/tuxillo/fleetd/pkg/nodeagent"
	"github.com/tuxillo/fleetd/pkg/storage"
	"github.com/tuxillo/fleetd/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newInventoryNodeAgent serves GET /v1/vms with a fixed inventory and
// accepts DELETE /v1/vms/{id} unconditionally, recording deleted ids.
func newInventoryNodeAgent(t *testing.T, vmIDs []string) (string, *[]string) {
	t.Helper()
	deleted := &[]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/vms":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(inventoryJSON(vmIDs)))
		case r.Method == http.MethodDelete:
			*deleted = append(*deleted, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL, deleted
}

func inventoryJSON(vmIDs []string) string {
	out := "["
	for i, id := range vmIDs {
		if i > 0 {
			out += ","
		}
		out += `{"vm_id":"` + id + `","state":"running"}`
	}
	return out + "]"
}

func testConfig() Config {
	return Config{LoopInterval: time.Second, BootGrace: time.Minute, DisconnectedGrace: time.Minute}
}

func TestReconcilerDeletesOrphanVM(t *testing.T) {
	store := newTestStore(t)
	host := &types.Host{HostID: "h1", Enabled: true}
	require.NoError(t, store.UpsertHost(host))

	agentURL, deleted := newInventoryNodeAgent(t, []string{"vm-orphan"})
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	assert.Contains(t, *deleted, "/v1/vms/vm-orphan")

	events, err := store.ListEvents(10)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.EventType == types.EventOrphanVMCleanup {
			found = true
		}
	}
	assert.True(t, found, "expected an orphan_vm_cleanup event")
}

func TestReconcilerDeletesStaleControllerNode(t *testing.T) {
	store := newTestStore(t)
	adapter := controller.NewFakeAdapter()
	_, err := adapter.CreateNode(context.Background(), "ephemeral-stale", "linux")
	require.NoError(t, err)

	factory := func(hostID string) (*nodeagent.Client, error) {
		return nil, assertNoHostsErr
	}

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	_, err = adapter.NodeState(context.Background(), "ephemeral-stale")
	assert.Error(t, err, "stale controller node should have been deleted")
}

func TestReconcilerFailsStuckBootingLease(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateBooting, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL, _ := newInventoryNodeAgent(t, nil)
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateFailed, got.State)
}

func TestReconcilerDoesNotFailBootingLeaseOnNodeAgentError(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateBooting, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	factory := func(hostID string) (*nodeagent.Client, error) {
		return nil, assertNoHostsErr
	}
	adapter := controller.NewFakeAdapter()

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateBooting, got.State, "a failed node-agent dial must not fail the lease")
}

func TestReconcilerTerminatesDisconnectedRunningLease(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateRunning, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL, _ := newInventoryNodeAgent(t, []string{"vm-1"})
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateTerminating, got.State)
}

func TestReconcilerConnectsBootingLeaseWhenNodeOnline(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateBooting, HostID: "h1", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL, _ := newInventoryNodeAgent(t, []string{"vm-1"})
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()
	adapter.SetNodeState("ephemeral-l1", controller.NodeState{Online: true})

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateConnected, got.State)
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestReconcilerRunsConnectedLeaseWhenNodeBusy(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateConnected, HostID: "h1", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL, _ := newInventoryNodeAgent(t, []string{"vm-1"})
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()
	adapter.SetNodeState("ephemeral-l1", controller.NodeState{Online: true, Busy: true})

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateRunning, got.State)
}

func TestReconcilerLeavesBootingLeaseOnNodeStateError(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-unknown",
		State: types.LeaseStateBooting, HostID: "h1", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL, _ := newInventoryNodeAgent(t, []string{"vm-1"})
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter() // "ephemeral-unknown" was never registered

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateBooting, got.State, "a NodeState error is no information, not evidence of offline")
}

// failingListNodesAdapter wraps FakeAdapter to simulate a controller
// API outage on ListNodesWithPrefix while leaving every other
// operation working normally.
type failingListNodesAdapter struct {
	*controller.FakeAdapter
}

func (f failingListNodesAdapter) ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	return nil, errControllerUnavailable{}
}

type errControllerUnavailable struct{}

func (errControllerUnavailable) Error() string { return "controller unavailable" }

func TestReconcilerSkipsDisconnectedRunningOnListNodesFailure(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateRunning, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL, _ := newInventoryNodeAgent(t, []string{"vm-1"})
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := failingListNodesAdapter{controller.NewFakeAdapter()}

	r := New(store, adapter, factory, testConfig())
	require.NoError(t, r.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateRunning, got.State,
		"a transient controller-adapter failure must not be treated as every controller node having vanished")
}

var assertNoHostsErr = errNodeAgentUnavailable{}

type errNodeAgentUnavailable struct{}

func (errNodeAgentUnavailable) Error() string { return "node agent unavailable" }
