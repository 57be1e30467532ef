package gc

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

func testConfig() Config {
	return Config{LoopInterval: time.Second, RetryBudget: 3}
}

func newAcceptingNodeAgent(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newFailingNodeAgent(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestGCEnforcesConnectDeadline(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateBooting, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now().Add(-time.Minute),
		ConnectDeadline: time.Now().Add(-time.Second),
		TTLDeadline:     time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL := newAcceptingNodeAgent(t)
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()

	g := New(store, adapter, factory, testConfig())
	require.NoError(t, g.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateTerminated, got.State, "deadline enforcement and teardown both run in one tick")
	assert.Equal(t, "never_connected", got.LastError)
}

func TestGCEnforcesTTL(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateRunning, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
		ConnectDeadline: time.Now().Add(-time.Hour),
		TTLDeadline:     time.Now().Add(-time.Second),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL := newAcceptingNodeAgent(t)
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()

	g := New(store, adapter, factory, testConfig())
	require.NoError(t, g.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateTerminated, got.State)
	assert.Equal(t, "ttl_expired", got.LastError)
}

func TestGCDoesNotTerminateConnectedLeaseAtConnectDeadline(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateRunning, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now().Add(-time.Minute),
		ConnectDeadline: time.Now().Add(-time.Second),
		TTLDeadline:     time.Now().Add(time.Hour),
		LastHeartbeat:   time.Now(),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	adapter := controller.NewFakeAdapter()
	factory := func(hostID string) (*nodeagent.Client, error) { return nil, assertUnreachable }

	g := New(store, adapter, factory, testConfig())
	require.NoError(t, g.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateRunning, got.State, "a connected lease must not be torn down by its connect deadline")
}

func TestGCRetriesTransientNodeAgentFailureAndTracksBudget(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateTerminating, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
		ConnectDeadline: time.Now().Add(time.Hour), TTLDeadline: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL := newFailingNodeAgent(t)
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()

	g := New(store, adapter, factory, testConfig())
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Tick(context.Background()))
	}

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateTerminating, got.State, "lease stays in TERMINATING across retries, never silently abandoned")
	assert.NotEmpty(t, got.LastError)

	events, err := store.ListEvents(20)
	require.NoError(t, err)
	var retries, exhausted int
	for _, e := range events {
		switch e.EventType {
		case types.EventLeaseTerminateRetry:
			retries++
		case types.EventRetryExhausted:
			exhausted++
		}
	}
	assert.Equal(t, 3, retries)
	assert.Equal(t, 1, exhausted, "retry_exhausted fires exactly once when the budget is first crossed")
}

func TestGCOrphansLeaseWhenHostRemoved(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateRunning, HostID: "gone",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
		ConnectDeadline: time.Now().Add(time.Hour), TTLDeadline: time.Now().Add(time.Hour),
		LastHeartbeat: time.Now(),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	// No host row for "gone": the operator destroyed it out from under the lease.

	adapter := controller.NewFakeAdapter()
	factory := func(hostID string) (*nodeagent.Client, error) { return nil, assertUnreachable }

	g := New(store, adapter, factory, testConfig())
	require.NoError(t, g.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateTerminated, got.State, "orphan reclaim and teardown both run in the same tick")
	assert.Equal(t, "host_removed", got.LastError)
}

func TestGCIdempotentDoubleDelete(t *testing.T) {
	store := newTestStore(t)
	lease := &types.Lease{
		LeaseID: "l1", VMID: "vm-1", ControllerNodeName: "ephemeral-l1",
		State: types.LeaseStateTerminating, HostID: "h1",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
		ConnectDeadline: time.Now().Add(time.Hour), TTLDeadline: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateLease(lease, nil))
	require.NoError(t, store.UpsertHost(&types.Host{HostID: "h1", Enabled: true}))

	agentURL := newAcceptingNodeAgent(t)
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(agentURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}
	adapter := controller.NewFakeAdapter()

	g := New(store, adapter, factory, testConfig())
	require.NoError(t, g.Tick(context.Background()))
	require.NoError(t, g.Tick(context.Background()))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateTerminated, got.State)
}

var assertUnreachable = unreachableErr{}

type unreachableErr struct{}

func (unreachableErr) Error() string { return "node agent unreachable" }
