package provisioner

import (
	"context"
	"errors"
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

func TestNewLeaseDeadlineOrdering(t *testing.T) {
	now := time.Now()
	lease := NewLease("linux", 10*time.Second, time.Hour, now)
	assert.True(t, lease.ConnectDeadline.Before(lease.TTLDeadline))
	assert.Equal(t, types.LeaseStateRequested, lease.State)
	assert.NotEmpty(t, lease.VMID)
}

func TestProvisionHappyPathReachesBooting(t *testing.T) {
	store := newTestStore(t)
	lease := NewLease("linux", time.Minute, time.Hour, time.Now())
	require.NoError(t, store.CreateLease(lease, nil))
	host := &types.Host{HostID: "h1", Enabled: true}
	require.NoError(t, store.UpsertHost(host))

	adapter := controller.NewFakeAdapter()

	var nodeAgentServerURL string
	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(nodeAgentServerURL, "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}

	srv := newFakeNodeAgent(t, true)
	nodeAgentServerURL = srv

	p := New(store, adapter, factory, Config{ControllerURL: "http://controller"})
	require.NoError(t, p.Provision(context.Background(), lease, host))

	got, err := store.GetLease(lease.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateBooting, got.State)
	assert.Equal(t, "h1", got.HostID)
}

func TestProvisionFailsAndCleansUpControllerNode(t *testing.T) {
	store := newTestStore(t)
	lease := NewLease("linux", time.Minute, time.Hour, time.Now())
	require.NoError(t, store.CreateLease(lease, nil))
	host := &types.Host{HostID: "h1", Enabled: true}
	require.NoError(t, store.UpsertHost(host))

	adapter := controller.NewFakeAdapter()

	factory := func(hostID string) (*nodeagent.Client, error) {
		return nodeagent.New(newFakeNodeAgent(t, false), "", httpclient.RetryPolicy{Attempts: 1, Sleep: time.Millisecond}), nil
	}

	p := New(store, adapter, factory, Config{ControllerURL: "http://controller"})
	err := p.Provision(context.Background(), lease, host)
	assert.Error(t, err)

	got, getErr := store.GetLease(lease.LeaseID)
	require.NoError(t, getErr)
	assert.Equal(t, types.LeaseStateFailed, got.State)
	assert.NotEmpty(t, got.LastError)

	_, nodeErr := adapter.NodeState(context.Background(), lease.ControllerNodeName)
	assert.Error(t, nodeErr, "controller node should have been deleted on failure")
}

func TestProvisionAbortsIfNotRequested(t *testing.T) {
	store := newTestStore(t)
	lease := NewLease("linux", time.Minute, time.Hour, time.Now())
	lease.State = types.LeaseStateBooting
	require.NoError(t, store.CreateLease(lease, nil))
	host := &types.Host{HostID: "h1", Enabled: true}

	adapter := controller.NewFakeAdapter()
	factory := func(hostID string) (*nodeagent.Client, error) { return nil, errors.New("should not be called") }
	p := New(store, adapter, factory, Config{})

	err := p.Provision(context.Background(), lease, host)
	assert.ErrorIs(t, err, storage.ErrCASFailed)
}
