package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuxillo/fleetd/pkg/storage"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, cfg), store
}

func TestRegisterRejectsUnknownHostByDefault(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	_, err := reg.Register("h1", "whatever", Platform{}, Capacity{})
	assert.ErrorIs(t, err, ErrUnknownHost)
}

func TestRegisterRejectsWrongBootstrapToken(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	_, err := reg.ProvisionHost("h1")
	require.NoError(t, err)

	_, err = reg.Register("h1", "not-the-real-token", Platform{}, Capacity{})
	assert.ErrorIs(t, err, ErrInvalidBootstrapToken)
}

func TestRegisterSucceedsAndHeartbeatWorks(t *testing.T) {
	reg, store := newTestRegistry(t, Config{})
	token, err := reg.ProvisionHost("h1")
	require.NoError(t, err)

	result, err := reg.Register("h1", token, Platform{OSFamily: "linux"}, Capacity{CPUTotal: 8, CPUFree: 8, RAMTotalMB: 16384, RAMFreeMB: 16384})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionToken)
	assert.True(t, result.Enabled)

	err = reg.Heartbeat("h1", result.SessionToken, Capacity{CPUFree: 4, RAMFreeMB: 8192, IOPressure: 0.2}, []string{"vm-1"})
	require.NoError(t, err)

	host, err := store.GetHost("h1")
	require.NoError(t, err)
	assert.Equal(t, 4, host.CPUFree)
	assert.Equal(t, 0.2, host.IOPressure)
}

func TestHeartbeatRejectsWrongSessionToken(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	token, err := reg.ProvisionHost("h1")
	require.NoError(t, err)
	_, err = reg.Register("h1", token, Platform{}, Capacity{})
	require.NoError(t, err)

	err = reg.Heartbeat("h1", "bogus-session", Capacity{}, nil)
	assert.ErrorIs(t, err, ErrInvalidSessionToken)
}

func TestHeartbeatRejectsExpiredSession(t *testing.T) {
	reg, store := newTestRegistry(t, Config{SessionTTL: time.Millisecond})
	token, err := reg.ProvisionHost("h1")
	require.NoError(t, err)
	result, err := reg.Register("h1", token, Platform{}, Capacity{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	err = reg.Heartbeat("h1", result.SessionToken, Capacity{}, nil)
	assert.ErrorIs(t, err, ErrInvalidSessionToken)
	_ = store
}

func TestDisableRevokesSessionAndHeartbeatFails(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	token, err := reg.ProvisionHost("h1")
	require.NoError(t, err)
	result, err := reg.Register("h1", token, Platform{}, Capacity{})
	require.NoError(t, err)

	require.NoError(t, reg.Disable("h1"))
	err = reg.Heartbeat("h1", result.SessionToken, Capacity{}, nil)
	assert.ErrorIs(t, err, ErrHostDisabled)
}

func TestAllowAutoCreateRegistersUnknownHost(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{AllowAutoCreate: true})
	result, err := reg.Register("new-host", "any-token-becomes-the-bootstrap-hash", Platform{}, Capacity{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionToken)
}

func TestEnableDisableRoundTrip(t *testing.T) {
	reg, store := newTestRegistry(t, Config{})
	_, err := reg.ProvisionHost("h1")
	require.NoError(t, err)

	require.NoError(t, reg.Disable("h1"))
	host, _ := store.GetHost("h1")
	assert.False(t, host.Enabled)

	require.NoError(t, reg.Enable("h1"))
	host, _ = store.GetHost("h1")
	assert.True(t, host.Enabled)
}
