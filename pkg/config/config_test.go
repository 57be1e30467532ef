package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.GlobalMaxVMs)
	assert.Equal(t, 240, cfg.ConnectDeadlineSec)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("GLOBAL_MAX_VMS", "7")
	t.Setenv("ALLOW_UNKNOWN_HOST_REGISTRATION", "true")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.GlobalMaxVMs)
	assert.True(t, cfg.AllowUnknownHostRegistration)
}

func TestLoadYAMLOverlayThenEnvWins(t *testing.T) {
	path := t.TempDir() + "/fleetd.yaml"
	require.NoError(t, os.WriteFile(path, []byte("global_max_vms: 42\nlabel_burst: 9\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.GlobalMaxVMs)
	assert.Equal(t, 9, cfg.LabelBurst)

	t.Setenv("GLOBAL_MAX_VMS", "3")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.GlobalMaxVMs)
	assert.Equal(t, 9, cfg.LabelBurst)
}

func TestValidateRejectsConnectDeadlineAboveTTL(t *testing.T) {
	cfg := Defaults()
	cfg.ConnectDeadlineSec = 1000
	cfg.VMTTLSec = 100
	assert.Error(t, cfg.Validate())
}
