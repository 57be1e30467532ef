package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tuxillo/fleetd/pkg/types"
)

func TestCanTransitionHappyPath(t *testing.T) {
	path := []types.LeaseState{
		types.LeaseStateRequested,
		types.LeaseStateProvisioning,
		types.LeaseStateBooting,
		types.LeaseStateConnected,
		types.LeaseStateRunning,
		types.LeaseStateTerminating,
		types.LeaseStateTerminated,
	}
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
	}
}

func TestCanTransitionRejectsBackward(t *testing.T) {
	assert.False(t, CanTransition(types.LeaseStateRunning, types.LeaseStateBooting))
	assert.False(t, CanTransition(types.LeaseStateTerminated, types.LeaseStateRunning))
	assert.False(t, CanTransition(types.LeaseStateFailed, types.LeaseStateTerminating))
}

func TestCanTransitionNoOpAllowed(t *testing.T) {
	assert.True(t, CanTransition(types.LeaseStateRunning, types.LeaseStateRunning))
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, Terminal(types.LeaseStateTerminated))
	assert.True(t, Terminal(types.LeaseStateFailed))
	assert.False(t, Terminal(types.LeaseStateRunning))
}
