package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdapterCreateDeleteAndList(t *testing.T) {
	ctx := context.Background()
	f := NewFakeAdapter()

	result, err := f.CreateNode(ctx, "ephemeral-abc", "linux")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Secret)

	names, err := f.ListNodesWithPrefix(ctx, "ephemeral-")
	require.NoError(t, err)
	assert.Equal(t, []string{"ephemeral-abc"}, names)

	require.NoError(t, f.DeleteNode(ctx, "ephemeral-abc"))
	names, err = f.ListNodesWithPrefix(ctx, "ephemeral-")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFakeAdapterNodeStateUnknownErrors(t *testing.T) {
	f := NewFakeAdapter()
	_, err := f.NodeState(context.Background(), "missing")
	assert.Error(t, err)
}

func TestFakeAdapterQueued(t *testing.T) {
	f := NewFakeAdapter()
	f.SetQueued("linux", 3)
	n, err := f.Queued(context.Background(), "linux")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
