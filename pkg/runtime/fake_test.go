package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	engine := NewFakeEngine()

	id, err := engine.Create(ctx, ContainerSpec{ID: "matrix-1", Image: "matrix:latest"})
	require.NoError(t, err)
	assert.Equal(t, "matrix-1", id)

	info, err := engine.Inspect(ctx, id)
	require.NoError(t, err)
	assert.False(t, info.Running)

	require.NoError(t, engine.Start(ctx, id))
	info, err = engine.Inspect(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Running)

	engine.SetExited(id, 1)
	info, err = engine.Inspect(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Exited)
	assert.Equal(t, 1, info.ExitCode)

	require.NoError(t, engine.Remove(ctx, id))
	assert.False(t, engine.Exists(id))
}

func TestFakeEngineConnectNetworkFailures(t *testing.T) {
	ctx := context.Background()
	engine := NewFakeEngine()
	_, err := engine.Create(ctx, ContainerSpec{ID: "zion-9"})
	require.NoError(t, err)

	engine.NetworkFailures["zion-9"] = 2

	assert.Error(t, engine.ConnectNetwork(ctx, "zion-9", "overlay0"))
	assert.Error(t, engine.ConnectNetwork(ctx, "zion-9", "overlay0"))
	require.NoError(t, engine.ConnectNetwork(ctx, "zion-9", "overlay0"))

	info, err := engine.Inspect(ctx, "zion-9")
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.9", info.Endpoint)
}
