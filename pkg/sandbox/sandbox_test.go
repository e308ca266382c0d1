package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/types"
)

func testTenant() TenantContext {
	return TenantContext{
		Name:  "oracle",
		ID:    "tenant-oracle",
		Image: "oracle:latest",
	}
}

func TestNextCreatingToAttaching(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()

	s := types.Sandbox{Phase: types.PhaseCreating}
	s = Next(ctx, s, engine, testTenant(), Probe{})

	assert.Equal(t, types.PhaseAttaching, s.Phase)
	assert.NotEmpty(t, s.ContainerID)
}

func TestNextAttachingToStarting(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)

	s := types.Sandbox{Phase: types.PhaseAttaching, ContainerID: "sandbox-oracle"}
	s = Next(ctx, s, engine, testTenant(), Probe{})

	assert.Equal(t, types.PhaseStarting, s.Phase)
}

func TestNextAttachingNetworkFailureRecreates(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)
	engine.NetworkFailures["sandbox-oracle"] = 1

	s := types.Sandbox{Phase: types.PhaseAttaching, ContainerID: "sandbox-oracle"}
	s = Next(ctx, s, engine, testTenant(), Probe{})
	require.Equal(t, types.PhaseRecreating, s.Phase)

	s = Next(ctx, s, engine, testTenant(), Probe{})
	require.Equal(t, types.PhaseCreating, s.Phase)
	assert.Equal(t, 1, s.RecreateCount)
}

func TestNextRecreatingExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()

	s := types.Sandbox{Phase: types.PhaseRecreating, RecreateCount: RecreateBudget}
	s = Next(ctx, s, engine, testTenant(), Probe{})

	require.Equal(t, types.PhaseErrored, s.Phase)
	assert.Equal(t, types.ErrNoNetwork, s.ErrKind)
	assert.Equal(t, types.PhaseRecreating, s.PreviousPhase)
}

func TestNextStartingToStarted(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)

	s := types.Sandbox{Phase: types.PhaseStarting, ContainerID: "sandbox-oracle"}
	s = Next(ctx, s, engine, testTenant(), Probe{})

	assert.Equal(t, types.PhaseStarted, s.Phase)
}

func TestRunningExitFeedsRestartLoopToExhaustedRestart(t *testing.T) {
	// A sandbox whose container keeps exiting walks
	// Running -> Restarting(0) -> Starting(1) -> ... -> Errored(ExhaustedRestart),
	// never exceeding RestartBudget attempts.
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx, "sandbox-oracle"))

	s := types.Sandbox{Phase: types.PhaseRunning, ContainerID: "sandbox-oracle"}

	for i := 0; i < RestartBudget; i++ {
		engine.SetExited("sandbox-oracle", 1)
		s = Next(ctx, s, engine, testTenant(), Probe{})
		require.Equal(t, types.PhaseRestarting, s.Phase, "iteration %d", i)

		s = Next(ctx, s, engine, testTenant(), Probe{})
		if i < RestartBudget-1 {
			require.Equal(t, types.PhaseStarting, s.Phase, "iteration %d", i)
			require.NoError(t, engine.Start(ctx, s.ContainerID))
			s = types.Sandbox{Phase: types.PhaseRunning, ContainerID: s.ContainerID, RestartCount: s.RestartCount}
		}
	}

	require.Equal(t, types.PhaseErrored, s.Phase)
	assert.Equal(t, types.ErrExhaustedRestart, s.ErrKind)
}

func TestNextStartedBecomesReadyWhenSupervisorHealthy(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx, "sandbox-oracle"))
	require.NoError(t, engine.ConnectNetwork(ctx, "sandbox-oracle", "overlay0"))

	s := types.Sandbox{Phase: types.PhaseStarted, ContainerID: "sandbox-oracle"}
	s = Next(ctx, s, engine, testTenant(), Probe{SupervisorHealthy: true})

	require.Equal(t, types.PhaseReady, s.Phase)
	assert.NotEmpty(t, s.Endpoint)
	assert.True(t, s.LastCheck.IsHealthy)
}

func TestNextStartedErroredWhenSupervisorUnreachable(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()

	s := types.Sandbox{Phase: types.PhaseStarted, ContainerID: "sandbox-oracle"}
	s = Next(ctx, s, engine, testTenant(), Probe{SupervisorReachable: false})

	require.Equal(t, types.PhaseErrored, s.Phase)
	assert.Equal(t, types.ErrUnresponsive, s.ErrKind)
}

func TestNextReadyToRunningOnTraffic(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()

	s := types.Sandbox{Phase: types.PhaseReady, ContainerID: "sandbox-oracle", Endpoint: "10.0.0.1"}
	s = Next(ctx, s, engine, testTenant(), Probe{TrafficSinceLastCheck: true})

	require.Equal(t, types.PhaseRunning, s.Phase)
	assert.NotEmpty(t, s.ServiceHandle)
	assert.Equal(t, "10.0.0.1", s.Endpoint)
}

func TestNextReadyStopsWhenIdle(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	tenant := testTenant()
	tenant.IdleMinutes = 5

	s := types.Sandbox{
		Phase:     types.PhaseReady,
		LastCheck: types.HealthRecord{At: time.Now().Add(-10 * time.Minute)},
	}
	s = Next(ctx, s, engine, tenant, Probe{})

	assert.Equal(t, types.PhaseStopping, s.Phase)
}

func TestNextReadyDoesNotIdleWhenIdleMinutesZero(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	tenant := testTenant() // IdleMinutes defaults to 0: disabled

	s := types.Sandbox{
		Phase:     types.PhaseReady,
		LastCheck: types.HealthRecord{At: time.Now().Add(-24 * time.Hour)},
	}
	s = Next(ctx, s, engine, tenant, Probe{})

	assert.Equal(t, types.PhaseReady, s.Phase)
}

func TestNextRunningExitRestarts(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)
	engine.SetExited("sandbox-oracle", 137)

	s := types.Sandbox{Phase: types.PhaseRunning, ContainerID: "sandbox-oracle"}
	s = Next(ctx, s, engine, testTenant(), Probe{})

	assert.Equal(t, types.PhaseRestarting, s.Phase)
}

func TestNextStoppingToStopped(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)

	s := types.Sandbox{Phase: types.PhaseStopping, ContainerID: "sandbox-oracle"}
	s = Next(ctx, s, engine, testTenant(), Probe{})

	assert.Equal(t, types.PhaseStopped, s.Phase)
}

func TestWakeFromStopped(t *testing.T) {
	s := types.Sandbox{Phase: types.PhaseStopped, ContainerID: "sandbox-oracle"}
	s = Wake(s)
	assert.Equal(t, types.PhaseStarting, s.Phase)
}

func TestWakeOnlyAppliesToStopped(t *testing.T) {
	s := types.Sandbox{Phase: types.PhaseReady}
	assert.Equal(t, s, Wake(s))
}

func TestRebootDrainsThroughCreating(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)

	s := types.Sandbox{Phase: types.PhaseRunning, ContainerID: "sandbox-oracle"}
	s = Reboot(s)
	require.Equal(t, types.PhaseRebooting, s.Phase)

	s = Next(ctx, s, engine, testTenant(), Probe{})
	assert.Equal(t, types.PhaseCreating, s.Phase)
	assert.Equal(t, 0, s.RecreateCount)
}

func TestDestroyDrainsThroughDestroyed(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()
	_, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-oracle"})
	require.NoError(t, err)

	s := types.Sandbox{Phase: types.PhaseReady, ContainerID: "sandbox-oracle"}
	s = Destroy(s)
	require.Equal(t, types.PhaseDestroying, s.Phase)

	s = Next(ctx, s, engine, testTenant(), Probe{})
	assert.Equal(t, types.PhaseDestroyed, s.Phase)
}

func TestDestroyOnDestroyedIsNoop(t *testing.T) {
	s := types.Sandbox{Phase: types.PhaseDestroyed}
	assert.Equal(t, s, Destroy(s))
}

func TestAdminRestartFromErrored(t *testing.T) {
	s := types.Sandbox{
		Phase:         types.PhaseErrored,
		ErrKind:       types.ErrUnresponsive,
		PreviousPhase: types.PhaseStarted,
	}
	s = AdminRestart(s)
	assert.Equal(t, types.PhaseCreating, s.Phase)
	assert.Equal(t, types.ErrorKind(""), s.ErrKind)
}

func TestAdminRestartOnlyAppliesToErrored(t *testing.T) {
	s := types.Sandbox{Phase: types.PhaseReady}
	assert.Equal(t, s, AdminRestart(s))
}

func TestNextOnTerminalPhasesIsNoop(t *testing.T) {
	ctx := context.Background()
	engine := runtime.NewFakeEngine()

	for _, phase := range []types.Phase{types.PhaseStopped, types.PhaseDestroyed, types.PhaseErrored, types.PhaseCompleted} {
		s := types.Sandbox{Phase: phase}
		assert.Equal(t, s, Next(ctx, s, engine, testTenant(), Probe{}))
	}
}
