package scheduler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/security"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
)

// healthyProber always reports a healthy, reachable supervisor with no
// pending traffic, sufficient to drive a sandbox from Creating to Ready.
type healthyProber struct{}

func (healthyProber) Probe(ctx context.Context, tenant *types.Tenant) sandbox.Probe {
	return sandbox.Probe{SupervisorHealthy: true, SupervisorReachable: true}
}

func (healthyProber) DialSupervisor(ctx context.Context, tenantName, bindIP string) (sandbox.Supervisor, error) {
	return noopSupervisor{}, nil
}

// noopSupervisor satisfies sandbox.Supervisor with a Load/Start handshake
// that always succeeds, for tests that only care about phase transitions.
type noopSupervisor struct{}

func (noopSupervisor) Load(ctx context.Context, artifactPath string, secrets, environment map[string]string) ([]json.RawMessage, error) {
	return nil, nil
}

func (noopSupervisor) Start(ctx context.Context, bindIP string, resources []json.RawMessage) error {
	return nil
}

func testEnv(t *testing.T) (storage.Store, *runtime.FakeEngine) {
	t.Helper()
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")))
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, runtime.NewFakeEngine()
}

func testTenantConfig(tenant *types.Tenant) sandbox.TenantContext {
	return sandbox.TenantContext{
		Name:        tenant.Name,
		ID:          tenant.ID,
		Image:       "example/sandbox:latest",
		IdleMinutes: tenant.IdleMinutes,
		NetworkName: "sandboxes",
	}
}

func TestSchedulerDrivesCreateToReady(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig, WithWorkers(2))
	sched.Start()
	defer sched.Stop()

	ctx := context.Background()
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
		Name: "neo", State: types.Sandbox{Phase: types.PhaseCreating},
	}))

	h, err := sched.EnqueueCreate("neo")
	require.NoError(t, err)

	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, Done, out.Result)

	tenant, err := store.GetTenant(ctx, "neo")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseReady, tenant.State.Phase)
}

func TestSchedulerEnqueueUnknownTenantFails(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig, WithWorkers(1))
	sched.Start()
	defer sched.Stop()

	h, err := sched.EnqueueCreate("ghost")
	require.NoError(t, err) // accepted into the queue; failure surfaces from the task itself

	out, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Err, out.Result)
	assert.Error(t, out.Err)
}

func TestSchedulerAtMostOnePerTenant(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig, WithWorkers(4))
	sched.Start()
	defer sched.Stop()

	ctx := context.Background()
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
		Name: "trinity", State: types.Sandbox{Phase: types.PhaseReady},
	}))

	var inFlight int32
	var maxObserved int32
	blocking := func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			if cur := atomic.LoadInt32(&maxObserved); n > cur {
				if atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
					break
				}
				continue
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return done()
	}

	var handles []Handle
	for i := 0; i < 5; i++ {
		h, err := sched.Enqueue("trinity", blocking)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		out, err := h.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, Done, out.Result)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxObserved), "at most one task in flight per tenant")
}

func TestSchedulerCrossTenantParallelism(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig, WithWorkers(4))
	sched.Start()
	defer sched.Stop()

	ctx := context.Background()
	for _, name := range []string{"morpheus", "cypher", "tank"} {
		require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
			Name: name, State: types.Sandbox{Phase: types.PhaseReady},
		}))
	}

	start := time.Now()
	var handles []Handle
	slow := func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		time.Sleep(50 * time.Millisecond)
		return done()
	}
	for _, name := range []string{"morpheus", "cypher", "tank"} {
		h, err := sched.Enqueue(name, slow)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}

	assert.Less(t, time.Since(start), 150*time.Millisecond, "independent tenants should run concurrently, not serially")
}

func TestSchedulerDestroyDrainsToDestroyed(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig, WithWorkers(2))
	sched.Start()
	defer sched.Stop()

	ctx := context.Background()
	containerID, err := engine.Create(ctx, runtime.ContainerSpec{ID: "sandbox-switch"})
	require.NoError(t, err)
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
		Name:  "switch",
		State: types.Sandbox{Phase: types.PhaseReady, ContainerID: containerID},
	}))

	h, err := sched.EnqueueDestroy("switch")
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, Done, out.Result)

	tenant, err := store.GetTenant(ctx, "switch")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDestroyed, tenant.State.Phase)
}

func TestDeleteRecordRequiresDestroyed(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig, WithWorkers(1))

	ctx := context.Background()
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
		Name: "dozer", State: types.Sandbox{Phase: types.PhaseReady},
	}))

	err := sched.DeleteRecord(ctx, "dozer")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	tenant, err := store.GetTenant(ctx, "dozer")
	require.NoError(t, err)
	tenant.State.Phase = types.PhaseDestroyed
	require.NoError(t, store.UpdateTenant(ctx, tenant))

	require.NoError(t, sched.DeleteRecord(ctx, "dozer"))
	_, err = store.GetTenant(ctx, "dozer")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReviveErroredEnqueuesOnlyErroredTenants(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig, WithWorkers(2))
	sched.Start()
	defer sched.Stop()

	ctx := context.Background()
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
		Name: "apoc", State: types.Sandbox{Phase: types.PhaseErrored, ErrKind: types.ErrExhaustedRestart},
	}))
	require.NoError(t, store.CreateTenant(ctx, &types.Tenant{
		Name: "mouse", State: types.Sandbox{Phase: types.PhaseReady},
	}))

	revived, err := sched.ReviveErrored(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"apoc"}, revived)

	require.Eventually(t, func() bool {
		tenant, err := store.GetTenant(ctx, "apoc")
		return err == nil && tenant.State.Phase == types.PhaseReady
	}, time.Second, 5*time.Millisecond)
}

func TestQueueDegradedThreshold(t *testing.T) {
	store, engine := testEnv(t)
	sched := New(store, engine, healthyProber{}, testTenantConfig)

	assert.False(t, sched.Degraded())

	for i := 0; i < QueueCapacity-DegradedFloor+1; i++ {
		sched.global <- "filler"
	}
	assert.True(t, sched.Degraded())
}
