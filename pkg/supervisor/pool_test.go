package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/types"
)

// TestPoolProbeHealthy pre-populates the pool's client cache directly
// rather than letting Probe dial, since the fixed supervisor Port constant
// can't be rebound to an arbitrary test listener address.
func TestPoolProbeHealthy(t *testing.T) {
	addr := fakeSupervisor(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			env, err := readFrame(conn)
			if err != nil {
				return
			}
			assert.Equal(t, methodHealthCheck, env.Method)
			if err := writeFrame(conn, envelope{Method: methodHealthCheck}); err != nil {
				return
			}
		}
	})

	pool := NewPool(time.Second)
	tenant := &types.Tenant{Name: "neo", State: types.Sandbox{Phase: types.PhaseStarted, Endpoint: "127.0.0.1"}}

	client, err := DialWithBackoff(context.Background(), "tcp", addr, time.Second)
	require.NoError(t, err)
	pool.mu.Lock()
	pool.clients["neo"] = client
	pool.mu.Unlock()

	probe := pool.Probe(context.Background(), tenant)
	assert.True(t, probe.SupervisorReachable)
	assert.True(t, probe.SupervisorHealthy)
}

func TestPoolProbeNoEndpoint(t *testing.T) {
	pool := NewPool(time.Second)
	tenant := &types.Tenant{Name: "morpheus", State: types.Sandbox{Phase: types.PhaseCreating}}

	probe := pool.Probe(context.Background(), tenant)
	assert.False(t, probe.SupervisorReachable)
	assert.False(t, probe.SupervisorHealthy)
}

func TestPoolProbeUnreachable(t *testing.T) {
	pool := NewPool(50 * time.Millisecond)
	tenant := &types.Tenant{Name: "trinity", State: types.Sandbox{Phase: types.PhaseStarted, Endpoint: "127.0.0.1"}}

	probe := pool.Probe(context.Background(), tenant)
	assert.False(t, probe.SupervisorReachable)
}

func TestPoolRecordTraffic(t *testing.T) {
	pool := NewPool(time.Second)
	tenant := &types.Tenant{Name: "cypher", State: types.Sandbox{Phase: types.PhaseCreating}}

	pool.RecordTraffic("cypher")
	probe := pool.Probe(context.Background(), tenant)
	assert.True(t, probe.TrafficSinceLastCheck)

	// Consumed by the previous Probe; a second call sees none.
	probe = pool.Probe(context.Background(), tenant)
	assert.False(t, probe.TrafficSinceLastCheck)
}

func TestPoolForgetClosesConnection(t *testing.T) {
	addr := fakeSupervisor(t, func(conn net.Conn) {
		defer conn.Close()
		readFrame(conn)
	})
	pool := NewPool(time.Second)
	client, err := DialWithBackoff(context.Background(), "tcp", addr, time.Second)
	require.NoError(t, err)
	pool.mu.Lock()
	pool.clients["tank"] = client
	pool.mu.Unlock()

	pool.Forget("tank")

	pool.mu.Lock()
	_, ok := pool.clients["tank"]
	pool.mu.Unlock()
	assert.False(t, ok)
}
