package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/types"
)

// Pool manages one Client per tenant and satisfies pkg/scheduler.Prober,
// so the scheduler's tasks never dial a supervisor connection themselves.
// Connections are opened lazily on first Probe and kept around across
// polls, matching the "one conn per node" lifetime of the teacher's
// worker-to-manager channel.
type Pool struct {
	connectTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client

	trafficMu sync.Mutex
	traffic   map[string]bool
}

// NewPool builds a Pool dialing with connectTimeout (DefaultConnectTimeout
// if zero).
func NewPool(connectTimeout time.Duration) *Pool {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Pool{
		connectTimeout: connectTimeout,
		logger:         log.WithComponent("supervisor-pool"),
		clients:        make(map[string]*Client),
		traffic:        make(map[string]bool),
	}
}

// RecordTraffic marks tenantName as having received a request since its
// last Probe. Called by the proxy's request path (spec §4.5); consumed
// and cleared by the next Probe.
func (p *Pool) RecordTraffic(tenantName string) {
	p.trafficMu.Lock()
	p.traffic[tenantName] = true
	p.trafficMu.Unlock()
}

func (p *Pool) takeTraffic(tenantName string) bool {
	p.trafficMu.Lock()
	defer p.trafficMu.Unlock()
	seen := p.traffic[tenantName]
	delete(p.traffic, tenantName)
	return seen
}

// Forget closes and evicts tenantName's connection, for use once a
// sandbox leaves a phase a supervisor connection is meaningful for
// (Stopping, Destroying, Rebooting).
func (p *Pool) Forget(tenantName string) {
	p.mu.Lock()
	c, ok := p.clients[tenantName]
	delete(p.clients, tenantName)
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Probe implements pkg/scheduler.Prober. It dials (or reuses) tenant's
// supervisor connection, runs HealthCheck, and folds in any traffic
// recorded since the last call.
func (p *Pool) Probe(ctx context.Context, tenant *types.Tenant) sandbox.Probe {
	probe := sandbox.Probe{TrafficSinceLastCheck: p.takeTraffic(tenant.Name)}

	if tenant.State.Endpoint == "" {
		return probe
	}

	client, err := p.clientFor(ctx, tenant.Name, tenant.State.Endpoint)
	if err != nil {
		p.logger.Debug().Err(err).Str("tenant", tenant.Name).Msg("supervisor unreachable")
		return probe
	}
	probe.SupervisorReachable = true

	if err := client.HealthCheck(ctx); err != nil {
		p.logger.Debug().Err(err).Str("tenant", tenant.Name).Msg("supervisor health check failed")
		return probe
	}
	probe.SupervisorHealthy = true
	return probe
}

// DialSupervisor implements pkg/scheduler.Prober's other half: the
// Load/Start handshake draws from the same cached-connection-per-tenant
// pool Probe's HealthCheck calls do.
func (p *Pool) DialSupervisor(ctx context.Context, tenantName, bindIP string) (sandbox.Supervisor, error) {
	return p.clientFor(ctx, tenantName, bindIP)
}

func (p *Pool) clientFor(ctx context.Context, tenantName, endpoint string) (*Client, error) {
	p.mu.Lock()
	client, ok := p.clients[tenantName]
	p.mu.Unlock()
	if ok {
		return client, nil
	}

	addr := fmt.Sprintf("%s:%d", endpoint, Port)
	client, err := DialWithBackoff(ctx, "tcp", addr, p.connectTimeout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.clients[tenantName]; ok {
		p.mu.Unlock()
		_ = client.Close()
		return existing, nil
	}
	p.clients[tenantName] = client
	p.mu.Unlock()
	return client, nil
}
