package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/types"
)

// TaskResult is the outcome a Task reports after one poll, per spec §4.2:
// Pending/TryAgain cause a backoff re-enqueue, Done/Cancelled/Err are
// terminal for the dispatcher.
type TaskResult int

const (
	Pending TaskResult = iota
	Done
	TryAgain
	Cancelled
	Err
)

func (r TaskResult) String() string {
	switch r {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case TryAgain:
		return "try again"
	case Cancelled:
		return "cancelled"
	case Err:
		return "error"
	default:
		return "unknown"
	}
}

// isDone reports whether the dispatcher should stop polling this task.
func (r TaskResult) isDone() bool {
	switch r {
	case Done, Cancelled, Err:
		return true
	default:
		return false
	}
}

// Prober gathers the signals Next needs beyond the container engine: the
// sandbox supervisor's health/reachability and whether the proxy has seen
// traffic for this tenant since the last check. Implemented by
// pkg/supervisor.Pool, which also tracks proxy-observed traffic; kept as
// a narrow interface here so tasks are testable without a live supervisor
// connection, the same pattern runtime.ContainerEngine uses.
type Prober interface {
	Probe(ctx context.Context, tenant *types.Tenant) sandbox.Probe

	// DialSupervisor opens (or reuses) a connection to tenantName's
	// supervisor at bindIP, for the Load/Start handshake runUntilDone
	// drives on the Starting->Started edge (spec §4.6).
	DialSupervisor(ctx context.Context, tenantName, bindIP string) (sandbox.Supervisor, error)
}

// ProberFunc adapts a plain function to Prober's Probe method only; it
// does not satisfy the full interface and is meant for testing Probe
// callers in isolation, not for driving a Task.
type ProberFunc func(ctx context.Context, tenant *types.Tenant) sandbox.Probe

func (f ProberFunc) Probe(ctx context.Context, tenant *types.Tenant) sandbox.Probe {
	return f(ctx, tenant)
}

// Outcome is what a poll of a Task reports back to the dispatcher: a
// result plus an error when Result == Err.
type Outcome struct {
	Result TaskResult
	Err    error
}

func done() Outcome      { return Outcome{Result: Done} }
func pending() Outcome   { return Outcome{Result: Pending} }
func tryAgain() Outcome  { return Outcome{Result: TryAgain} }
func failed(err error) Outcome {
	return Outcome{Result: Err, Err: err}
}

// Task advances one tenant's sandbox by a bounded amount of work and
// reports how the dispatcher should proceed. Implementations close over
// whatever admin intent triggered them; all of them end up calling into
// pkg/sandbox and mutating tenant.State.
type Task func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome

// terminalForOp is the set of phases RunUntilDone stops polling at: the
// sandbox has either reached a steady serving state or a state that
// requires a different admin action to move past.
func terminalForOp(phase types.Phase) bool {
	switch phase {
	case types.PhaseReady, types.PhaseRunning, types.PhaseStopped, types.PhaseDestroyed, types.PhaseErrored:
		return true
	default:
		return false
	}
}

// runUntilDone loops pkg/sandbox.Next until the sandbox reaches a
// terminal-for-this-operation phase. Grounded on task.rs's RunUntilDone:
// each poll re-derives the probe (the equivalent of task.rs's
// ctx.state.refresh), then advances exactly one step; restart/recreate
// budget exhaustion is itself a terminal phase (Errored), so there's no
// separate "exhausted" branch to special-case here.
func runUntilDone(tctx TenantConfig) Task {
	return func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		if terminalForOp(tenant.State.Phase) {
			return done()
		}
		before := tenant.State.Phase
		probe := prober.Probe(ctx, tenant)
		tenant.State = sandbox.Next(ctx, tenant.State, engine, tctx(tenant), probe)

		if before == types.PhaseStarting && tenant.State.Phase == types.PhaseStarted {
			if err := handshakeSupervisor(ctx, tenant, engine, prober, tctx(tenant)); err != nil {
				tenant.State = sandbox.SupervisorUnresponsive(tenant.State)
			}
		}

		if terminalForOp(tenant.State.Phase) {
			return done()
		}
		if tenant.State.Phase == before {
			// Next made no progress (e.g. Ready with no traffic, not yet
			// idle): nothing to persist, just retry after backoff.
			return tryAgain()
		}
		return pending()
	}
}

// handshakeSupervisor runs spec §4.6's load/start handshake the instant a
// sandbox's container reports Running: resolve its overlay network
// endpoint, dial its supervisor, declare resources via Load, and tell it
// to start serving via Start. Backing-resource provisioning (databases,
// secrets) is out of scope, so the resource blobs Load returns pass
// straight through to Start unmodified rather than through an external
// provisioner.
func handshakeSupervisor(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober, tc sandbox.TenantContext) error {
	info, err := engine.Inspect(ctx, tenant.State.ContainerID)
	if err != nil || info.Endpoint == "" {
		return fmt.Errorf("scheduler: resolving sandbox endpoint: %w", err)
	}

	sup, err := prober.DialSupervisor(ctx, tenant.Name, info.Endpoint)
	if err != nil {
		return fmt.Errorf("scheduler: dialing supervisor: %w", err)
	}

	resources, err := sup.Load(ctx, tc.Image, nil, envMap(tc.Env))
	if err != nil {
		return fmt.Errorf("scheduler: supervisor load: %w", err)
	}
	if err := sup.Start(ctx, info.Endpoint, resources); err != nil {
		return fmt.Errorf("scheduler: supervisor start: %w", err)
	}
	return nil
}

// envMap turns TenantContext.Env's "KEY=VALUE" entries into the map form
// the supervisor protocol's load request carries.
func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// wakeTask lands a Stopped sandbox back on Starting (spec §4.2 wake-on-demand).
func wakeTask() Task {
	return func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		tenant.State = sandbox.Wake(tenant.State)
		return done()
	}
}

// rebootTask is the admin-triggered reboot entry point: it lands the
// sandbox on Rebooting and lets the next runUntilDone poll drain it.
func rebootTask() Task {
	return func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		tenant.State = sandbox.Reboot(tenant.State)
		return done()
	}
}

// destroyTask lands the sandbox on Destroying.
func destroyTask() Task {
	return func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		tenant.State = sandbox.Destroy(tenant.State)
		return done()
	}
}

// adminRestartTask revives an Errored sandbox back to Creating.
func adminRestartTask() Task {
	return func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		tenant.State = sandbox.AdminRestart(tenant.State)
		return done()
	}
}

// healthCheckTask re-probes a Ready/Running sandbox and runs one
// pkg/sandbox.Next step on it; the result is committed only when the phase
// changed, so a poll that leaves the phase as it was persists nothing.
// Registered by the
// 10s fan-out sweep (§4.2a) against every tenant IterReadyTenants yields.
func healthCheckTask(tctx TenantConfig) Task {
	return func(ctx context.Context, tenant *types.Tenant, engine runtime.ContainerEngine, prober Prober) Outcome {
		if !tenant.State.IsServing() {
			return done()
		}
		probe := prober.Probe(ctx, tenant)
		tenant.State = sandbox.Next(ctx, tenant.State, engine, tctx(tenant), probe)
		return done()
	}
}

// TenantConfig resolves the pkg/sandbox.TenantContext for a tenant. It is a
// function rather than a stored field so callers can fold in runtime
// config (network name, admin secret) that lives outside types.Tenant.
type TenantConfig func(tenant *types.Tenant) sandbox.TenantContext

// backoff implements spec §4.2's re-enqueue delay: min(3^tries, 30s).
func backoff(tries int) time.Duration {
	if tries <= 0 {
		return 0
	}
	ms := int64(1)
	for i := 0; i < tries; i++ {
		ms *= 3
		if ms >= 30_000 {
			return 30 * time.Second
		}
	}
	return time.Duration(ms) * time.Millisecond
}
