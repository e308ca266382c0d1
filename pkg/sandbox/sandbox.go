// Package sandbox implements the tenant Sandbox state machine (spec §4.1):
// a tagged union of lifecycle phases advanced by a single pure-with-respect-
// to-engine step function, Next. Next never blocks on anything but the
// container engine; the scheduler supplies the health/traffic signals it
// needs via Probe and persists whatever state it returns.
package sandbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/types"
)

// Supervisor is the subset of pkg/supervisor.Client's RPCs driven
// directly once a sandbox's container starts running (spec §4.6):
// negotiate resources, then start serving with them. Kept as a narrow
// interface here, the same way runtime.ContainerEngine is, so the
// Starting->Started handshake is testable without a live connection.
type Supervisor interface {
	Load(ctx context.Context, artifactPath string, secrets, environment map[string]string) ([]json.RawMessage, error)
	Start(ctx context.Context, bindIP string, resources []json.RawMessage) error
}

const (
	// RestartBudget is the number of consecutive Starting failures a
	// sandbox tolerates before landing on Errored(ExhaustedRestart).
	RestartBudget = 5

	// RecreateBudget is the number of consecutive Attaching failures a
	// sandbox tolerates before landing on Errored(NoNetwork).
	RecreateBudget = 3

	// StopGracePeriod is how long Stopping waits for SIGTERM before the
	// engine escalates to SIGKILL.
	StopGracePeriod = 10 * time.Second
)

// TenantContext carries the identity and policy fields Next needs to
// create or recreate a container. These come from the Tenant row, not the
// Sandbox value itself, so they're threaded in rather than stored on it.
type TenantContext struct {
	Name        string
	ID          string
	Image       string
	Env         []string
	IdleMinutes int // 0 disables the idle watchdog
	AdminSecret string
	NetworkName string
}

// Probe bundles the external signals Next needs beyond what the container
// engine reports directly: supervisor reachability/health and whether
// traffic has arrived since the sandbox's last health check. The scheduler
// gathers these (via pkg/supervisor and request-observed bookkeeping)
// before calling Next.
type Probe struct {
	SupervisorHealthy     bool
	SupervisorReachable   bool
	TrafficSinceLastCheck bool
	Now                   time.Time
}

func (p Probe) now() time.Time {
	if p.Now.IsZero() {
		return time.Now()
	}
	return p.Now
}

// Next advances s by one step, performing whatever container engine side
// effect the edge requires. It is pure with respect to everything but the
// engine: given the same s, engine state, tenant and probe, it always
// returns the same next phase; only the fresh ServiceHandle of Running and
// the wall-clock OccurredAt of Errored differ between calls. Engine errors
// never escape as Go errors; they route the sandbox to Errored, or to
// Recreating/Restarting on the edges that carry a retry budget.
func Next(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine, tenant TenantContext, probe Probe) types.Sandbox {
	from := s.Phase
	var next types.Sandbox

	switch s.Phase {
	case types.PhaseCreating:
		next = stepCreating(ctx, s, engine, tenant)
	case types.PhaseAttaching:
		next = stepAttaching(ctx, s, engine, tenant)
	case types.PhaseRecreating:
		next = stepRecreating(ctx, s, engine, tenant)
	case types.PhaseStarting:
		next = stepStarting(ctx, s, engine)
	case types.PhaseRestarting:
		next = stepRestarting(ctx, s, engine, tenant)
	case types.PhaseStarted:
		next = stepStarted(ctx, s, engine, tenant, probe)
	case types.PhaseReady:
		next = stepReady(s, tenant, probe)
	case types.PhaseRunning:
		next = stepRunning(ctx, s, engine)
	case types.PhaseStopping:
		next = stepStopping(ctx, s, engine)
	case types.PhaseRebooting:
		next = stepRebooting(ctx, s, engine)
	case types.PhaseDestroying:
		next = stepDestroying(ctx, s, engine)
	case types.PhaseStopped, types.PhaseDestroyed, types.PhaseErrored, types.PhaseCompleted:
		return s // terminal for `next`; Wake/Reboot/Destroy/AdminRestart advance these
	default:
		next = errored(s, types.ErrMissingContainerInspect, "unknown phase")
	}

	return recordTransition(from, next)
}

// recordTransition updates the transition/phase-count/error gauges the
// moment a Next/Wake/Reboot/Destroy/AdminRestart call commits a new phase.
// A no-op edge (next.Phase == from) records nothing.
func recordTransition(from types.Phase, next types.Sandbox) types.Sandbox {
	if next.Phase == from {
		return next
	}
	metrics.SandboxTransitionsTotal.WithLabelValues(string(from), string(next.Phase)).Inc()
	metrics.SandboxesTotal.WithLabelValues(string(from)).Dec()
	metrics.SandboxesTotal.WithLabelValues(string(next.Phase)).Inc()
	if next.Phase == types.PhaseErrored {
		metrics.SandboxErroredTotal.WithLabelValues(string(next.ErrKind)).Inc()
	}
	return next
}

// Wake advances a Stopped sandbox back to Starting, in response to a proxy
// request hitting a sleeping tenant (spec §4.2, wake-on-demand).
func Wake(s types.Sandbox) types.Sandbox {
	if s.Phase != types.PhaseStopped {
		return s
	}
	return recordTransition(s.Phase, types.Sandbox{
		Phase:       types.PhaseStarting,
		ContainerID: s.ContainerID,
	})
}

// Reboot is an admin-triggered entry point: it lands the sandbox on
// Rebooting, which Next then drains through a stop+remove before
// re-Creating. Valid from any non-terminal phase.
func Reboot(s types.Sandbox) types.Sandbox {
	if s.IsTerminal() {
		return s
	}
	return recordTransition(s.Phase, types.Sandbox{
		Phase:       types.PhaseRebooting,
		ContainerID: s.ContainerID,
	})
}

// Destroy is an admin-triggered entry point: it lands the sandbox on
// Destroying, which Next then drains through a stop+remove before
// Destroyed. Calling Destroy on an already-Destroyed sandbox is a no-op.
func Destroy(s types.Sandbox) types.Sandbox {
	if s.Phase == types.PhaseDestroyed {
		return s
	}
	return recordTransition(s.Phase, types.Sandbox{
		Phase:       types.PhaseDestroying,
		ContainerID: s.ContainerID,
	})
}

// AdminRestart revives an Errored sandbox back to Creating with its
// budgets reset. It is a no-op on any other phase.
func AdminRestart(s types.Sandbox) types.Sandbox {
	if s.Phase != types.PhaseErrored {
		return s
	}
	return recordTransition(s.Phase, types.Sandbox{Phase: types.PhaseCreating})
}

// SupervisorUnresponsive routes a Started sandbox whose Load/Start
// handshake with its own supervisor failed back to Restarting, drawing on
// the same restart budget stepStarting's engine-level failures draw on.
// It is a no-op on any other phase. Called by pkg/scheduler after it
// drives the handshake itself, since Next has no network access of its
// own (spec §4.6).
func SupervisorUnresponsive(s types.Sandbox) types.Sandbox {
	if s.Phase != types.PhaseStarted {
		return s
	}
	return recordTransition(s.Phase, types.Sandbox{
		Phase:         types.PhaseRestarting,
		RecreateCount: s.RecreateCount,
		RestartCount:  s.RestartCount + 1,
		ContainerID:   s.ContainerID,
	})
}

func stepCreating(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine, tenant TenantContext) types.Sandbox {
	containerID, err := engine.Create(ctx, runtime.ContainerSpec{
		ID:     containerName(tenant),
		Image:  tenant.Image,
		Env:    tenant.Env,
		Labels: labelsFor(tenant),
	})
	if err != nil {
		return errored(s, types.ErrMissingContainerInspect, err.Error())
	}
	return types.Sandbox{
		Phase:         types.PhaseAttaching,
		RecreateCount: s.RecreateCount,
		ContainerID:   containerID,
	}
}

func stepAttaching(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine, tenant TenantContext) types.Sandbox {
	if err := engine.ConnectNetwork(ctx, s.ContainerID, tenant.NetworkName); err != nil {
		return types.Sandbox{
			Phase:         types.PhaseRecreating,
			RecreateCount: s.RecreateCount,
			ContainerID:   s.ContainerID,
		}
	}
	return types.Sandbox{
		Phase:         types.PhaseStarting,
		RecreateCount: s.RecreateCount,
		ContainerID:   s.ContainerID,
	}
}

func stepRecreating(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine, tenant TenantContext) types.Sandbox {
	if s.RecreateCount >= RecreateBudget {
		return errored(s, types.ErrNoNetwork, "recreate budget exhausted")
	}
	_ = engine.Remove(ctx, s.ContainerID)
	return types.Sandbox{
		Phase:         types.PhaseCreating,
		RecreateCount: s.RecreateCount + 1,
	}
}

func stepStarting(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine) types.Sandbox {
	if err := engine.Start(ctx, s.ContainerID); err != nil {
		return types.Sandbox{
			Phase:         types.PhaseRestarting,
			RecreateCount: s.RecreateCount,
			RestartCount:  s.RestartCount + 1,
			ContainerID:   s.ContainerID,
		}
	}

	info, err := engine.Inspect(ctx, s.ContainerID)
	if err != nil {
		return errored(s, types.ErrMissingContainerInspect, err.Error())
	}
	if !info.Running {
		return types.Sandbox{
			Phase:         types.PhaseRestarting,
			RecreateCount: s.RecreateCount,
			RestartCount:  s.RestartCount + 1,
			ContainerID:   s.ContainerID,
		}
	}

	return types.Sandbox{
		Phase:         types.PhaseStarted,
		RecreateCount: s.RecreateCount,
		RestartCount:  s.RestartCount,
		ContainerID:   s.ContainerID,
	}
}

func stepRestarting(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine, tenant TenantContext) types.Sandbox {
	if s.RestartCount >= RestartBudget {
		return errored(s, types.ErrExhaustedRestart, "restart budget exhausted")
	}
	_ = engine.Remove(ctx, s.ContainerID)
	containerID, err := engine.Create(ctx, runtime.ContainerSpec{
		ID:     containerName(tenant),
		Image:  tenant.Image,
		Env:    tenant.Env,
		Labels: labelsFor(tenant),
	})
	if err != nil {
		return errored(s, types.ErrMissingContainerInspect, err.Error())
	}
	return types.Sandbox{
		Phase:         types.PhaseStarting,
		RecreateCount: s.RecreateCount,
		RestartCount:  s.RestartCount,
		ContainerID:   containerID,
	}
}

func stepStarted(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine, tenant TenantContext, probe Probe) types.Sandbox {
	if isIdle(s, tenant, probe) {
		return types.Sandbox{
			Phase:       types.PhaseStopping,
			ContainerID: s.ContainerID,
		}
	}

	if probe.SupervisorHealthy {
		info, err := engine.Inspect(ctx, s.ContainerID)
		if err != nil || info.Endpoint == "" {
			return errored(s, types.ErrMissingContainerInspect, "no overlay endpoint")
		}
		return types.Sandbox{
			Phase:       types.PhaseReady,
			ContainerID: s.ContainerID,
			Endpoint:    info.Endpoint,
			LastCheck:   types.HealthRecord{At: probe.now(), IsHealthy: true},
			LastHealth:  types.HealthRecord{At: probe.now(), IsHealthy: true},
		}
	}

	if !probe.SupervisorReachable {
		return errored(s, types.ErrUnresponsive, "supervisor unreachable")
	}

	// Supervisor reachable but not yet healthy: keep waiting.
	return s
}

func stepReady(s types.Sandbox, tenant TenantContext, probe Probe) types.Sandbox {
	if probe.TrafficSinceLastCheck {
		return types.Sandbox{
			Phase:         types.PhaseRunning,
			ContainerID:   s.ContainerID,
			Endpoint:      s.Endpoint,
			LastCheck:     s.LastCheck,
			LastHealth:    s.LastHealth,
			ServiceHandle: uuid.NewString(),
			LastRequestAt: probe.now(),
		}
	}
	if isIdle(s, tenant, probe) {
		return types.Sandbox{
			Phase:       types.PhaseStopping,
			ContainerID: s.ContainerID,
		}
	}
	return s
}

func stepRunning(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine) types.Sandbox {
	info, err := engine.Inspect(ctx, s.ContainerID)
	if err != nil {
		return errored(s, types.ErrMissingContainerInspect, err.Error())
	}
	if info.Exited {
		return types.Sandbox{
			Phase:       types.PhaseRestarting,
			ContainerID: s.ContainerID,
		}
	}
	return s
}

func stepStopping(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine) types.Sandbox {
	if err := engine.Stop(ctx, s.ContainerID, StopGracePeriod); err != nil {
		return errored(s, types.ErrMissingContainerInspect, err.Error())
	}
	return types.Sandbox{
		Phase:       types.PhaseStopped,
		ContainerID: s.ContainerID,
	}
}

func stepRebooting(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine) types.Sandbox {
	_ = engine.Stop(ctx, s.ContainerID, StopGracePeriod)
	_ = engine.Remove(ctx, s.ContainerID)
	return types.Sandbox{Phase: types.PhaseCreating}
}

func stepDestroying(ctx context.Context, s types.Sandbox, engine runtime.ContainerEngine) types.Sandbox {
	_ = engine.Stop(ctx, s.ContainerID, StopGracePeriod)
	_ = engine.Remove(ctx, s.ContainerID)
	return types.Sandbox{Phase: types.PhaseDestroyed}
}

func errored(s types.Sandbox, kind types.ErrorKind, _ string) types.Sandbox {
	return types.Sandbox{
		Phase:         types.PhaseErrored,
		ErrKind:       kind,
		PreviousPhase: s.Phase,
		OccurredAt:    time.Now(),
		ContainerID:   s.ContainerID,
		RecreateCount: s.RecreateCount,
		RestartCount:  s.RestartCount,
	}
}

// isIdle reports whether tenant's idle watchdog should fire. idle_minutes
// of 0 disables it. A sandbox that has never served a request or completed
// a health check is never considered idle.
func isIdle(s types.Sandbox, tenant TenantContext, probe Probe) bool {
	if tenant.IdleMinutes <= 0 {
		return false
	}
	last := s.LastRequestAt
	if last.IsZero() {
		last = s.LastCheck.At
	}
	if last.IsZero() {
		return false
	}
	return probe.now().Sub(last) > time.Duration(tenant.IdleMinutes)*time.Minute
}

func containerName(tenant TenantContext) string {
	return "sandbox-" + tenant.Name
}

func labelsFor(tenant TenantContext) map[string]string {
	return map[string]string{
		"tenant.id":           tenant.ID,
		"tenant.idle_minutes": strconv.Itoa(tenant.IdleMinutes),
		"tenant.admin_secret": tenant.AdminSecret,
	}
}
