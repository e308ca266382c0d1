package scheduler

import (
	"context"
	"fmt"

	"github.com/cuemby/sandboxd/pkg/types"
)

// ErrInvalidOperation mirrors spec §7's InvalidOperation error kind: the
// requested admin action doesn't apply to the tenant's current phase.
var ErrInvalidOperation = fmt.Errorf("scheduler: invalid operation")

// chain enqueues first, then second, without waiting between them. Because
// a tenant's deque is strict FIFO with at-most-one task in flight (spec
// §4.2/§5), first is always fully drained before second starts; there's no
// need to block the caller's goroutine on an intermediate Wait.
func (s *Scheduler) chain(tenantName string, first, second Task) (Handle, error) {
	if _, err := s.Enqueue(tenantName, first); err != nil {
		return Handle{}, err
	}
	return s.Enqueue(tenantName, second)
}

// EnqueueCreate drives a freshly created tenant (Sandbox{Phase: Creating})
// forward to Ready/Running/Errored. Callers persist the initial Tenant row
// themselves before calling this; the scheduler never creates rows.
func (s *Scheduler) EnqueueCreate(tenantName string) (Handle, error) {
	return s.Enqueue(tenantName, runUntilDone(s.tenant))
}

// EnqueueWake drives a Stopped sandbox back to serving, for the proxy's
// wake-on-demand path (spec §4.5 step 4). The proxy never mutates state
// itself; it calls this and waits on the returned Handle.
func (s *Scheduler) EnqueueWake(tenantName string) (Handle, error) {
	return s.chain(tenantName, wakeTask(), runUntilDone(s.tenant))
}

// EnqueueReboot is the admin-triggered force-restart entry point.
func (s *Scheduler) EnqueueReboot(tenantName string) (Handle, error) {
	return s.chain(tenantName, rebootTask(), runUntilDone(s.tenant))
}

// EnqueueDestroy lands the sandbox on Destroying and drains it to
// Destroyed. The Tenant row itself survives; call DeleteRecord afterward
// to remove it (spec §3: "after an additional 'delete' task, record is
// removed").
func (s *Scheduler) EnqueueDestroy(tenantName string) (Handle, error) {
	return s.chain(tenantName, destroyTask(), runUntilDone(s.tenant))
}

// EnqueueAdminRestart revives an Errored sandbox back to Creating, for
// POST /admin/revive (spec §6) and single-tenant admin restart requests.
func (s *Scheduler) EnqueueAdminRestart(tenantName string) (Handle, error) {
	return s.chain(tenantName, adminRestartTask(), runUntilDone(s.tenant))
}

// DeleteRecord removes a tenant's row and cascaded custom domains. It
// refuses on anything but a Destroyed sandbox, per spec §7
// InvalidOperation ("transition not allowed from current state").
func (s *Scheduler) DeleteRecord(ctx context.Context, tenantName string) error {
	tenant, err := s.store.GetTenant(ctx, tenantName)
	if err != nil {
		return err
	}
	if tenant.State.Phase != types.PhaseDestroyed {
		return ErrInvalidOperation
	}
	return s.store.DeleteTenant(ctx, tenantName)
}

// ReviveErrored scans for every Errored tenant and enqueues AdminRestart on
// each, for POST /admin/revive (spec §6).
func (s *Scheduler) ReviveErrored(ctx context.Context) ([]string, error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	var revived []string
	for _, tenant := range tenants {
		if tenant.State.Phase != types.PhaseErrored {
			continue
		}
		if _, err := s.EnqueueAdminRestart(tenant.Name); err != nil {
			s.logger.Warn().Err(err).Str("tenant", tenant.Name).Msg("failed to enqueue revive")
			continue
		}
		revived = append(revived, tenant.Name)
	}
	return revived, nil
}
