package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// FanOut drives the two periodic jobs of spec §4.2a. A robfig/cron parser is
// used only to parse the schedule expressions into cron.Schedule values;
// the actual ticking is a single 1s loop this type owns, matching the
// scheduler's own already-running goroutine model rather than standing up
// a second execution engine.
type FanOut struct {
	sched       *Scheduler
	healthCheck cron.Schedule
	renewal     cron.Schedule
	renewFunc   func(ctx context.Context) error

	renewMu sync.Mutex // renewal sweep is single-flight, spec §4.3
	stopCh  chan struct{}
}

// NewFanOut parses the two standing job schedules and binds them to sched.
// renewFunc is the singleton certificate-renewal sweep (spec §4.3): unlike
// health checks, it has no per-tenant identity (it iterates CustomDomain
// rows directly), so it runs under its own single-flight guard rather than
// through the per-tenant dispatch path.
func NewFanOut(sched *Scheduler, renewFunc func(ctx context.Context) error) (*FanOut, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	healthCheck, err := parser.Parse("@every 10s")
	if err != nil {
		return nil, err
	}
	renewal, err := parser.Parse("@every 1h")
	if err != nil {
		return nil, err
	}

	return &FanOut{
		sched:       sched,
		healthCheck: healthCheck,
		renewal:     renewal,
		renewFunc:   renewFunc,
		stopCh:      make(chan struct{}),
	}, nil
}

// Run blocks, firing the health-check and renewal sweeps whenever their
// cron.Schedule next-fire time has passed. Call in its own goroutine.
func (f *FanOut) Run(ctx context.Context) {
	tenantConfig := f.sched.TenantConfig()
	now := time.Now()
	nextHealth := f.healthCheck.Next(now)
	nextRenewal := f.renewal.Next(now)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case now := <-ticker.C:
			if !now.Before(nextHealth) {
				f.fireHealthCheck(tenantConfig)
				nextHealth = f.healthCheck.Next(now)
			}
			if !now.Before(nextRenewal) {
				go f.fireRenewal(ctx)
				nextRenewal = f.renewal.Next(now)
			}
		}
	}
}

// Stop ends the fan-out loop.
func (f *FanOut) Stop() {
	close(f.stopCh)
}

// fireHealthCheck enqueues a healthCheckTask for every Ready/Running
// tenant, per spec §4.2a.
func (f *FanOut) fireHealthCheck(tenantConfig TenantConfig) {
	ctx := context.Background()
	for tenant := range f.sched.IterReadyTenants(ctx) {
		if _, err := f.sched.Enqueue(tenant.Name, healthCheckTask(tenantConfig)); err != nil {
			f.sched.logger.Warn().Err(err).Str("tenant", tenant.Name).Msg("health-check enqueue failed")
		}
	}
}

// fireRenewal runs the ACME renewal sweep, skipping the tick entirely if a
// previous sweep is still in flight rather than queuing a second one.
func (f *FanOut) fireRenewal(ctx context.Context) {
	if !f.renewMu.TryLock() {
		return
	}
	defer f.renewMu.Unlock()

	if err := f.renewFunc(ctx); err != nil {
		f.sched.logger.Warn().Err(err).Msg("certificate renewal sweep failed")
	}
}
