// Package scheduler serializes Sandbox state-machine mutations per tenant
// while parallelizing across tenants, per spec §4.2: a bounded global
// queue, a per-tenant FIFO deque, and a worker pool that guarantees
// at-most-one task in flight per tenant at a time.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	sandboxruntime "github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/rs/zerolog"
)

// ErrServiceUnavailable is returned by Enqueue when the global queue is
// full or accepting the task would block past SendTimeout.
var ErrServiceUnavailable = fmt.Errorf("scheduler: service unavailable")

const (
	// QueueCapacity is the bounded global queue's size (spec §4.2/§5).
	QueueCapacity = 2048
	// DegradedFloor is the free-capacity threshold below which the admin
	// API reports degraded health (spec §5 "> 94% full").
	DegradedFloor = 128
	// SendTimeout is how long Enqueue blocks before failing fast.
	SendTimeout = 9 * time.Second
	// TotalDeadline bounds a single task's total runtime.
	TotalDeadline = 300 * time.Second
	// IdleDeadline cancels a task that hasn't progressed (state hasn't
	// changed) in this long.
	IdleDeadline = 60 * time.Second
)

// Handle resolves once the task that produced it reaches a terminal
// TaskResult (Done, Cancelled or Err).
type Handle struct {
	done chan Outcome
}

// Wait blocks until the task completes or ctx is cancelled.
func (h Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case out := <-h.done:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// item is one unit of work sitting in a tenant's deque.
type item struct {
	task  Task
	tries int
	done  chan Outcome
}

// tenantQueue is a single tenant's FIFO deque plus its in-flight flag.
type tenantQueue struct {
	mu      sync.Mutex
	pending []item
	active  bool
}

// Scheduler is the spec §4.2 task scheduler. Exactly one Scheduler exists
// per control plane process; it owns the only writer path to Store.
type Scheduler struct {
	store  storage.Store
	engine sandboxruntime.ContainerEngine
	prober Prober
	tenant TenantConfig
	notify *Notifier
	events *events.Broker
	logger zerolog.Logger

	workers int

	global chan string // tenant names waiting for a dispatcher slot

	mu     sync.Mutex
	queues map[string]*tenantQueue

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithWorkers overrides the worker pool size (default CPU count * 2, min 4,
// per spec §5).
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithNotifier attaches operator Slack notification (spec §4.1a).
func WithNotifier(n *Notifier) Option {
	return func(s *Scheduler) { s.notify = n }
}

// WithEventBroker publishes every committed audit event to b in addition
// to persisting it, for consumers that want a live feed.
func WithEventBroker(b *events.Broker) Option {
	return func(s *Scheduler) { s.events = b }
}

// New builds a Scheduler against store for persistence, engine for
// container lifecycle side effects, prober for supervisor health/traffic
// signals, and tenantConfig to resolve per-tenant sandbox.TenantContext.
func New(store storage.Store, engine sandboxruntime.ContainerEngine, prober Prober, tenantConfig TenantConfig, opts ...Option) *Scheduler {
	workers := runtime.NumCPU() * 2
	if workers < 4 {
		workers = 4
	}
	s := &Scheduler{
		store:   store,
		engine:  engine,
		prober:  prober,
		tenant:  tenantConfig,
		logger:  log.WithComponent("scheduler"),
		workers: workers,
		global:  make(chan string, QueueCapacity),
		queues:  make(map[string]*tenantQueue),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool. Call once.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.dispatchLoop()
	}
}

// Stop signals all dispatch loops to drain and wait for them to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// TenantConfig returns the resolver used to build pkg/sandbox.TenantContext
// values, so callers building Task closures (cmd/sandboxd, the admin API,
// the fan-out jobs) share the same one the scheduler was constructed with.
func (s *Scheduler) TenantConfig() TenantConfig {
	return s.tenant
}

// QueueDepth returns the current size of the bounded global queue.
func (s *Scheduler) QueueDepth() int {
	return len(s.global)
}

// Degraded reports whether free queue capacity has dropped below
// DegradedFloor (spec §5 backpressure signal for the admin API).
func (s *Scheduler) Degraded() bool {
	return QueueCapacity-s.QueueDepth() < DegradedFloor
}

// Enqueue appends task to tenantName's deque, signalling the global queue
// that work is available. It blocks up to SendTimeout before failing with
// ErrServiceUnavailable (spec §5 "scheduler send: 9s").
func (s *Scheduler) Enqueue(tenantName string, task Task) (Handle, error) {
	q := s.queueFor(tenantName)

	h := Handle{done: make(chan Outcome, 1)}
	q.mu.Lock()
	q.pending = append(q.pending, item{task: task, done: h.done})
	shouldSignal := !q.active
	q.mu.Unlock()

	metrics.SchedulerQueueDepth.Set(float64(s.QueueDepth()))

	if !shouldSignal {
		// A dispatch is already in flight (or queued) for this tenant;
		// it will pick up the new item when it finishes the current one.
		metrics.SchedulerTasksEnqueuedTotal.WithLabelValues("accepted").Inc()
		return h, nil
	}

	select {
	case s.global <- tenantName:
		metrics.SchedulerTasksEnqueuedTotal.WithLabelValues("accepted").Inc()
		metrics.SchedulerQueueDepth.Set(float64(s.QueueDepth()))
		return h, nil
	case <-time.After(SendTimeout):
		metrics.SchedulerTasksEnqueuedTotal.WithLabelValues("rejected").Inc()
		return Handle{}, ErrServiceUnavailable
	}
}

func (s *Scheduler) queueFor(tenantName string) *tenantQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[tenantName]
	if !ok {
		q = &tenantQueue{}
		s.queues[tenantName] = q
	}
	return q
}

// dispatchLoop is one worker: it waits for a tenant name on the global
// queue, claims that tenant's queue (at-most-one-per-tenant, spec §4.2),
// and drains its deque to completion before releasing the claim.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case tenantName := <-s.global:
			s.drain(tenantName)
		}
	}
}

// drain runs every pending item for tenantName to a terminal TaskResult,
// one at a time, honoring per-task backoff and timeouts.
func (s *Scheduler) drain(tenantName string) {
	q := s.queueFor(tenantName)

	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.active = false
		hasMore := len(q.pending) > 0
		q.mu.Unlock()
		if hasMore {
			select {
			case s.global <- tenantName:
			default:
				// Global queue momentarily full; the next Enqueue call
				// for this tenant will re-signal since active is false.
			}
		}
	}()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		out := s.runToCompletion(tenantName, next)
		next.done <- out
		close(next.done)
	}
}

// runToCompletion polls it.task until it reports a terminal TaskResult,
// re-enqueuing internally on Pending/TryAgain with exponential backoff,
// and enforcing the total/idle deadlines from spec §5.
func (s *Scheduler) runToCompletion(tenantName string, it item) Outcome {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTaskLatency)

	deadline := time.Now().Add(TotalDeadline)
	lastProgress := time.Now()
	tries := it.tries

	for {
		if time.Now().After(deadline) {
			return Outcome{Result: Cancelled}
		}
		if time.Since(lastProgress) > IdleDeadline {
			return Outcome{Result: Cancelled}
		}

		tenant, err := s.store.GetTenant(context.Background(), tenantName)
		if err != nil {
			return failed(fmt.Errorf("loading tenant %s: %w", tenantName, err))
		}

		before := tenant.State.Phase
		ctx, cancel := context.WithTimeout(context.Background(), TotalDeadline)
		out := it.task(ctx, tenant, s.engine, s.prober)
		cancel()

		if tenant.State.Phase != before {
			lastProgress = time.Now()
			if err := s.store.UpdateTenant(context.Background(), tenant); err != nil {
				s.logger.Error().Err(err).Str("tenant", tenantName).Msg("failed to persist tenant state")
				return failed(err)
			}
			s.appendAudit(tenant, before)
			if tenant.State.Phase == types.PhaseErrored {
				s.notifyErrored(tenant)
			}
		}

		if out.Result.isDone() {
			return out
		}

		tries++
		metrics.SchedulerTasksRetriedTotal.Inc()
		delay := backoff(tries)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return Outcome{Result: Cancelled}
		}
	}
}

func (s *Scheduler) appendAudit(tenant *types.Tenant, from types.Phase) {
	event := &types.AuditEvent{
		ID:         fmt.Sprintf("%s-%d", tenant.Name, time.Now().UnixNano()),
		TenantName: tenant.Name,
		Kind:       "transition",
		Detail:     fmt.Sprintf("%s -> %s", from, tenant.State.Phase),
		At:         time.Now(),
	}
	if err := s.store.AppendAuditEvent(context.Background(), event); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenant.Name).Msg("failed to append audit event")
	}
	if s.events != nil {
		s.events.Publish(event)
	}
}

func (s *Scheduler) notifyErrored(tenant *types.Tenant) {
	if s.notify == nil {
		return
	}
	s.notify.NotifyErrored(tenant)
}

// IterReadyTenants yields every tenant currently in Ready or Running, for
// the health-check fan-out (§4.2a). Errors listing tenants are logged and
// the sweep silently yields nothing further.
func (s *Scheduler) IterReadyTenants(ctx context.Context) <-chan *types.Tenant {
	out := make(chan *types.Tenant)
	go func() {
		defer close(out)
		tenants, err := s.store.ListTenants(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to list tenants for health-check sweep")
			return
		}
		for _, tenant := range tenants {
			if !tenant.State.IsServing() {
				continue
			}
			select {
			case out <- tenant:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
