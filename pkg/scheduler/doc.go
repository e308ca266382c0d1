/*
Package scheduler is the only writer path to pkg/storage's Tenant rows. It
serializes pkg/sandbox state transitions per tenant while parallelizing
across tenants, per spec §4.2: a bounded global queue feeds a fixed worker
pool, and a per-tenant FIFO deque guarantees at most one Task in flight per
tenant at a time regardless of how many admin requests race in.

A Task is one bounded unit of work against a single tenant; it reports a
TaskResult (Pending/TryAgain ask for a backoff re-enqueue, Done/Cancelled/
Err are terminal). runUntilDone is the workhorse Task: it drives
pkg/sandbox.Next repeatedly until the sandbox reaches a phase that
operation considers terminal, persisting and audit-logging only the polls
that actually changed the phase. ops.go builds the admin-facing entry
points (EnqueueCreate, EnqueueWake, EnqueueReboot, EnqueueDestroy,
EnqueueAdminRestart, DeleteRecord, ReviveErrored) on top of it.

FanOut drives the two periodic jobs of spec §4.2a on its own 1s loop,
using robfig/cron only to parse "@every 10s" / "@every 1h" into next-fire
times, not as a second scheduler. The health-check sweep goes through the
normal per-tenant Enqueue path; the certificate renewal sweep has no
tenant identity to key off, so it runs under its own single-flight mutex
instead.

Notifier posts a fire-and-forget Slack webhook when a transition lands on
Errored (spec §4.1a). It is scheduler-owned rather than part of
pkg/sandbox because Next is meant to stay pure; deciding who to tell about
a failure is the scheduler's job, not the state machine's.
*/
package scheduler
