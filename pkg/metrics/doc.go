/*
Package metrics defines and registers every Prometheus metric exposed by
sandboxd.

# Metrics catalog

Sandbox state:
  - sandbox_tenants_total{phase} (gauge)
  - sandbox_transitions_total{from,to} (counter)
  - sandbox_errored_total{kind} (counter)

Scheduler:
  - sandbox_scheduler_queue_depth (gauge)
  - sandbox_scheduler_tasks_enqueued_total{result} (counter)
  - sandbox_scheduler_task_latency_seconds (histogram)
  - sandbox_scheduler_tasks_retried_total (counter)

ACME:
  - sandbox_acme_issuance_total{result} (counter)
  - sandbox_acme_renewal_total{result} (counter)
  - sandbox_acme_issuance_duration_seconds (histogram)

Proxy:
  - sandbox_proxy_requests_total{host,status} (counter)
  - sandbox_proxy_request_duration_seconds{host} (histogram)
  - sandbox_proxy_wake_latency_seconds (histogram)

Admin API:
  - sandbox_admin_requests_total{route,status} (counter)
  - sandbox_admin_errors_total{kind} (counter)

All metrics are registered at package init via prometheus.MustRegister
and updated directly by the packages that own the underlying state
(pkg/sandbox on transitions, pkg/scheduler on enqueue and task
completion, pkg/api on admin requests and errors) — there is no separate
polling collector, since none of these aggregates need periodic refresh.
The ACME and Proxy metrics are registered and exposed, but no package
updates them, so they stay at their zero values.

Handler() exposes the registry over HTTP for scraping; Timer wraps a
start time for histogram observations.

Liveness and readiness are served by pkg/api.HealthServer, not this
package — it checks storage and scheduler queue health directly rather
than through a separate component registry.
*/
package metrics
