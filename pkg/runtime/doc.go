/*
Package runtime defines ContainerEngine, the capability set {create, inspect,
start, stop, remove, connect-to-network, stream-events} every other
component is built against, and its containerd-backed implementation.

ContainerdEngine operates in the "sandboxes" containerd namespace. Create
pulls the image if not already present, builds an OCI spec from env vars,
and attaches the label map the state machine depends on for recovery after a
control-plane restart (tenant.id, tenant.idle_minutes, tenant.admin_secret).
Stop sends SIGTERM, waits the caller's grace period, then SIGKILLs.
Inspect reads the container's overlay network address via nsenter+ip once
a task is running.

FakeEngine is an in-memory ContainerEngine for pkg/sandbox and pkg/scheduler
tests: it can simulate network-attach failures (NetworkFailures) and
container crashes (SetExited) without a real container engine.
*/
package runtime
