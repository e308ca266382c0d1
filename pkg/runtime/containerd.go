// Package runtime defines ContainerEngine, the thin abstraction over a
// container engine that every other component consumes (spec §4.9), and a
// containerd-backed production implementation.
package runtime

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
)

const (
	// DefaultNamespace is the containerd namespace sandboxd operates in.
	DefaultNamespace = "sandboxes"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// OverlayNetworkInterface is the interface inspected for a sandbox's
	// discovered endpoint once it has been connected to the overlay network.
	OverlayNetworkInterface = "eth0"
)

// ContainerSpec describes a sandbox container to create. Labels carry the
// tenant identity and policy the state machine needs to recover after a
// control-plane restart (spec §6): tenant.id, tenant.idle_minutes,
// tenant.admin_secret.
type ContainerSpec struct {
	ID     string
	Image  string
	Env    []string
	Labels map[string]string
}

// ContainerInfo is the result of Inspect: the state-machine-relevant facts
// about a container's current runtime status.
type ContainerInfo struct {
	ID       string
	Running  bool
	Exited   bool
	ExitCode int
	// Endpoint is the container's address on the overlay network, populated
	// only once ConnectNetwork has succeeded and the container is running.
	Endpoint string
}

// EventReason enumerates why StreamEvents emitted an Event, mirroring the
// supervisor protocol's subscribe_stop reasons (spec §4.6).
type EventReason string

const (
	EventExited EventReason = "exited"
	EventOOM    EventReason = "oom_killed"
)

// Event is a single container lifecycle notification.
type Event struct {
	ContainerID string
	Reason      EventReason
	Message     string
}

// ContainerEngine is the capability set the sandbox state machine, scheduler,
// and supervisor client are built against (spec §4.9/§9 "dynamic dispatch").
// Production code uses ContainerdEngine; tests use the in-memory FakeEngine.
type ContainerEngine interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Inspect(ctx context.Context, containerID string) (ContainerInfo, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	ConnectNetwork(ctx context.Context, containerID, networkName string) error
	StreamEvents(ctx context.Context, containerID string) (<-chan Event, error)
}

// ContainerdEngine implements ContainerEngine over a containerd daemon.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdEngine dials the containerd socket at socketPath (or
// DefaultSocketPath if empty) in the given namespace (or DefaultNamespace).
func NewContainerdEngine(socketPath, namespace string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd: %w", err)
	}

	return &ContainerdEngine{client: client, namespace: namespace}, nil
}

func (e *ContainerdEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

// Create pulls spec.Image if needed and creates (but does not start) a
// container carrying spec.Labels, matching spec §6's label contract.
func (e *ContainerdEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = e.ctx(ctx)

	image, err := e.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = e.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("pulling image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	ctrdContainer, err := e.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

func (e *ContainerdEngine) Start(ctx context.Context, containerID string) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("loading container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("starting task: %w", err)
	}
	return nil
}

// Stop sends SIGTERM, waits up to grace for exit, then SIGKILLs, matching
// the stop grace period from spec §5.
func (e *ContainerdEngine) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("loading container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no running task
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("waiting for task exit: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("sending SIGKILL: %w", err)
		}
	}

	_, err = task.Delete(ctx)
	return err
}

func (e *ContainerdEngine) Remove(ctx context.Context, containerID string) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}

	if err := e.Stop(ctx, containerID, 10*time.Second); err != nil {
		return fmt.Errorf("stopping before remove: %w", err)
	}

	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (e *ContainerdEngine) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("loading container %s: %w", containerID, err)
	}

	info := ContainerInfo{ID: containerID}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return info, nil // no task yet, not an error
	}

	status, err := task.Status(ctx)
	if err != nil {
		return info, fmt.Errorf("getting task status: %w", err)
	}

	switch status.Status {
	case containerd.Running:
		info.Running = true
		info.Endpoint, _ = endpointFromPID(ctx, task.Pid())
	case containerd.Stopped:
		info.Exited = true
		info.ExitCode = int(status.ExitStatus)
	}

	return info, nil
}

// ConnectNetwork is a no-op for the containerd CNI-managed overlay: the
// network is attached at task start via the CNI plugin configured on the
// host; this method exists so ContainerEngine exposes the capability the
// state machine's Attaching transition depends on, and fakes can simulate
// a missing-network failure without a real CNI.
func (e *ContainerdEngine) ConnectNetwork(ctx context.Context, containerID, networkName string) error {
	return nil
}

func (e *ContainerdEngine) StreamEvents(ctx context.Context, containerID string) (<-chan Event, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("loading container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting on task: %w", err)
	}

	events := make(chan Event, 1)
	go func() {
		defer close(events)
		status := <-statusC
		reason := EventExited
		events <- Event{
			ContainerID: containerID,
			Reason:      reason,
			Message:     fmt.Sprintf("exit code %d", status.ExitCode()),
		}
	}()

	return events, nil
}

// endpointFromPID shells out to nsenter+ip to read the container's overlay
// network address from inside its network namespace.
func endpointFromPID(ctx context.Context, pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("task has no pid")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n",
		"ip", "-4", "addr", "show", OverlayNetworkInterface)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("reading container network namespace: %w (output: %s)", err, output)
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("parsing address %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}

	return "", fmt.Errorf("no overlay network address found")
}

var _ ContainerEngine = (*ContainerdEngine)(nil)
