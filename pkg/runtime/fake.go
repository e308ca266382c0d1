package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeEngine is an in-memory ContainerEngine used by pkg/sandbox and
// pkg/scheduler tests to drive the state machine without a real container
// engine (spec §4.9: "tests substitute a fake").
type FakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	// NetworkFailures, when set for a container ID, makes ConnectNetwork
	// fail that many times before succeeding — simulates the Attaching →
	// Recreating edge.
	NetworkFailures map[string]int
}

type fakeContainer struct {
	spec      ContainerSpec
	running   bool
	exited    bool
	exitCode  int
	connected bool
	endpoint  string
}

// NewFakeEngine returns a ready, empty FakeEngine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		containers:      make(map[string]*fakeContainer),
		NetworkFailures: make(map[string]int),
	}
}

func (f *FakeEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[spec.ID] = &fakeContainer{spec: spec}
	return spec.ID, nil
}

func (f *FakeEngine) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return ContainerInfo{}, fmt.Errorf("container %s not found", containerID)
	}

	return ContainerInfo{
		ID:       containerID,
		Running:  c.running,
		Exited:   c.exited,
		ExitCode: c.exitCode,
		Endpoint: c.endpoint,
	}, nil
}

func (f *FakeEngine) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	c.running = true
	c.exited = false
	return nil
}

func (f *FakeEngine) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return nil
	}
	c.running = false
	c.exited = true
	return nil
}

func (f *FakeEngine) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *FakeEngine) ConnectNetwork(ctx context.Context, containerID, networkName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if remaining := f.NetworkFailures[containerID]; remaining > 0 {
		f.NetworkFailures[containerID] = remaining - 1
		return fmt.Errorf("network %s unavailable", networkName)
	}

	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	c.connected = true
	c.endpoint = "10.88.0." + containerID[len(containerID)-1:]
	return nil
}

func (f *FakeEngine) StreamEvents(ctx context.Context, containerID string) (<-chan Event, error) {
	events := make(chan Event)
	return events, nil
}

// SetExited marks a container as having exited with code, simulating a
// crash that StreamEvents would otherwise report asynchronously.
func (f *FakeEngine) SetExited(containerID string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
		c.exited = true
		c.exitCode = code
	}
}

// Exists reports whether containerID still exists.
func (f *FakeEngine) Exists(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerID]
	return ok
}

var _ ContainerEngine = (*FakeEngine)(nil)
