package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/types"
)

func TestTaskResultString(t *testing.T) {
	tests := []struct {
		result   TaskResult
		expected string
	}{
		{Pending, "pending"},
		{Done, "done"},
		{TryAgain, "try again"},
		{Cancelled, "cancelled"},
		{Err, "error"},
		{TaskResult(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.result.String())
	}
}

func TestTaskResultIsDone(t *testing.T) {
	tests := []struct {
		result TaskResult
		done   bool
	}{
		{Pending, false},
		{TryAgain, false},
		{Done, true},
		{Cancelled, true},
		{Err, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.done, tt.result.isDone())
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		tries    int
		expected time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, 3 * time.Millisecond},
		{2, 9 * time.Millisecond},
		{3, 27 * time.Millisecond},
		{20, 30 * time.Second}, // 3^20 overflows well past the 30s cap
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, backoff(tt.tries))
	}
}

func TestTerminalForOp(t *testing.T) {
	tests := []struct {
		phase    types.Phase
		terminal bool
	}{
		{types.PhaseReady, true},
		{types.PhaseRunning, true},
		{types.PhaseStopped, true},
		{types.PhaseDestroyed, true},
		{types.PhaseErrored, true},
		{types.PhaseCreating, false},
		{types.PhaseAttaching, false},
		{types.PhaseStarting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, terminalForOp(tt.phase))
	}
}

func TestNotifyErroredNoopWithoutWebhook(t *testing.T) {
	n := NewNotifier()
	// No webhook configured: must return immediately without attempting a
	// network call, and must not panic.
	n.NotifyErrored(&types.Tenant{Name: "agent-smith"})
}

func TestProberFuncAdapts(t *testing.T) {
	called := false
	p := ProberFunc(func(ctx context.Context, tenant *types.Tenant) sandbox.Probe {
		called = true
		return sandbox.Probe{SupervisorHealthy: true}
	})
	probe := p.Probe(context.Background(), &types.Tenant{Name: "neo"})
	assert.True(t, called)
	assert.True(t, probe.SupervisorHealthy)
}
