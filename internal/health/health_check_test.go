package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error {
	return p.err
}

type fixedStats workerpool.Stats

func (s fixedStats) Stats() workerpool.Stats {
	return workerpool.Stats(s)
}

func TestHealthChecker_Healthy(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "A"}, &fakePinger{},
		fixedStats{MaxWorkers: 2, QueueSize: 2, ActiveWorkers: 1}, zap.NewNop())

	h.RunChecks(context.Background())

	assert.Equal(t, model.NodeStatusHealthy, h.Status())
	assert.True(t, h.IsReady())
	assert.NoError(t, h.Ready(context.Background()))
	assert.Len(t, h.Checks(), 2)
	assert.Equal(t, "Partner pool usage: 1/4, workers 50% busy", h.Checks()["partner_pool"].Message)
}

func TestHealthChecker_StatusTransitions(t *testing.T) {
	store := &fakePinger{}
	stats := fixedStats{MaxWorkers: 1, QueueSize: 1}

	var changes []model.NodeStatus
	cfg := &HealthCheckConfig{
		NodeID:         "A",
		OnStatusChange: func(s model.NodeStatus) { changes = append(changes, s) },
	}

	h := NewHealthChecker(cfg, store, &stats, zap.NewNop())
	h.RunChecks(context.Background())
	assert.Empty(t, changes)

	// Saturated pool only degrades
	stats.ActiveWorkers = 1
	stats.QueuedTasks = 1
	h.RunChecks(context.Background())
	assert.Equal(t, model.NodeStatusDegraded, h.Status())
	assert.True(t, h.IsReady())

	// Unreachable store makes the node unhealthy and not ready
	store.err = fmt.Errorf("connection refused")
	h.RunChecks(context.Background())
	assert.Equal(t, model.NodeStatusUnhealthy, h.Status())
	assert.False(t, h.IsReady())
	err := h.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipe_store")

	store.err = nil
	stats.ActiveWorkers = 0
	stats.QueuedTasks = 0
	h.RunChecks(context.Background())
	assert.Equal(t, model.NodeStatusHealthy, h.Status())

	assert.Equal(t, []model.NodeStatus{
		model.NodeStatusDegraded,
		model.NodeStatusUnhealthy,
		model.NodeStatusHealthy,
	}, changes)
}

func TestHealthChecker_Draining(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "A"}, &fakePinger{}, fixedStats{MaxWorkers: 1}, zap.NewNop())
	h.RunChecks(context.Background())
	require.True(t, h.IsReady())

	h.SetDraining()
	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())
	assert.EqualError(t, h.Ready(context.Background()), "node is shutting down")
}

func TestHealthChecker_StartStops(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "A", Interval: 5 * time.Millisecond},
		&fakePinger{}, fixedStats{MaxWorkers: 1}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(h.Checks()) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
